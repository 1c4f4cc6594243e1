package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"modernwms.org/internal/auth"
)

const userColumns = `
	id, display_name, password_hash, password_changed_at, password_expires_at,
	must_change_password, failed_login_attempts, locked_until, last_login_at,
	status, default_facility, language, last_update, last_user`

type userRow struct {
	ID                  string         `db:"id"`
	DisplayName         string         `db:"display_name"`
	PasswordHash        sql.NullString `db:"password_hash"`
	PasswordChangedAt   sql.NullTime   `db:"password_changed_at"`
	PasswordExpiresAt   sql.NullTime   `db:"password_expires_at"`
	MustChangePassword  bool           `db:"must_change_password"`
	FailedLoginAttempts int            `db:"failed_login_attempts"`
	LockedUntil         sql.NullTime   `db:"locked_until"`
	LastLoginAt         sql.NullTime   `db:"last_login_at"`
	Status              string         `db:"status"`
	DefaultFacility     sql.NullString `db:"default_facility"`
	Language            string         `db:"language"`
	LastUpdate          time.Time      `db:"last_update"`
	LastUser            string         `db:"last_user"`
}

func (r userRow) user() *auth.User {
	return &auth.User{
		ID:                  r.ID,
		DisplayName:         r.DisplayName,
		PasswordHash:        r.PasswordHash.String,
		PasswordChangedAt:   timePtr(r.PasswordChangedAt),
		PasswordExpiresAt:   timePtr(r.PasswordExpiresAt),
		MustChangePassword:  r.MustChangePassword,
		FailedLoginAttempts: r.FailedLoginAttempts,
		LockedUntil:         timePtr(r.LockedUntil),
		LastLoginAt:         timePtr(r.LastLoginAt),
		Status:              r.Status,
		DefaultFacility:     r.DefaultFacility.String,
		Language:            r.Language,
		LastUpdate:          r.LastUpdate.UTC(),
		LastUser:            r.LastUser,
		Roles:               []string{},
		Facilities:          []string{},
		Customers:           []string{},
	}
}

// assignment is one row of a user join table.
type assignment struct {
	UserID string `db:"user_id"`
	Value  string `db:"value"`
}

var assignmentTables = []struct {
	table  string
	column string
}{
	{"user_roles", "role_id"},
	{"user_facilities", "facility_id"},
	{"user_customers", "customer_id"},
}

type userStore struct {
	db *sqlx.DB
}

func (s userStore) Get(ctx context.Context, id string) (*auth.User, error) {
	var row userRow
	if err := s.db.GetContext(ctx, &row, `select `+userColumns+` from users where id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	u := row.user()
	targets := []*[]string{&u.Roles, &u.Facilities, &u.Customers}
	for i, t := range assignmentTables {
		var values []string
		q := fmt.Sprintf(`select %s from %s where user_id = $1 order by %s`, t.column, t.table, t.column)
		if err := s.db.SelectContext(ctx, &values, q, id); err != nil {
			return nil, err
		}
		if values != nil {
			*targets[i] = values
		}
	}
	return u, nil
}

func (s userStore) List(ctx context.Context) ([]*auth.User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows,
		`select `+userColumns+` from users where status = $1 order by id`, auth.UserStatusActive); err != nil {
		return nil, err
	}
	users := make([]*auth.User, 0, len(rows))
	byID := make(map[string]*auth.User, len(rows))
	for _, r := range rows {
		u := r.user()
		users = append(users, u)
		byID[u.ID] = u
	}
	for i, t := range assignmentTables {
		var pairs []assignment
		q := fmt.Sprintf(`
			select a.user_id, a.%s as value
			from %s a
			join users u on u.id = a.user_id
			where u.status = $1
			order by a.user_id, a.%s`, t.column, t.table, t.column)
		if err := s.db.SelectContext(ctx, &pairs, q, auth.UserStatusActive); err != nil {
			return nil, err
		}
		for _, p := range pairs {
			u, ok := byID[p.UserID]
			if !ok {
				continue
			}
			switch i {
			case 0:
				u.Roles = append(u.Roles, p.Value)
			case 1:
				u.Facilities = append(u.Facilities, p.Value)
			case 2:
				u.Customers = append(u.Customers, p.Value)
			}
		}
	}
	return users, nil
}

func (s userStore) Create(ctx context.Context, u *auth.User) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		insert into users (
			id, display_name, password_hash, password_changed_at, password_expires_at,
			must_change_password, failed_login_attempts, status, default_facility,
			language, last_update, last_user
		) values ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $11)
	`, u.ID, u.DisplayName, nullIfEmpty(u.PasswordHash), nullTime(u.PasswordChangedAt), nullTime(u.PasswordExpiresAt),
		u.MustChangePassword, u.Status, nullIfEmpty(u.DefaultFacility), u.Language, u.LastUpdate, u.LastUser)
	if err != nil {
		return mapErr(err)
	}
	if err := replaceAssignments(ctx, tx, u); err != nil {
		return err
	}
	return tx.Commit()
}

func (s userStore) Update(ctx context.Context, u *auth.User, change *auth.PasswordChange) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update users
		set display_name = $2, status = $3, default_facility = $4, language = $5,
		    last_update = $6, last_user = $7
		where id = $1
	`, u.ID, u.DisplayName, u.Status, nullIfEmpty(u.DefaultFacility), u.Language, u.LastUpdate, u.LastUser)
	if err != nil {
		return mapErr(err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if err := replaceAssignments(ctx, tx, u); err != nil {
		return err
	}
	if change != nil {
		if err := applyPasswordChange(ctx, tx, *change); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// replaceAssignments rewrites the role, facility and customer rows of u.
func replaceAssignments(ctx context.Context, tx *sqlx.Tx, u *auth.User) error {
	values := [][]string{u.Roles, u.Facilities, u.Customers}
	for i, t := range assignmentTables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where user_id = $1`, t.table), u.ID); err != nil {
			return err
		}
		insert := fmt.Sprintf(`insert into %s (user_id, %s) values ($1, $2)`, t.table, t.column)
		for _, v := range values[i] {
			if _, err := tx.ExecContext(ctx, insert, u.ID, v); err != nil {
				return mapErr(err)
			}
		}
	}
	return nil
}

func (s userStore) Deactivate(ctx context.Context, id, actorID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users set status = $2, last_update = $3, last_user = $4
		where id = $1
	`, id, auth.UserStatusInactive, at, actorID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RecordFailedLogin relies on a single conditional update so concurrent
// failures can neither lose an increment nor extend an active lock.
func (s userStore) RecordFailedLogin(ctx context.Context, id string, now time.Time, maxAttempts int, lockFor time.Duration) (auth.FailedLogin, error) {
	var (
		attempts int
		locked   sql.NullTime
	)
	err := s.db.QueryRowxContext(ctx, `
		update users
		set failed_login_attempts = failed_login_attempts + 1,
		    locked_until = case
		        when failed_login_attempts + 1 >= $3 then $4
		        else locked_until
		    end
		where id = $1 and (locked_until is null or locked_until <= $2)
		returning failed_login_attempts, locked_until
	`, id, now, maxAttempts, now.Add(lockFor)).Scan(&attempts, &locked)
	if err == nil {
		return auth.FailedLogin{Attempts: attempts, LockedUntil: timePtr(locked)}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return auth.FailedLogin{}, err
	}

	// No row updated: the user is gone or another request locked it first.
	err = s.db.QueryRowxContext(ctx,
		`select failed_login_attempts, locked_until from users where id = $1`, id).Scan(&attempts, &locked)
	if err != nil {
		return auth.FailedLogin{}, mapErr(err)
	}
	return auth.FailedLogin{Attempts: attempts, LockedUntil: timePtr(locked), AlreadyLocked: true}, nil
}

func (s userStore) RecordSuccessfulLogin(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set failed_login_attempts = 0, locked_until = null, last_login_at = $2
		where id = $1
	`, id, now)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ApplyPasswordChange swaps the hash only if it still equals PreviousHash and
// appends the previous hash to the history in the same transaction.
func (s userStore) ApplyPasswordChange(ctx context.Context, c auth.PasswordChange) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := applyPasswordChange(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

func applyPasswordChange(ctx context.Context, tx *sqlx.Tx, c auth.PasswordChange) error {
	res, err := tx.ExecContext(ctx, `
		update users
		set password_hash = $2, password_changed_at = $3, password_expires_at = $4,
		    must_change_password = $5, failed_login_attempts = 0, locked_until = null,
		    last_update = $3, last_user = $6
		where id = $1 and coalesce(password_hash, '') = $7
	`, c.UserID, c.NewHash, c.ChangedAt, nullTime(c.ExpiresAt), c.MustChangePassword, c.ActorID, c.PreviousHash)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		var exists int
		if err := tx.QueryRowxContext(ctx, `select 1 from users where id = $1`, c.UserID).Scan(&exists); err != nil {
			return mapErr(err)
		}
		return fmt.Errorf("%w: password changed concurrently", auth.ErrConflict)
	}

	if c.PreviousHash == "" {
		return nil
	}
	return historyStore{db: tx}.Append(ctx, auth.PasswordHistoryEntry{
		ID:        c.HistoryID,
		UserID:    c.UserID,
		Hash:      c.PreviousHash,
		CreatedAt: c.ChangedAt,
	})
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
