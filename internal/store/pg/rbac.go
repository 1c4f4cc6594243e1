package pg

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"modernwms.org/internal/auth"
)

type roleStore struct {
	db *sqlx.DB
}

func (s roleStore) List(ctx context.Context) ([]auth.Role, error) {
	var roles []auth.Role
	if err := s.db.SelectContext(ctx, &roles, `select id, description from roles order by id`); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s roleStore) Get(ctx context.Context, id string) (*auth.Role, error) {
	var role auth.Role
	if err := s.db.GetContext(ctx, &role, `select id, description from roles where id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	return &role, nil
}

func (s roleStore) Permissions(ctx context.Context) ([]auth.Permission, error) {
	var perms []auth.Permission
	if err := s.db.SelectContext(ctx, &perms, `
		select id, entity, operation, description
		from permissions
		order by id
	`); err != nil {
		return nil, err
	}
	return perms, nil
}

func (s roleStore) PermissionsForRole(ctx context.Context, roleID string) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `
		select permission_id
		from role_permissions
		where role_id = $1
		order by permission_id
	`, roleID); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s roleStore) ReplacePermissions(ctx context.Context, roleID string, ids []string) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowxContext(ctx, `select 1 from roles where id = $1 for update`, roleID).Scan(&exists); err != nil {
		return nil, mapErr(err)
	}
	var old []string
	if err := tx.SelectContext(ctx, &old, `
		select permission_id
		from role_permissions
		where role_id = $1
		order by permission_id
	`, roleID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
		`, roleID, id); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return nil, fmt.Errorf("%w: permission %s", auth.ErrNotFound, id)
			}
			return nil, mapErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if old == nil {
		old = []string{}
	}
	return old, nil
}
