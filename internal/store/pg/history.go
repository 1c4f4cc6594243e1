package pg

import (
	"context"

	"github.com/jmoiron/sqlx"

	"modernwms.org/internal/auth"
)

// historyStore runs on the pool or inside a password change transaction.
type historyStore struct {
	db sqlx.ExtContext
}

func (s historyStore) Append(ctx context.Context, e auth.PasswordHistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into password_history (id, user_id, password_hash, created_at)
		values ($1, $2, $3, $4)
	`, e.ID, e.UserID, e.Hash, e.CreatedAt)
	return mapErr(err)
}

func (s historyStore) ListRecent(ctx context.Context, userID string, n int) ([]auth.PasswordHistoryEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	var entries []auth.PasswordHistoryEntry
	if err := sqlx.SelectContext(ctx, s.db, &entries, `
		select id, user_id, password_hash, created_at
		from password_history
		where user_id = $1
		order by created_at desc, id desc
		limit $2
	`, userID, n); err != nil {
		return nil, err
	}
	return entries, nil
}

type auditStore struct {
	db *sqlx.DB
}

func (s auditStore) Append(ctx context.Context, e *auth.AuditEntry) error {
	return s.db.QueryRowxContext(ctx, `
		insert into audit_log (table_name, record_id, action, old_value, new_value, changed_by, changed_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning id
	`, e.Entity, e.RecordID, e.Action, e.OldValue, e.NewValue, e.ActorID, e.OccurredAt).Scan(&e.ID)
}
