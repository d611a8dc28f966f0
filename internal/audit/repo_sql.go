package audit

import (
	"context"
	"database/sql"
	"fmt"

	"coldcaller-telephony/pkg/utils"
)

// SQLRepo appends audit events to audit_events on Postgres or MySQL.
type SQLRepo struct {
	db      *sql.DB
	dialect utils.Dialect
}

func NewSQLRepo(db *sql.DB, dialect utils.Dialect) *SQLRepo {
	return &SQLRepo{db: db, dialect: dialect}
}

func (r *SQLRepo) Migrate(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS audit_events (
		id VARCHAR(64) PRIMARY KEY,
		type VARCHAR(32) NOT NULL,
		action VARCHAR(64) NOT NULL,
		actor_user_id VARCHAR(191) NOT NULL,
		actor_role VARCHAR(32) NOT NULL,
		ip_address VARCHAR(64) NOT NULL,
		config_id VARCHAR(191) NOT NULL,
		session_id VARCHAR(64) NOT NULL,
		message TEXT NOT NULL,
		metadata TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`
	if r.dialect == utils.DialectMySQL {
		q = `CREATE TABLE IF NOT EXISTS audit_events (
			id VARCHAR(64) PRIMARY KEY,
			type VARCHAR(32) NOT NULL,
			action VARCHAR(64) NOT NULL,
			actor_user_id VARCHAR(191) NOT NULL,
			actor_role VARCHAR(32) NOT NULL,
			ip_address VARCHAR(64) NOT NULL,
			config_id VARCHAR(191) NOT NULL,
			session_id VARCHAR(64) NOT NULL,
			message TEXT NOT NULL,
			metadata MEDIUMTEXT NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX audit_events_created_at (created_at)
		)`
	}
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

func (r *SQLRepo) Append(ctx context.Context, e Event) error {
	q := r.dialect.Rebind(`INSERT INTO audit_events
		(id, type, action, actor_user_id, actor_role, ip_address, config_id, session_id, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, q,
		e.ID, string(e.Type), e.Action, e.ActorUserID, e.ActorRole, e.IPAddress,
		e.ConfigID, e.SessionID, e.Message, e.Metadata, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (r *SQLRepo) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.dialect.Rebind(`SELECT id, type, action, actor_user_id, actor_role, ip_address, config_id, session_id, message, metadata, created_at
		FROM audit_events ORDER BY created_at DESC LIMIT ?`)
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.ID, &typ, &e.Action, &e.ActorUserID, &e.ActorRole, &e.IPAddress,
			&e.ConfigID, &e.SessionID, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
