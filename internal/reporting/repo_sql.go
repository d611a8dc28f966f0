package reporting

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"coldcaller-telephony/pkg/utils"
)

// SQLRepo stores call records in call_records on Postgres or MySQL.
type SQLRepo struct {
	db      *sql.DB
	dialect utils.Dialect
}

func NewSQLRepo(db *sql.DB, dialect utils.Dialect) *SQLRepo {
	return &SQLRepo{db: db, dialect: dialect}
}

func (r *SQLRepo) Migrate(ctx context.Context) error {
	ts := "TIMESTAMPTZ"
	if r.dialect == utils.DialectMySQL {
		ts = "DATETIME(6)"
	}
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS call_records (
		session_id VARCHAR(64) PRIMARY KEY,
		config_id VARCHAR(191) NOT NULL,
		direction VARCHAR(16) NOT NULL,
		phone_number VARCHAR(64) NOT NULL,
		lead_id VARCHAR(191) NOT NULL,
		final_state VARCHAR(16) NOT NULL,
		end_reason VARCHAR(191) NOT NULL,
		connected BOOLEAN NOT NULL,
		duration_seconds INTEGER NOT NULL,
		quality_samples INTEGER NOT NULL,
		average_quality DOUBLE PRECISION NOT NULL,
		min_quality DOUBLE PRECISION NOT NULL,
		created_at %[1]s NOT NULL,
		ended_at %[1]s NOT NULL
	)`, ts)
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("reporting: migrate: %w", err)
	}
	return nil
}

func (r *SQLRepo) AppendCall(ctx context.Context, c CallRecord) error {
	q := r.dialect.Rebind(`INSERT INTO call_records
		(session_id, config_id, direction, phone_number, lead_id, final_state, end_reason, connected,
		 duration_seconds, quality_samples, average_quality, min_quality, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, q,
		c.SessionID, c.ConfigID, c.Direction, c.PhoneNumber, c.LeadID, c.FinalState, c.EndReason, c.Connected,
		c.DurationSeconds, c.QualitySamples, c.AverageQuality, c.MinQuality, c.CreatedAt.UTC(), c.EndedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("reporting: append call: %w", err)
	}
	return nil
}

func (r *SQLRepo) ListCalls(ctx context.Context, from, to time.Time, configID string) ([]CallRecord, error) {
	q := `SELECT session_id, config_id, direction, phone_number, lead_id, final_state, end_reason, connected,
		duration_seconds, quality_samples, average_quality, min_quality, created_at, ended_at
		FROM call_records WHERE created_at >= ? AND created_at < ?`
	args := []any{from.UTC(), to.UTC()}
	if configID != "" {
		q += ` AND config_id = ?`
		args = append(args, configID)
	}
	q += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("reporting: list calls: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var c CallRecord
		if err := rows.Scan(&c.SessionID, &c.ConfigID, &c.Direction, &c.PhoneNumber, &c.LeadID, &c.FinalState,
			&c.EndReason, &c.Connected, &c.DurationSeconds, &c.QualitySamples, &c.AverageQuality, &c.MinQuality,
			&c.CreatedAt, &c.EndedAt); err != nil {
			return nil, fmt.Errorf("reporting: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
