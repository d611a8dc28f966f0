package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coldcaller-telephony/internal/registry"
	"coldcaller-telephony/pkg/utils"
)

var _ registry.Store = (*SQL)(nil)

const activeKey = "active_config_id"

// SQL stores one row per config (JSON body) plus the active id in a
// key/value table. Postgres (pgx) and MySQL share the same queries.
type SQL struct {
	db      *sql.DB
	dialect utils.Dialect
	now     func() time.Time
}

func NewSQL(db *sql.DB, dialect utils.Dialect) *SQL {
	return &SQL{db: db, dialect: dialect, now: time.Now}
}

// Migrate creates the tables if they do not exist.
func (s *SQL) Migrate(ctx context.Context) error {
	for _, q := range s.ddl() {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("configstore: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQL) ddl() []string {
	if s.dialect == utils.DialectMySQL {
		return []string{
			`CREATE TABLE IF NOT EXISTS connection_configs (
				id VARCHAR(191) PRIMARY KEY,
				body MEDIUMTEXT NOT NULL,
				updated_at DATETIME(6) NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS registry_state (
				name VARCHAR(64) PRIMARY KEY,
				value VARCHAR(255) NOT NULL
			)`,
		}
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS connection_configs (
			id TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS registry_state (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
}

func (s *SQL) Load(ctx context.Context) (registry.State, error) {
	st := registry.State{Configs: make(map[string]registry.Config)}

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{ReadOnly: true}, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, body FROM connection_configs`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id, body string
			if err := rows.Scan(&id, &body); err != nil {
				return err
			}
			var c registry.Config
			if err := json.Unmarshal([]byte(body), &c); err != nil {
				return fmt.Errorf("decode %s: %w", id, err)
			}
			st.Configs[id] = c
		}
		if err := rows.Err(); err != nil {
			return err
		}

		err = tx.QueryRowContext(ctx, s.dialect.Rebind(`SELECT value FROM registry_state WHERE name = ?`), activeKey).Scan(&st.ActiveID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return registry.State{}, fmt.Errorf("configstore: sql load: %w", err)
	}
	return st, nil
}

func (s *SQL) Save(ctx context.Context, st registry.State) error {
	now := s.now().UTC()
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM connection_configs`); err != nil {
			return err
		}
		insert := s.dialect.Rebind(`INSERT INTO connection_configs (id, body, updated_at) VALUES (?, ?, ?)`)
		for id, c := range st.Configs {
			body, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("encode %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, insert, id, string(body), now); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM registry_state WHERE name = ?`), activeKey); err != nil {
			return err
		}
		if st.ActiveID == "" {
			return nil
		}
		_, err := tx.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO registry_state (name, value) VALUES (?, ?)`), activeKey, st.ActiveID)
		return err
	})
	if err != nil {
		return fmt.Errorf("configstore: sql save: %w", err)
	}
	return nil
}
