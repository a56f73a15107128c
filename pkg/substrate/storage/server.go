package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ServerConfig configures a Postgres-backed Engine.
type ServerConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultServerConfig mirrors the connection pool sizing a typical
// single-node Postgres deployment ships with.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:            "localhost",
		Port:            5432,
		Database:        "hal9",
		Username:        "hal9",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS hal9_kv (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS hal9_kv_prefix_idx ON hal9_kv (key text_pattern_ops);
`

// ServerEngine is a Postgres-backed Engine, for deployments that run the
// substrate's storage sub-service against a shared server rather than an
// embedded file.
type ServerEngine struct {
	db *sqlx.DB
}

// OpenServer connects to Postgres and ensures the KV schema exists.
func OpenServer(ctx context.Context, cfg *ServerConfig) (*ServerEngine, error) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, hal9errors.Runtime("open server storage: %v", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, hal9errors.Runtime("ping server storage: %v", err)
	}

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, hal9errors.Runtime("migrate server storage schema: %v", err)
	}

	return &ServerEngine{db: db}, nil
}

func (s *ServerEngine) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hal9_kv (key, value, expires_at) VALUES ($1, $2, NULL)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = NULL
	`, key, value)
	return err
}

func (s *ServerEngine) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value, `
		SELECT value FROM hal9_kv
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`, key)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *ServerEngine) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM hal9_kv WHERE key = $1`, key)
	return err
}

func (s *ServerEngine) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := s.Get(ctx, key)
	return found, err
}

func (s *ServerEngine) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys, `
		SELECT key FROM hal9_kv
		WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY key
	`, prefix+"%")
	return keys, err
}

// CompareAndSwap relies on Postgres row-level locking: the UPDATE's WHERE
// clause only matches (and only one transaction ever commits) when the
// stored value still equals expected at the moment of the write.
func (s *ServerEngine) CompareAndSwap(ctx context.Context, key string, expected, newValue []byte) (bool, error) {
	if expected == nil {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO hal9_kv (key, value, expires_at) VALUES ($1, $2, NULL)
			ON CONFLICT (key) DO NOTHING
		`, key, newValue)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		return n == 1, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE hal9_kv SET value = $3, expires_at = NULL
		WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > now())
	`, key, expected, newValue)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *ServerEngine) SetTTL(ctx context.Context, key string, d time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE hal9_kv SET expires_at = now() + make_interval(secs => $2) WHERE key = $1
	`, key, d.Seconds())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return hal9errors.NotFound("key", key)
	}
	return nil
}

func (s *ServerEngine) Transaction(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &serverTx{tx: tx}, nil
}

func (s *ServerEngine) Close() error {
	return s.db.Close()
}

type serverTx struct {
	tx      *sqlx.Tx
	puts    []kv
	deletes []string
}

func (t *serverTx) Put(key string, value []byte) {
	t.puts = append(t.puts, kv{key, value})
}

func (t *serverTx) Delete(key string) {
	t.deletes = append(t.deletes, key)
}

func (t *serverTx) Commit(ctx context.Context) error {
	for _, w := range t.puts {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO hal9_kv (key, value, expires_at) VALUES ($1, $2, NULL)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = NULL
		`, w.key, w.value); err != nil {
			t.tx.Rollback()
			return err
		}
	}
	for _, k := range t.deletes {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM hal9_kv WHERE key = $1`, k); err != nil {
			t.tx.Rollback()
			return err
		}
	}
	return t.tx.Commit()
}

func (t *serverTx) Rollback() error {
	return t.tx.Rollback()
}
