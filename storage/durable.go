package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/magick-io/magick/config"
)

const durableRetries = 6

// DurableStore adapts a relational database to the durable storage tier.
// Every flag is one row in magick_features with its attributes folded into
// a single JSON payload column. Postgres, SQLite and MySQL are supported;
// writes retry with backoff on transient busy/locked/timeout errors.
type DurableStore struct {
	db         *sqlx.DB
	driver     string
	logger     *zap.Logger
	schemaOnce sync.Once
	schemaErr  error
}

// NewDurableStore opens the database, verifies connectivity and creates the
// schema when missing.
func NewDurableStore(cfg config.DatabaseConfig, logger *zap.Logger) (*DurableStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dsn string
	switch cfg.Driver {
	case "sqlite3":
		dsn = cfg.Path
		if dsn == "" {
			dsn = "magick.db"
		}
	case "mysql":
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	default:
		dsn = fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.Password, cfg.SSLMode)
	}

	db, err := sqlx.Connect(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)

	store := &DurableStore{db: db, driver: cfg.Driver, logger: logger}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewDurableStoreFromDB wraps an existing connection. The schema is assumed
// to exist. Used by tests and hosts that manage their own pool.
func NewDurableStoreFromDB(db *sql.DB, driver string, logger *zap.Logger) *DurableStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := &DurableStore{db: sqlx.NewDb(db, driver), driver: driver, logger: logger}
	store.schemaOnce.Do(func() {})
	return store
}

// Close closes the database connection.
func (s *DurableStore) Close() error {
	return s.db.Close()
}

// Health checks database connectivity.
func (s *DurableStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// initSchema creates the tables once per process. On Postgres the payload
// column is native JSONB; elsewhere it is TEXT holding a JSON object.
func (s *DurableStore) initSchema() error {
	s.schemaOnce.Do(func() {
		var schema string
		switch s.driver {
		case "postgres":
			schema = `
				CREATE TABLE IF NOT EXISTS magick_features (
					id BIGSERIAL PRIMARY KEY,
					feature_name TEXT NOT NULL UNIQUE,
					data JSONB NOT NULL,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL,
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_magick_features_name ON magick_features(feature_name);

				CREATE TABLE IF NOT EXISTS magick_audit_log (
					id BIGSERIAL PRIMARY KEY,
					feature_name TEXT NOT NULL,
					action TEXT NOT NULL,
					changed_by TEXT NOT NULL,
					before_value JSONB,
					after_value JSONB,
					changed_at TIMESTAMP WITH TIME ZONE NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_magick_audit_log_name ON magick_audit_log(feature_name);`
		default:
			schema = `
				CREATE TABLE IF NOT EXISTS magick_features (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					feature_name TEXT NOT NULL UNIQUE,
					data TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_magick_features_name ON magick_features(feature_name);

				CREATE TABLE IF NOT EXISTS magick_audit_log (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					feature_name TEXT NOT NULL,
					action TEXT NOT NULL,
					changed_by TEXT NOT NULL,
					before_value TEXT,
					after_value TEXT,
					changed_at TIMESTAMP NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_magick_audit_log_name ON magick_audit_log(feature_name);`
		}
		_, s.schemaErr = s.db.Exec(schema)
	})
	return s.schemaErr
}

// Get returns one attribute from the flag's JSON payload.
func (s *DurableStore) Get(ctx context.Context, name, key string) (string, bool, error) {
	attrs, ok, err := s.GetAll(ctx, name)
	if err != nil || !ok {
		return "", false, err
	}
	val, ok := attrs[key]
	return val, ok, nil
}

// GetAll returns the full attribute payload for the flag.
func (s *DurableStore) GetAll(ctx context.Context, name string) (map[string]string, bool, error) {
	var raw []byte
	query := s.db.Rebind(`SELECT data FROM magick_features WHERE feature_name = ?`)
	err := s.db.QueryRowxContext(ctx, query, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, adapterErr("database", "select", err)
	}

	attrs := make(map[string]string)
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, false, adapterErr("database", "decode", err)
	}
	return attrs, true, nil
}

// Set merges one attribute into the flag's payload.
func (s *DurableStore) Set(ctx context.Context, name, key, value string) error {
	return s.SetAll(ctx, name, map[string]string{key: value})
}

// SetAll merges a batch of attributes into the flag's payload, inserting
// the row when absent. The merge happens inside the upsert statement, so
// concurrent writers of disjoint attributes never clobber each other.
func (s *DurableStore) SetAll(ctx context.Context, name string, attrs map[string]string) error {
	if len(attrs) == 0 {
		return nil
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return adapterErr("database", "encode", err)
	}

	var query string
	switch s.driver {
	case "mysql":
		query = s.db.Rebind(`
			INSERT INTO magick_features (feature_name, data, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE data = JSON_MERGE_PATCH(data, VALUES(data)), updated_at = VALUES(updated_at)`)
	case "postgres":
		query = s.db.Rebind(`
			INSERT INTO magick_features (feature_name, data, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (feature_name) DO UPDATE SET data = magick_features.data || excluded.data, updated_at = excluded.updated_at`)
	default:
		query = s.db.Rebind(`
			INSERT INTO magick_features (feature_name, data, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (feature_name) DO UPDATE SET data = json_patch(magick_features.data, excluded.data), updated_at = excluded.updated_at`)
	}

	return s.withRetry("upsert", func() error {
		now := time.Now().UTC()
		_, err := s.db.ExecContext(ctx, query, name, payload, now, now)
		return adapterErr("database", "upsert", err)
	})
}

// Delete removes the flag's row.
func (s *DurableStore) Delete(ctx context.Context, name string) error {
	return s.withRetry("delete", func() error {
		query := s.db.Rebind(`DELETE FROM magick_features WHERE feature_name = ?`)
		_, err := s.db.ExecContext(ctx, query, name)
		return adapterErr("database", "delete", err)
	})
}

// Exists reports whether the flag has a row.
func (s *DurableStore) Exists(ctx context.Context, name string) (bool, error) {
	var n int
	query := s.db.Rebind(`SELECT COUNT(1) FROM magick_features WHERE feature_name = ?`)
	if err := s.db.QueryRowxContext(ctx, query, name).Scan(&n); err != nil {
		return false, adapterErr("database", "select", err)
	}
	return n > 0, nil
}

// Names lists every stored flag name.
func (s *DurableStore) Names(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names, `SELECT feature_name FROM magick_features ORDER BY feature_name`)
	if err != nil {
		return nil, adapterErr("database", "select", err)
	}
	return names, nil
}

// Clear removes every flag row. Testing hook.
func (s *DurableStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM magick_features`)
	return adapterErr("database", "delete", err)
}

// Audit records a mutation in the audit log. Best-effort: failures are
// logged and swallowed so audit never blocks a flag write.
func (s *DurableStore) Audit(ctx context.Context, name, action, changedBy string, before, after interface{}) {
	beforeJSON, _ := json.Marshal(before)
	afterJSON, _ := json.Marshal(after)

	query := s.db.Rebind(`
		INSERT INTO magick_audit_log (feature_name, action, changed_by, before_value, after_value, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, name, action, changedBy, beforeJSON, afterJSON, time.Now().UTC()); err != nil {
		s.logger.Warn("audit log write failed", zap.String("flag", name), zap.Error(err))
	}
}

// withRetry runs fn up to durableRetries times, backing off
// 10/20/30/40/50 ms between attempts when the error looks transient.
func (s *DurableStore) withRetry(op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= durableRetries; attempt++ {
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
		if attempt < durableRetries {
			s.logger.Debug("retrying durable write",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
		}
	}
	return err
}

func retryable(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") ||
		strings.Contains(msg, "locked") ||
		strings.Contains(msg, "timeout")
}
