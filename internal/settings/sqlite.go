package settings

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/seantiz/vesper/internal/model"

	_ "modernc.org/sqlite"
)

const createSettingsTable = `
CREATE TABLE IF NOT EXISTS settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createSettingsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create settings table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load reads every persisted setting.
func (s *SQLiteStore) Load(ctx context.Context) (model.Settings, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value, updated_at FROM settings")
	if err != nil {
		return model.Settings{}, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	kv := make(map[string]string)
	var latest time.Time
	for rows.Next() {
		var (
			key, value string
			updatedAt  time.Time
		)
		if err := rows.Scan(&key, &value, &updatedAt); err != nil {
			return model.Settings{}, fmt.Errorf("scan setting: %w", err)
		}
		kv[key] = value
		if updatedAt.After(latest) {
			latest = updatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return model.Settings{}, fmt.Errorf("iterate settings: %w", err)
	}

	settings, err := decode(kv)
	if err != nil {
		return model.Settings{}, err
	}
	settings.UpdatedAt = latest
	return settings, nil
}

// Save writes all three settings in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, settings model.Settings) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for key, value := range encode(settings) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, now,
		); err != nil {
			return fmt.Errorf("upsert %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settings: %w", err)
	}
	return nil
}
