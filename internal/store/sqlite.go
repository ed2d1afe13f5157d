package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/cboydstun/bounce-v3-sub002/internal/logger"
	"github.com/cboydstun/bounce-v3-sub002/internal/queue"
)

// queueKey is the well-known key the full action list is persisted under.
const queueKey = "action_queue"

// SQLiteStore persists the action queue in an embedded SQLite database on the
// device. The entire list is written as one JSON array in a single
// transaction so a crash can never leave an interleaved, partially written
// queue behind.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(filePath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue db: %w", err)
	}

	// A single connection avoids SQLITE_BUSY between the save transactions.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping queue db: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS kv_store (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init queue schema: %w", err)
	}

	logger.Log.Info("Opened durable queue store", zap.String("path", filePath))

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load restores the persisted action list. Missing or corrupt data yields an
// empty list, never an error that would block startup.
func (s *SQLiteStore) Load() ([]queue.QueuedAction, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT value FROM kv_store WHERE key = ?`, queueKey).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		logger.Log.Warn("Failed to read persisted queue", zap.Error(err))
		return nil, nil
	}

	actions, err := queue.UnmarshalActions(data)
	if err != nil {
		logger.Log.Warn("Persisted queue is corrupt, discarding", zap.Error(err))
		return nil, nil
	}
	return actions, nil
}

// Save replaces the persisted list with the given snapshot.
func (s *SQLiteStore) Save(actions []queue.QueuedAction) error {
	data, err := queue.MarshalActions(actions)
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin save: %w", err)
	}

	query := `INSERT INTO kv_store (key, value) VALUES (?, ?)
			  ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := tx.Exec(query, queueKey, data); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to write queue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue write: %w", err)
	}
	return nil
}
