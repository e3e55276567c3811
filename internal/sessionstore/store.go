// Package sessionstore persists the last ProgressSnapshot per role
// (sender/receiver) for UI resume, backed by SQLite.
package sessionstore

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by GetLast when no snapshot has been saved for a role.
type ErrNotFound struct {
	Role string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("no progress snapshot stored for role %q", e.Role)
}

// Role identifies which engine a ProgressSnapshot belongs to.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// ProgressSnapshot is the progress report an engine emits to its observer
// (and saves here) on every chunk transfer; it never travels on the wire.
type ProgressSnapshot struct {
	SessionID            string
	FileName             string
	FileSize             uint64
	CurrentChunk         uint32
	TotalChunks          uint32
	PercentComplete      float64
	TransferSpeed        float64 // bytes/sec
	EstimatedTimeRemaining int64 // ms
	UpdatedTime          time.Time
	StartedTime           time.Time
	BytesTransferred      uint64
}

// Store is a SQLite-backed SessionStore.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (creating if necessary) a SQLite database at path and ensures
// the progress_snapshots schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS progress_snapshots (
			role TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			file_name TEXT NOT NULL,
			file_size INTEGER NOT NULL,
			current_chunk INTEGER NOT NULL,
			total_chunks INTEGER NOT NULL,
			percent_complete REAL NOT NULL,
			transfer_speed REAL NOT NULL,
			estimated_time_remaining INTEGER NOT NULL,
			updated_time TIMESTAMP NOT NULL,
			started_time TIMESTAMP NOT NULL,
			bytes_transferred INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save persists snapshot for role, replacing whatever was saved before
// (last-write-wins).
func (s *Store) Save(role Role, snap ProgressSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT OR REPLACE INTO progress_snapshots
		(role, session_id, file_name, file_size, current_chunk, total_chunks,
		 percent_complete, transfer_speed, estimated_time_remaining,
		 updated_time, started_time, bytes_transferred)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		string(role), snap.SessionID, snap.FileName, snap.FileSize,
		snap.CurrentChunk, snap.TotalChunks, snap.PercentComplete,
		snap.TransferSpeed, snap.EstimatedTimeRemaining,
		snap.UpdatedTime, snap.StartedTime, snap.BytesTransferred,
	)
	if err != nil {
		return fmt.Errorf("failed to save progress snapshot: %w", err)
	}
	return nil
}

// GetLast returns the most recently saved snapshot for role.
func (s *Store) GetLast(role Role) (ProgressSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap ProgressSnapshot
	query := `
		SELECT session_id, file_name, file_size, current_chunk, total_chunks,
		       percent_complete, transfer_speed, estimated_time_remaining,
		       updated_time, started_time, bytes_transferred
		FROM progress_snapshots WHERE role = ?
	`
	err := s.db.QueryRow(query, string(role)).Scan(
		&snap.SessionID, &snap.FileName, &snap.FileSize, &snap.CurrentChunk,
		&snap.TotalChunks, &snap.PercentComplete, &snap.TransferSpeed,
		&snap.EstimatedTimeRemaining, &snap.UpdatedTime, &snap.StartedTime,
		&snap.BytesTransferred,
	)
	if err == sql.ErrNoRows {
		return ProgressSnapshot{}, &ErrNotFound{Role: string(role)}
	}
	if err != nil {
		return ProgressSnapshot{}, fmt.Errorf("failed to load progress snapshot: %w", err)
	}
	return snap, nil
}

// Clear removes the snapshot for role, or every snapshot when role is "".
func (s *Store) Clear(role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if role == "" {
		_, err := s.db.Exec("DELETE FROM progress_snapshots")
		return err
	}
	_, err := s.db.Exec("DELETE FROM progress_snapshots WHERE role = ?", string(role))
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
