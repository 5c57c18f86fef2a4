// Package store provides the sqlite storage layer for sweeps and runs.
// All database operations should go through this package
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"spreadgrid/logger"
)

// ErrNotFound is returned when a sweep or run does not exist.
var ErrNotFound = errors.New("not found")

// Store unified data storage
type Store struct {
	db *sql.DB

	// Sub-stores (lazy initialization)
	sweep *SweepStore
	run   *RunStore

	mu sync.Mutex
}

// New opens (creating if needed) the sqlite database at dbPath.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	// pragmas ride on the DSN so every pooled connection gets them
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; sweep workers share this handle
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}

	logger.Debugf("✅ Database initialized at %s", dbPath)
	return s, nil
}

// initTables initializes all database tables in dependency order
func (s *Store) initTables() error {
	if err := s.Sweep().initTables(); err != nil {
		return fmt.Errorf("failed to initialize sweep tables: %w", err)
	}
	if err := s.Run().initTables(); err != nil {
		return fmt.Errorf("failed to initialize run tables: %w", err)
	}
	return nil
}

// Sweep gets sweep storage
func (s *Store) Sweep() *SweepStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sweep == nil {
		s.sweep = &SweepStore{db: s.db}
	}
	return s.sweep
}

// Run gets per-run detail storage
func (s *Store) Run() *RunStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		s.run = &RunStore{db: s.db}
	}
	return s.run
}

// Close closes database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func withTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
