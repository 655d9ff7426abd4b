// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists chat sessions: a SQLite-backed blob store holding
// one serialized snapshot, sanitization before writes, and a debounced
// saver coalescing bursts of mutations into single writes.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// snapshotKey is the single row the snapshot blob lives under.
const snapshotKey = "snapshot"

// ErrNoSnapshot indicates no snapshot has ever been saved.
var ErrNoSnapshot = errors.New("no snapshot stored")

// schema is the blob store layout: one key, one value.
const schema = `
CREATE TABLE IF NOT EXISTS blobs (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at INTEGER NOT NULL
) WITHOUT ROWID;
`

// BlobStore is a single-blob key-value store on SQLite.
type BlobStore struct {
	db *sql.DB
}

// OpenBlobStore opens (and if needed creates) the store at path.
func OpenBlobStore(path string) (*BlobStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &BlobStore{db: db}, nil
}

// Set writes the snapshot blob, replacing any previous one.
func (s *BlobStore) Set(value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO blobs (key, value, updated_at) VALUES (?, ?, unixepoch())
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		snapshotKey, value,
	)
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Get reads the snapshot blob. Returns ErrNoSnapshot when nothing was ever
// saved.
func (s *BlobStore) Get() ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM blobs WHERE key = ?`, snapshotKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return value, nil
}

// Close releases the database handle.
func (s *BlobStore) Close() error {
	return s.db.Close()
}
