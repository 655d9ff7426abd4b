// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jeranaias/relay-tui/internal/model"
)

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is the persisted shape of the whole chat state.
type Snapshot struct {
	Sessions        []*model.ChatSession `json:"sessions"`
	ActiveSessionID string               `json:"active_session_id,omitempty"`
}

// Sanitize prepares a snapshot for writing: transient inline attachment
// data is stripped so only lightweight references reach disk, and any
// message still mid-stream is closed out (a process restart cannot resume
// it).
func (s *Snapshot) Sanitize() {
	for _, session := range s.Sessions {
		for _, msg := range session.Messages {
			for i := range msg.Attachments {
				msg.Attachments[i].Data = ""
			}
			if !msg.Status.Terminal() {
				msg.Finish(model.StatusComplete)
			}
		}
	}
}

// Normalize repairs a freshly loaded snapshot: provider tags from older or
// foreign builds collapse onto the known values, and the active session id
// is cleared if it no longer resolves.
func (s *Snapshot) Normalize() {
	for _, session := range s.Sessions {
		session.Provider = model.NormalizeProvider(string(session.Provider))
	}
	if s.ActiveSessionID != "" && s.Session(s.ActiveSessionID) == nil {
		s.ActiveSessionID = ""
	}
}

// Session finds a session by id, or returns nil.
func (s *Snapshot) Session(id string) *model.ChatSession {
	for _, session := range s.Sessions {
		if session.ID == id {
			return session
		}
	}
	return nil
}

// =============================================================================
// CODEC
// =============================================================================

// Encode sanitizes and serializes the snapshot.
func (s *Snapshot) Encode() ([]byte, error) {
	s.Sanitize()
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot deserializes and normalizes a stored snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	s.Normalize()
	return &s, nil
}

// =============================================================================
// STORE FACADE
// =============================================================================

// Store couples the blob medium with the snapshot codec.
type Store struct {
	blobs *BlobStore
}

// Open opens the session store at path.
func Open(path string) (*Store, error) {
	blobs, err := OpenBlobStore(path)
	if err != nil {
		return nil, err
	}
	return &Store{blobs: blobs}, nil
}

// Save writes the snapshot.
func (s *Store) Save(snap *Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return err
	}
	return s.blobs.Set(data)
}

// Load reads the stored snapshot, or returns nil when none exists yet.
func (s *Store) Load() (*Snapshot, error) {
	data, err := s.blobs.Get()
	if errors.Is(err, ErrNoSnapshot) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(data)
}

// Close releases the underlying store.
func (s *Store) Close() error {
	return s.blobs.Close()
}
