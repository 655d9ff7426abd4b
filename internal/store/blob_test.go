// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStoreGetBeforeSet(t *testing.T) {
	bs, err := OpenBlobStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer bs.Close()

	_, err = bs.Get()
	require.True(t, errors.Is(err, ErrNoSnapshot), "expected ErrNoSnapshot, got %v", err)
}

func TestBlobStoreOverwrite(t *testing.T) {
	bs, err := OpenBlobStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer bs.Close()

	require.NoError(t, bs.Set([]byte("first")))
	require.NoError(t, bs.Set([]byte("second")))

	got, err := bs.Get()
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)
}

func TestBlobStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")

	bs, err := OpenBlobStore(path)
	require.NoError(t, err)
	require.NoError(t, bs.Set([]byte("durable")))
	require.NoError(t, bs.Close())

	reopened, err := OpenBlobStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get()
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), got)
}
