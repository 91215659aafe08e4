// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpenInMemory verifies in-memory database creation works.
func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("key"), []byte("value"))
	}))

	err = db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("key"))
		require.NoError(t, err)
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("value"), val)
			return nil
		})
	})
	require.NoError(t, err)
	assert.True(t, db.InMemory())
}

// TestPersistentReopen verifies data survives close and reopen.
func TestPersistentReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = time.Hour

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("job"), []byte("queued"))
	}))
	require.NoError(t, db.Close())

	db, err = OpenDB(cfg)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, dir, db.Path())

	require.NoError(t, db.View(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("job"))
		return err
	}))
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(DefaultConfig())
	assert.Error(t, err)
}

// TestUpdateRetriesConflicts verifies a conflicting commit is retried.
func TestUpdateRetriesConflicts(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	calls := 0
	err = db.Update(ctx, func(txn *badger.Txn) error {
		calls++
		if _, err := txn.Get([]byte("counter")); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if calls == 1 {
			// A concurrent writer touches the key we just read.
			require.NoError(t, db.DB.Update(func(other *badger.Txn) error {
				return other.Set([]byte("counter"), []byte("1"))
			}))
		}
		return txn.Set([]byte("counter"), []byte("2"))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, db.Update(ctx, func(*badger.Txn) error { return nil }))
	assert.Error(t, db.View(ctx, func(*badger.Txn) error { return nil }))
}

func TestGCRunnerValidation(t *testing.T) {
	_, err := NewGCRunner(nil, time.Second, 0.5, nil)
	assert.Error(t, err)

	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	_, err = NewGCRunner(db.DB, 0, 0.5, nil)
	assert.Error(t, err)
	_, err = NewGCRunner(db.DB, time.Second, 1.5, nil)
	assert.Error(t, err)

	r, err := NewGCRunner(db.DB, time.Hour, 0.5, nil)
	require.NoError(t, err)
	r.Start()
	r.Stop()
}
