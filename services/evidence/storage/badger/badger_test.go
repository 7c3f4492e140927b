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

func TestOpenDB_InMemory(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	assert.True(t, db.InMemory())
	assert.False(t, db.ReadOnly())
	assert.Equal(t, "", db.Path())
}

func TestOpenDB_RequiresPath(t *testing.T) {
	_, err := OpenDB(DefaultConfig())
	assert.ErrorIs(t, err, ErrPathRequired)
}

func TestOpenDB_BadGCRatio(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCDiscardRatio = 2
	_, err := OpenDB(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discard ratio")
}

func TestOpenDB_PersistentAndReadOnly(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = time.Hour
	db, err := OpenDB(cfg)
	require.NoError(t, err)

	err = db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "second close is a no-op")

	ro := DefaultConfig()
	ro.Path = dir
	ro.ReadOnly = true
	rdb, err := OpenDB(ro)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	assert.True(t, rdb.ReadOnly())

	var got []byte
	err = rdb.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		got, err = item.ValueCopy(nil)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestWithTxn_RollsBackOnError(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	boom := errors.New("boom")
	err = db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		if err := txn.Set([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("k"))
		return err
	})
	assert.ErrorIs(t, err, badger.ErrKeyNotFound)
}

func TestWithTxn_CancelledContext(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)

	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanPrefix(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	err = db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		for _, k := range []string{"emb/b", "emb/a", "other/x"} {
			if err := txn.Set([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var keys []string
	err = db.ScanPrefix(context.Background(), []byte("emb/"), func(item *badger.Item) error {
		keys = append(keys, string(item.KeyCopy(nil)))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"emb/a", "emb/b"}, keys)

	stop := errors.New("stop")
	count := 0
	err = db.ScanPrefix(context.Background(), []byte("emb/"), func(item *badger.Item) error {
		count++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, count)
}
