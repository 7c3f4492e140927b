// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the embedded BadgerDB used by the
// evidence engine for its embedding cache.
//
// The cache is service infrastructure, not evidence: losing it only costs a
// re-embedding pass. The symbol snapshot files stay authoritative.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrPathRequired is returned when a persistent database has no path.
var ErrPathRequired = errors.New("path is required for persistent database")

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode. Used by tests.
	InMemory bool

	// ReadOnly opens an existing database without write access.
	// Used by inspection commands. Ignored when InMemory is true.
	ReadOnly bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil silences them.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: synced writes, GC every
// 5 minutes at a 0.5 discard ratio.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: in-memory, unsynced,
// no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory: true,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// options translates Config into badger.Options, creating the directory
// for writable persistent databases.
func options(cfg Config) (badger.Options, error) {
	if cfg.InMemory {
		return badger.DefaultOptions("").WithInMemory(true).WithLogger(nil), nil
	}
	if cfg.Path == "" {
		return badger.Options{}, ErrPathRequired
	}
	if !cfg.ReadOnly {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return badger.Options{}, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithReadOnly(cfg.ReadOnly)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	return opts, nil
}

// DB wraps a BadgerDB instance with lifecycle management.
//
// Thread Safety: Safe for concurrent use.
type DB struct {
	*badger.DB

	path     string
	inMemory bool
	readOnly bool

	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
	closeErr  error
	logger    *slog.Logger
}

// OpenDB opens a BadgerDB and starts value log GC when configured.
//
// Inputs:
//   - cfg: Database configuration. Path is required unless InMemory is true.
//
// Outputs:
//   - *DB: The managed database. Call Close() when done.
//   - error: Non-nil if the path is missing or the database cannot be opened.
func OpenDB(cfg Config) (*DB, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}

	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db := &DB{
		DB:       raw,
		path:     cfg.Path,
		inMemory: cfg.InMemory,
		readOnly: cfg.ReadOnly && !cfg.InMemory,
		logger:   logger.With(slog.String("component", "badger")),
	}

	if cfg.GCInterval > 0 && !db.inMemory && !db.readOnly {
		if cfg.GCDiscardRatio <= 0 || cfg.GCDiscardRatio > 1 {
			_ = raw.Close()
			return nil, fmt.Errorf("gc discard ratio must be in (0, 1], got %v", cfg.GCDiscardRatio)
		}
		db.stopGC = make(chan struct{})
		db.gcDone = make(chan struct{})
		go db.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}

	return db, nil
}

// runGC triggers value log GC on every tick until Close.
func (d *DB) runGC(interval time.Duration, ratio float64) {
	defer close(d.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			err := d.DB.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				d.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database. Safe to call multiple times.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.stopGC != nil {
			close(d.stopGC)
			<-d.gcDone
		}
		d.closeErr = d.DB.Close()
	})
	return d.closeErr
}

// Path returns the database path, or "" for in-memory databases.
func (d *DB) Path() string {
	return d.path
}

// InMemory reports whether this is an in-memory database.
func (d *DB) InMemory() bool {
	return d.inMemory
}

// ReadOnly reports whether the database was opened read-only.
func (d *DB) ReadOnly() bool {
	return d.readOnly
}

// WithTxn executes fn within a read-write transaction and commits when fn
// returns nil.
//
// Inputs:
//   - ctx: Checked before the transaction starts.
//   - fn: Function to execute within the transaction.
//
// Outputs:
//   - error: Non-nil if ctx is done, fn fails or the commit fails.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn executes fn within a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

// ScanPrefix calls fn for every live key under prefix, in key order.
//
// Description:
//
//	The item passed to fn is only valid for the duration of the call; use
//	item.ValueCopy to keep the value. The context is checked between keys.
//
// Outputs:
//   - error: The first error returned by fn, or ctx.Err().
func (d *DB) ScanPrefix(ctx context.Context, prefix []byte, fn func(item *badger.Item) error) error {
	return d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(it.Item()); err != nil {
				return err
			}
		}
		return nil
	})
}
