// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/mod/semver"

	"github.com/AleutianAI/evidencegate/services/evidence/pipeline"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// ErrWatcherClosed is returned by Run after Close.
var ErrWatcherClosed = errors.New("snapshot watcher closed")

var reloadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "evidence",
	Subsystem: "server",
	Name:      "snapshot_reloads_total",
	Help:      "Snapshot reload attempts by outcome",
}, []string{"outcome"})

// EngineFactory builds a fresh engine from the snapshot on disk.
type EngineFactory func(ctx context.Context) (*pipeline.Engine, error)

// SnapshotWatcher rebuilds the engine when the snapshot file changes.
//
// Description:
//
//	The parent directory is watched, not the file, so editors and tools
//	that replace the file by rename are seen. Events for other files are
//	ignored. Bursts of events are debounced into one reload. A failed
//	reload keeps the current engine.
//
// Thread Safety: Run must be called once. Reload and Close are safe to
// call concurrently with Run.
type SnapshotWatcher struct {
	path     string
	debounce time.Duration
	factory  EngineFactory
	handlers *Handlers
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once

	// reloadMu serialises reloads so two builds never race to swap.
	reloadMu sync.Mutex
}

// NewSnapshotWatcher starts watching path's directory.
//
// Inputs:
//
//	path - The local snapshot file.
//	handlers - Receives each rebuilt engine.
//	factory - Builds an engine from path.
//	debounce - Quiet period before a reload. <= 0 uses DefaultDebounce.
//	logger - May be nil.
//
// Outputs:
//
//	*SnapshotWatcher - Call Run to process events and Close when done.
//	error - The directory could not be watched.
func NewSnapshotWatcher(path string, handlers *Handlers, factory EngineFactory, debounce time.Duration, logger *slog.Logger) (*SnapshotWatcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving snapshot path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	return &SnapshotWatcher{
		path:     abs,
		debounce: debounce,
		factory:  factory,
		handlers: handlers,
		logger:   logger.With(slog.String("component", "snapshot_watcher"), slog.String("path", abs)),
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Run processes file events until ctx is cancelled or Close is called.
func (w *SnapshotWatcher) Run(ctx context.Context) error {
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return ErrWatcherClosed

		case event, ok := <-w.watcher.Events:
			if !ok {
				return ErrWatcherClosed
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer, timerC = nil, nil
			_ = w.Reload(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return ErrWatcherClosed
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// relevant reports whether event may have changed the snapshot contents.
func (w *SnapshotWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

// Reload builds a new engine and swaps it in.
//
// Outputs:
//
//	error - The factory failure. The current engine is kept.
func (w *SnapshotWatcher) Reload(ctx context.Context) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	ctx, span := tracer.Start(ctx, "SnapshotWatcher.Reload")
	defer span.End()

	start := time.Now()
	engine, err := w.factory(ctx)
	if err != nil {
		reloadTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "reload failed")
		w.logger.Error("snapshot reload failed, keeping current engine",
			slog.String("error", err.Error()))
		return err
	}

	prev := w.handlers.SetEngine(engine)
	reloadTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.String("snapshot.version", engine.SnapshotVersion()))

	attrs := []any{
		slog.String("version", engine.SnapshotVersion()),
		slog.Int("symbols", engine.Index().Len()),
		slog.Duration("duration", time.Since(start)),
	}
	if prev != nil {
		attrs = append(attrs, slog.String("previous_version", prev.SnapshotVersion()))
		if isDowngrade(prev.SnapshotVersion(), engine.SnapshotVersion()) {
			w.logger.Warn("snapshot version went backwards",
				slog.String("previous_version", prev.SnapshotVersion()),
				slog.String("version", engine.SnapshotVersion()))
		}
	}
	w.logger.Info("snapshot reloaded", attrs...)
	return nil
}

// isDowngrade reports whether next is an older semantic version than prev.
// Versions that are not semver, with or without a leading "v", never
// compare as a downgrade.
func isDowngrade(prev, next string) bool {
	p, n := canonicalVersion(prev), canonicalVersion(next)
	if p == "" || n == "" {
		return false
	}
	return semver.Compare(n, p) < 0
}

func canonicalVersion(v string) string {
	if v == "" {
		return ""
	}
	if v[0] != 'v' {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

// Close stops the watcher. Run returns ErrWatcherClosed.
func (w *SnapshotWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
