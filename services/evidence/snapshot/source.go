// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
)

var tracer = otel.Tracer("aleutian.evidence.snapshot")

// ErrBadLocation is returned for a location that is neither a local path
// nor a well-formed gs:// URL.
var ErrBadLocation = errors.New("bad snapshot location")

const gcsScheme = "gs://"

// ObjectSource reads objects from a bucket store.
type ObjectSource interface {
	// Generation returns the current generation of the object. It changes
	// whenever the object is rewritten.
	Generation(ctx context.Context, bucket, object string) (int64, error)

	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

// GCSSource is an ObjectSource backed by Google Cloud Storage.
type GCSSource struct {
	client *storage.Client
}

// NewGCSSource creates a GCS client. An empty credentialsFile uses
// application default credentials.
func NewGCSSource(ctx context.Context, credentialsFile string) (*GCSSource, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSSource{client: client}, nil
}

// Generation implements ObjectSource.
func (s *GCSSource) Generation(ctx context.Context, bucket, object string) (int64, error) {
	attrs, err := s.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return 0, err
	}
	return attrs.Generation, nil
}

// NewReader implements ObjectSource.
func (s *GCSSource) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return s.client.Bucket(bucket).Object(object).NewReader(ctx)
}

// Close releases the client.
func (s *GCSSource) Close() error {
	return s.client.Close()
}

// ParseGCS splits gs://bucket/object. ok is false for non-GCS locations.
func ParseGCS(location string) (bucket, object string, ok bool, err error) {
	if !strings.HasPrefix(location, gcsScheme) {
		return "", "", false, nil
	}
	rest := strings.TrimPrefix(location, gcsScheme)
	bucket, object, found := strings.Cut(rest, "/")
	if !found || bucket == "" || object == "" {
		return "", "", true, fmt.Errorf("%w: %q (want gs://bucket/object)", ErrBadLocation, location)
	}
	return bucket, object, true, nil
}

// Loader loads snapshots from local files or an object store, caching
// remote snapshots when a Store is configured.
//
// Thread Safety: Safe for concurrent use if the ObjectSource is.
type Loader struct {
	objects ObjectSource
	cache   *Store
	logger  *slog.Logger
}

// NewLoader creates a loader. objects may be nil when only local paths are
// used; cache may be nil to disable caching.
func NewLoader(objects ObjectSource, cache *Store, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		objects: objects,
		cache:   cache,
		logger:  logger.With(slog.String("component", "snapshot_loader")),
	}
}

// Load reads the snapshot at location.
//
// Description:
//
//	Local paths are read directly. For gs:// locations the object
//	generation is looked up first; a cached snapshot of that generation
//	is served from the Store, otherwise the object is downloaded, parsed
//	and cached. A failing cache never fails the load.
//
// Inputs:
//   - ctx: Governs remote I/O.
//   - location: A file path or gs://bucket/object.
//   - opts: Record conversion options.
//
// Outputs:
//   - *Snapshot: The parsed snapshot.
//   - error: ErrBadLocation, an I/O error or a Read error.
func (l *Loader) Load(ctx context.Context, location string, opts ReadOptions) (*Snapshot, error) {
	ctx, span := tracer.Start(ctx, "SnapshotLoader.Load",
		trace.WithAttributes(attribute.String("snapshot.location", location)),
	)
	defer span.End()

	start := time.Now()
	snap, cached, err := l.load(ctx, location, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot load failed")
		return nil, err
	}
	snap.Location = location

	span.SetAttributes(
		attribute.Int("snapshot.symbols", len(snap.Symbols)),
		attribute.String("snapshot.version", snap.Version),
		attribute.Bool("snapshot.cached", cached),
	)
	l.logger.Info("snapshot loaded",
		slog.String("location", location),
		slog.String("version", snap.Version),
		slog.Int("symbols", len(snap.Symbols)),
		slog.Bool("cached", cached),
		slog.Duration("duration", time.Since(start)))
	return snap, nil
}

func (l *Loader) load(ctx context.Context, location string, opts ReadOptions) (*Snapshot, bool, error) {
	if location == "" {
		return nil, false, fmt.Errorf("%w: empty", ErrBadLocation)
	}

	bucket, object, remote, err := ParseGCS(location)
	if err != nil {
		return nil, false, err
	}
	if !remote {
		f, err := os.Open(location)
		if err != nil {
			return nil, false, fmt.Errorf("opening snapshot: %w", err)
		}
		defer f.Close()
		snap, err := Read(ctx, f, opts)
		return snap, false, err
	}

	if l.objects == nil {
		return nil, false, fmt.Errorf("%w: %s needs an object store client", ErrBadLocation, location)
	}
	generation, err := l.objects.Generation(ctx, bucket, object)
	if err != nil {
		return nil, false, fmt.Errorf("reading attributes of %s: %w", location, err)
	}
	key := CacheKey(location, generation, opts)

	if l.cache != nil {
		snap, err := l.cache.Load(ctx, key)
		if err == nil {
			return snap, true, nil
		}
		if !errors.Is(err, ErrNotCached) {
			l.logger.Warn("snapshot cache read failed",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
	}

	rc, err := l.objects.NewReader(ctx, bucket, object)
	if err != nil {
		return nil, false, fmt.Errorf("opening %s: %w", location, err)
	}
	defer rc.Close()
	snap, err := Read(ctx, rc, opts)
	if err != nil {
		return nil, false, err
	}

	if l.cache != nil {
		if _, err := l.cache.Save(ctx, key, location, generation, snap); err != nil {
			l.logger.Warn("snapshot cache write failed",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
	}
	return snap, false, nil
}
