// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the evidence engine configuration.
//
// Precedence, lowest first: the embedded default_config.yaml, a user YAML
// file, then environment overrides. The result is validated once.
package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/evidencegate/services/evidence/gate"
	"github.com/AleutianAI/evidencegate/services/evidence/retrieval"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed default_config.yaml
var defaultConfigYAML []byte

var tracer = otel.Tracer("aleutian.evidence.config")

// ErrInvalidConfig wraps every parse and validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// MaxYAMLFileSize bounds a configuration file.
const MaxYAMLFileSize = 1 << 20

// Environment variables that override file values.
const (
	EnvEmbeddingURL   = "EMBEDDING_SERVICE_URL"
	EnvEmbeddingModel = "EMBEDDING_MODEL"
	EnvWeaviateURL    = "WEAVIATE_URL"
	EnvWeaviateAPIKey = "WEAVIATE_API_KEY"
	EnvCacheDir       = "EVIDENCE_CACHE_DIR"
	EnvGateMode       = "EVIDENCE_GATE_MODE"
	EnvInfluxURL      = "INFLUXDB_URL"
	EnvInfluxToken    = "INFLUXDB_TOKEN"
)

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the full engine configuration.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Config struct {
	Snapshot  SnapshotConfig   `yaml:"snapshot"`
	Gate      gate.Config      `yaml:"gate"`
	Retrieval retrieval.Config `yaml:"retrieval"`
	Embedding EmbeddingConfig  `yaml:"embedding"`
	Weaviate  WeaviateConfig   `yaml:"weaviate"`
	Cache     CacheConfig      `yaml:"cache"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	History   HistoryConfig    `yaml:"history"`
	Server    ServerConfig     `yaml:"server"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
}

// SnapshotConfig locates the symbol snapshot.
type SnapshotConfig struct {
	// Location is a local path or gs://bucket/object.
	Location string `yaml:"location"`

	// Version pins the run. Empty uses the snapshot's own version.
	Version string `yaml:"version"`

	MaxTextBytes       int    `yaml:"max_text_bytes" validate:"gte=0"`
	GCSCredentialsFile string `yaml:"gcs_credentials_file"`
}

// EmbeddingConfig configures the embedding service used for vector search.
type EmbeddingConfig struct {
	Enabled           bool          `yaml:"enabled"`
	URL               string        `yaml:"url" validate:"omitempty,url"`
	Model             string        `yaml:"model" validate:"required_if=Enabled true"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
	Warm              WarmConfig    `yaml:"warm"`
}

// WarmConfig tunes embedding warm-up.
type WarmConfig struct {
	Concurrency  int `yaml:"concurrency" validate:"gte=0,lte=64"`
	BatchSize    int `yaml:"batch_size" validate:"gte=0,lte=1024"`
	MaxTextBytes int `yaml:"max_text_bytes" validate:"gte=0"`

	// Chunking splits symbols longer than MaxTextBytes and averages the
	// chunk embeddings instead of truncating.
	Chunking     bool `yaml:"chunking"`
	ChunkOverlap int  `yaml:"chunk_overlap" validate:"gte=0"`
	MaxChunks    int  `yaml:"max_chunks" validate:"gte=0,lte=64"`
}

// WeaviateConfig configures the remote vector backend.
type WeaviateConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"omitempty,url"`
	Class   string `yaml:"class" validate:"omitempty,alphanum"`

	// APIKey is moved into protected memory by the weaviate package and
	// should not be logged.
	APIKey string `yaml:"api_key"`
}

// CacheConfig locates the BadgerDB cache. An empty Dir disables caching.
type CacheConfig struct {
	Dir          string        `yaml:"dir"`
	EmbeddingTTL time.Duration `yaml:"embedding_ttl" validate:"gte=0"`
}

// PipelineConfig tunes the sample runner.
type PipelineConfig struct {
	// Workers bounds concurrent samples. 0 uses GOMAXPROCS.
	Workers int `yaml:"workers" validate:"gte=0,lte=1024"`
}

// HistoryConfig configures the InfluxDB run history. Each run writes one
// summary point plus one point per finding code.
type HistoryConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url" validate:"omitempty,url"`
	Org     string        `yaml:"org" validate:"required_if=Enabled true"`
	Bucket  string        `yaml:"bucket" validate:"required_if=Enabled true"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`

	// Watch reloads the engine when the local snapshot file changes.
	Watch bool `yaml:"watch"`
}

// TelemetryConfig selects exporters.
type TelemetryConfig struct {
	ServiceName     string `yaml:"service_name" validate:"required"`
	TraceExporter   string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint    string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	MetricsExporter string `yaml:"metrics_exporter" validate:"oneof=none stdout prometheus"`
}

// =============================================================================
// Loading
// =============================================================================

// configValidate is the validator instance for configuration structs.
var configValidate = validator.New()

// LookupFunc reads an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Default returns the embedded defaults with no environment applied.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultConfigYAML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded default_config.yaml is invalid: %v", err))
	}
	return &cfg
}

// Load builds a configuration from YAML bytes.
//
// Description:
//
//	Starts from the embedded defaults, overlays data (keys absent from
//	data keep their default), applies environment overrides through
//	lookup, then validates.
//
// Inputs:
//
//	ctx - Context for tracing.
//	data - User YAML. May be empty.
//	lookup - Environment lookup. Nil skips overrides.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Wraps ErrInvalidConfig, or gate.ErrInvalidMode for a bad mode.
func Load(ctx context.Context, data []byte, lookup LookupFunc) (*Config, error) {
	_, span := tracer.Start(ctx, "config.Load")
	defer span.End()

	cfg, err := load(data, lookup)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "config load failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("gate.mode", string(cfg.Gate.Mode)),
		attribute.Bool("embedding.enabled", cfg.Embedding.Enabled),
		attribute.Bool("weaviate.enabled", cfg.Weaviate.Enabled),
		attribute.Bool("call_chain.enabled", cfg.Retrieval.CallChain.Enabled),
		attribute.Int("retrieval.top_k", cfg.Retrieval.TopK),
	)
	slog.Info("evidence config loaded",
		slog.String("gate_mode", string(cfg.Gate.Mode)),
		slog.Bool("embedding", cfg.Embedding.Enabled),
		slog.Bool("weaviate", cfg.Weaviate.Enabled),
		slog.Bool("cache", cfg.Cache.Dir != ""),
	)
	return cfg, nil
}

func load(data []byte, lookup LookupFunc) (*Config, error) {
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("%w: YAML data exceeds maximum size (%d > %d)", ErrInvalidConfig, len(data), MaxYAMLFileSize)
	}

	cfg := Default()
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing YAML: %v", ErrInvalidConfig, err)
		}
	}
	if lookup != nil {
		if err := applyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads path and calls Load with the process environment. An empty
// path loads the defaults.
func LoadFile(ctx context.Context, path string) (*Config, error) {
	var data []byte
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if info.Size() > MaxYAMLFileSize {
			return nil, fmt.Errorf("%w: %s exceeds maximum size (%d > %d)", ErrInvalidConfig, path, info.Size(), MaxYAMLFileSize)
		}
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return Load(ctx, data, os.LookupEnv)
}

// applyEnv overlays the environment. Only non-empty values apply. A URL
// override also enables its feature.
func applyEnv(cfg *Config, lookup LookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvEmbeddingURL); ok {
		cfg.Embedding.URL = v
		cfg.Embedding.Enabled = true
	}
	if v, ok := get(EnvEmbeddingModel); ok {
		cfg.Embedding.Model = v
	}
	if v, ok := get(EnvWeaviateURL); ok {
		cfg.Weaviate.URL = v
		cfg.Weaviate.Enabled = true
	}
	if v, ok := get(EnvWeaviateAPIKey); ok {
		cfg.Weaviate.APIKey = v
	}
	if v, ok := get(EnvCacheDir); ok {
		cfg.Cache.Dir = v
	}
	if v, ok := get(EnvInfluxURL); ok {
		cfg.History.URL = v
		cfg.History.Enabled = true
	}
	if v, ok := get(EnvInfluxToken); ok {
		cfg.History.Token = v
	}
	if v, ok := get(EnvGateMode); ok {
		mode, err := gate.ParseMode(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvGateMode, err)
		}
		cfg.Gate.Mode = mode
	}
	return nil
}

// Validate checks the configuration.
//
// Outputs:
//
//	error - gate.ErrInvalidMode for a bad gate mode, otherwise wraps
//	ErrInvalidConfig naming the first failing field.
func (c *Config) Validate() error {
	if err := c.Gate.Validate(); err != nil {
		return err
	}
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalidConfig, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Embedding.Enabled && c.Embedding.URL == "" {
		return fmt.Errorf("%w: embedding.url is required when embedding is enabled", ErrInvalidConfig)
	}
	if c.Weaviate.Enabled && (c.Weaviate.URL == "" || c.Weaviate.Class == "") {
		return fmt.Errorf("%w: weaviate.url and weaviate.class are required when weaviate is enabled", ErrInvalidConfig)
	}
	if c.History.Enabled && c.History.URL == "" {
		return fmt.Errorf("%w: history.url is required when history is enabled", ErrInvalidConfig)
	}
	if c.Weaviate.Enabled && !c.Embedding.Enabled {
		return fmt.Errorf("%w: weaviate needs embedding enabled to embed queries", ErrInvalidConfig)
	}
	return nil
}

// LogValue hides the Weaviate API key when a Config is logged.
func (c WeaviateConfig) LogValue() slog.Value {
	key := ""
	if c.APIKey != "" {
		key = "[redacted]"
	}
	return slog.GroupValue(
		slog.Bool("enabled", c.Enabled),
		slog.String("url", c.URL),
		slog.String("class", c.Class),
		slog.String("api_key", key),
	)
}
