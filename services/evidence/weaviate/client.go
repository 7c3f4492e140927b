// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weaviate provides a circuit-breaking Weaviate client for the
// remote vector backend.
//
// Vector search is an enrichment, never a requirement: every failure mode
// here ends in "unavailable", and callers fall back to lexical search.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.evidence.weaviate")

var (
	// ErrUnavailable is returned when Weaviate is not reachable or not ready.
	ErrUnavailable = errors.New("weaviate unavailable")

	// ErrCircuitOpen is returned when the breaker rejects a request.
	ErrCircuitOpen = errors.New("weaviate circuit breaker open")

	// ErrTimeout wraps deadline and network timeout failures.
	ErrTimeout = errors.New("weaviate request timed out")

	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("weaviate client closed")
)

// State is the connection state of a Client.
type State int32

const (
	StateConnected State = iota
	StateDegraded
	StateCircuitOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures a Client.
type Config struct {
	// URL of the Weaviate server, e.g. "http://localhost:8080". Required.
	URL string

	// APIKey, when non-nil, is sent as a bearer key. See NewAPIKey.
	APIKey *APIKey

	RetryAttempts   int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	RetryJitter     float64

	// CircuitThreshold failures within CircuitWindow open the breaker for
	// CircuitCooldown.
	CircuitThreshold int
	CircuitWindow    time.Duration
	CircuitCooldown  time.Duration

	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration

	// AllowStartDegraded returns a degraded client instead of an error
	// when the first readiness check fails.
	AllowStartDegraded bool

	Logger *slog.Logger
}

// DefaultConfig returns the default resilience settings. URL is empty.
func DefaultConfig() Config {
	return Config{
		RetryAttempts:       2,
		RetryBackoff:        100 * time.Millisecond,
		MaxRetryBackoff:     2 * time.Second,
		RetryJitter:         0.25,
		CircuitThreshold:    5,
		CircuitWindow:       30 * time.Second,
		CircuitCooldown:     30 * time.Second,
		HealthCheckInterval: 10 * time.Second,
		HealthCheckTimeout:  3 * time.Second,
		AllowStartDegraded:  true,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	if _, _, err := splitURL(c.URL); err != nil {
		return err
	}
	if c.RetryAttempts < 0 {
		return errors.New("retry_attempts must be non-negative")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return errors.New("retry_jitter must be in [0, 1]")
	}
	if c.CircuitThreshold < 1 {
		return errors.New("circuit_threshold must be at least 1")
	}
	return nil
}

// fillDefaults replaces zero durations with DefaultConfig values.
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.RetryBackoff == 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = d.MaxRetryBackoff
	}
	if c.CircuitWindow == 0 {
		c.CircuitWindow = d.CircuitWindow
	}
	if c.CircuitCooldown == 0 {
		c.CircuitCooldown = d.CircuitCooldown
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = d.HealthCheckTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// splitURL returns the scheme and host for weaviate.Config.
func splitURL(raw string) (scheme, host string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("invalid url %q: missing host", raw)
	}
	return u.Scheme, u.Host, nil
}

// =============================================================================
// Client
// =============================================================================

// Client wraps the Weaviate client with retries, a sliding-window circuit
// breaker and a background readiness probe.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	client *weaviate.Client
	config Config
	logger *slog.Logger

	state       atomic.Int32
	openedAt    atomic.Int64
	closed      atomic.Bool
	halfOpenRun atomic.Bool

	failureMu  sync.Mutex
	failures   []time.Time
	failureIdx int

	handlersMu sync.RWMutex
	handlers   []DegradationHandler

	stop     context.CancelFunc
	probeCtx context.Context
	probeWg  sync.WaitGroup
}

// NewClient connects to Weaviate and starts the readiness probe.
//
// Inputs:
//   - cfg: Client configuration. URL is required.
//
// Outputs:
//   - *Client: Connected, or degraded when AllowStartDegraded is set and
//     the server is not ready.
//   - error: Non-nil for invalid configuration, or when the server is not
//     ready and AllowStartDegraded is false.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid weaviate config: %w", err)
	}

	scheme, host, _ := splitURL(cfg.URL)
	wcfg := weaviate.Config{Host: host, Scheme: scheme}
	if cfg.APIKey != nil {
		key, err := cfg.APIKey.reveal()
		if err != nil {
			return nil, fmt.Errorf("open weaviate api key: %w", err)
		}
		wcfg.AuthConfig = auth.ApiKey{Value: key}
	}

	wc, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	c := newClient(wc, cfg)
	if err := c.checkReady(ctx); err != nil {
		if !cfg.AllowStartDegraded {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		c.logger.Warn("weaviate not ready at startup, starting degraded",
			slog.String("url", cfg.URL),
			slog.String("error", err.Error()))
	} else {
		c.setState(StateConnected, "")
	}

	c.probeWg.Add(1)
	go c.probe()

	c.logger.Info("weaviate client initialized",
		slog.String("url", cfg.URL),
		slog.String("state", c.State().String()))
	return c, nil
}

// newClient builds a Client around wc without network activity.
func newClient(wc *weaviate.Client, cfg Config) *Client {
	probeCtx, stop := context.WithCancel(context.Background())
	c := &Client{
		client:   wc,
		config:   cfg,
		logger:   cfg.Logger.With(slog.String("component", "weaviate_client")),
		failures: make([]time.Time, cfg.CircuitThreshold),
		probeCtx: probeCtx,
		stop:     stop,
	}
	c.state.Store(int32(StateDegraded))
	return c
}

// Weaviate returns the underlying client. Wrap calls in Execute.
func (c *Client) Weaviate() *weaviate.Client {
	return c.client
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Available reports whether requests are currently expected to succeed.
func (c *Client) Available() bool {
	return !c.closed.Load() && c.State() == StateConnected
}

// RegisterHandler adds a handler notified on availability changes. The
// handler is told the current state immediately.
func (c *Client) RegisterHandler(h DegradationHandler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()

	if c.Available() {
		h.OnRecovered()
	} else {
		h.OnDegraded(c.State().String())
	}
}

// Execute runs fn with retries under the circuit breaker.
//
// Description:
//
//	An open circuit rejects immediately with ErrCircuitOpen until the
//	cooldown expires; after that one trial request is let through
//	(half-open). Only network and timeout errors are retried.
//
// Outputs:
//   - error: nil on success, ErrCircuitOpen, ErrClientClosed, ctx.Err(),
//     or the last error wrapped by WrapError.
func (c *Client) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	ctx, span := tracer.Start(ctx, "weaviate.Execute",
		trace.WithAttributes(attribute.String("weaviate.state", c.State().String())),
	)
	defer span.End()

	switch c.State() {
	case StateCircuitOpen:
		if !c.cooldownExpired() {
			span.SetStatus(codes.Error, "circuit open")
			return ErrCircuitOpen
		}
		c.setState(StateHalfOpen, "")
		fallthrough
	case StateHalfOpen:
		if !c.halfOpenRun.CompareAndSwap(false, true) {
			span.SetStatus(codes.Error, "half-open trial in flight")
			return ErrCircuitOpen
		}
		defer c.halfOpenRun.Store(false)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt)
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.Int64("backoff_ms", wait.Milliseconds()),
			))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			c.recordSuccess()
			span.SetStatus(codes.Ok, "")
			return nil
		}
		if !retryable(lastErr) {
			break
		}
	}

	c.recordFailure()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "weaviate request failed")
	return WrapError(lastErr)
}

// Close stops the readiness probe. Safe to call multiple times.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.stop()
	c.probeWg.Wait()
	return nil
}

// =============================================================================
// Internals
// =============================================================================

func (c *Client) setState(next State, reason string) {
	prev := State(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	c.logger.Info("weaviate state change",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))

	wasUp := prev == StateConnected
	isUp := next == StateConnected
	if wasUp == isUp {
		return
	}
	if reason == "" {
		reason = next.String()
	}

	c.handlersMu.RLock()
	handlers := append([]DegradationHandler(nil), c.handlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		if isUp {
			h.OnRecovered()
		} else {
			h.OnDegraded(reason)
		}
	}
}

func (c *Client) checkReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.HealthCheckTimeout)
	defer cancel()

	ready, err := c.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return ErrUnavailable
	}
	return nil
}

// probe polls readiness until Close.
func (c *Client) probe() {
	defer c.probeWg.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.probeCtx.Done():
			return
		case <-ticker.C:
		}

		err := c.checkReady(c.probeCtx)
		switch state := c.State(); {
		case err == nil && (state == StateDegraded || state == StateHalfOpen):
			c.resetFailures()
			c.setState(StateConnected, "")
		case err == nil && state == StateCircuitOpen && c.cooldownExpired():
			c.setState(StateHalfOpen, "")
		case err != nil && state == StateConnected:
			c.setState(StateDegraded, err.Error())
		}
	}
}

func (c *Client) recordSuccess() {
	if s := c.State(); s == StateHalfOpen || s == StateDegraded {
		c.resetFailures()
		c.setState(StateConnected, "")
	}
}

// recordFailure stores a failure in the ring and opens the circuit when
// CircuitThreshold failures fall inside CircuitWindow.
func (c *Client) recordFailure() {
	c.failureMu.Lock()
	now := time.Now()
	c.failures[c.failureIdx] = now
	c.failureIdx = (c.failureIdx + 1) % len(c.failures)

	windowStart := now.Add(-c.config.CircuitWindow)
	recent := 0
	for _, t := range c.failures {
		if !t.IsZero() && t.After(windowStart) {
			recent++
		}
	}
	c.failureMu.Unlock()

	if recent >= c.config.CircuitThreshold {
		if c.State() != StateCircuitOpen {
			c.openedAt.Store(now.UnixNano())
			c.logger.Warn("weaviate circuit opened",
				slog.Int("failures", recent),
				slog.Duration("window", c.config.CircuitWindow))
			c.setState(StateCircuitOpen, "circuit open")
		}
		return
	}
	if c.State() == StateConnected {
		c.setState(StateDegraded, "request failed")
	}
}

func (c *Client) resetFailures() {
	c.failureMu.Lock()
	defer c.failureMu.Unlock()
	clear(c.failures)
	c.failureIdx = 0
}

func (c *Client) cooldownExpired() bool {
	return time.Since(time.Unix(0, c.openedAt.Load())) >= c.config.CircuitCooldown
}

// backoff returns RetryBackoff * 2^attempt, capped, with +/- RetryJitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.config.RetryBackoff << attempt
	if d <= 0 || d > c.config.MaxRetryBackoff {
		d = c.config.MaxRetryBackoff
	}
	spread := float64(d) * c.config.RetryJitter
	d = time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	if d < 0 {
		return c.config.RetryBackoff
	}
	return d
}

func retryable(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// WrapError classifies err, mapping timeouts to ErrTimeout.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("weaviate: %w", err)
}
