// Package klinevault retrieves historical candlestick data through a
// three-stage failover pipeline: a local Arrow day-file cache, the
// provider's bulk archive, and its live REST API, in that order. Each
// stage fills only what the previous ones could not, so repeated
// requests converge on pure cache hits and the live API is touched
// last and least.
package klinevault

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/candlekeep/klinevault/internal/config"
	"github.com/candlekeep/klinevault/internal/fcp"
	"github.com/candlekeep/klinevault/internal/fcperr"
	"github.com/candlekeep/klinevault/internal/guards"
	"github.com/candlekeep/klinevault/internal/net/budget"
	"github.com/candlekeep/klinevault/internal/net/ratelimit"
	"github.com/candlekeep/klinevault/internal/source"
	"github.com/candlekeep/klinevault/internal/source/rest"
	"github.com/candlekeep/klinevault/internal/source/vision"
	"github.com/candlekeep/klinevault/internal/telemetry"
	"github.com/candlekeep/klinevault/internal/vault"
)

// Archive transfer policy. The archive is static content on a CDN, so
// retries are safe and pacing can be generous; the real bound is the
// configured download concurrency.
const (
	archivePaceRPS    = 64
	archivePaceBurst  = 64
	archiveRetries    = 3
	archiveBackoff    = 500 * time.Millisecond
	archiveBackoffMax = 5 * time.Second
)

// Options configures a Manager.
type Options struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics // nil disables metrics collection
}

// Manager is the public entrypoint. It owns the cache store, the
// stage clients and their connection pools, and is safe for
// concurrent use.
type Manager struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *telemetry.Metrics
	store   *vault.Store
	rest    *rest.Client
	pipe    *fcp.Pipeline

	visionHTTP *http.Client
	restHTTP   *http.Client

	now       func() time.Time
	closeOnce sync.Once
}

// New validates the configuration and builds the full stack. A nil
// Config runs on defaults.
func New(opts Options) (*Manager, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fcperr.Wrap(fcperr.KindUserInput, "manager.new", err)
	}
	log := opts.Logger.With().Str("component", "manager").Logger()

	var store *vault.Store
	if cfg.Cache.Enabled {
		s, err := vault.Open(cfg.Cache, opts.Logger, opts.Metrics)
		if err != nil {
			return nil, err
		}
		store = s
	}

	visionHTTP := &http.Client{Timeout: cfg.Vision.GetRequestTimeout()}
	archive := vision.New(cfg.Vision, guards.New(guards.Options{
		Name:        "vision",
		Client:      visionHTTP,
		Limiter:     ratelimit.New(archivePaceRPS, archivePaceBurst),
		MaxRetries:  archiveRetries,
		BackoffBase: archiveBackoff,
		BackoffMax:  archiveBackoffMax,
		Jitter:      true,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	}), opts.Logger)

	restHTTP := &http.Client{Timeout: cfg.REST.GetRequestTimeout()}
	live := rest.New(rest.Options{
		Config:  cfg.REST,
		Budget:  cfg.Budget,
		Client:  restHTTP,
		Metrics: opts.Metrics,
		Logger:  opts.Logger,
		Persist: cfg.Cache.Enabled && cfg.Cache.WriteAfterREST,
	})

	return &Manager{
		cfg:     cfg,
		log:     log,
		metrics: opts.Metrics,
		store:   store,
		rest:    live,
		pipe: fcp.New(fcp.Options{
			Store:   store,
			Sources: []source.Source{archive, live},
			Logger:  opts.Logger,
			Metrics: opts.Metrics,
		}),
		visionHTTP: visionHTTP,
		restHTTP:   restHTTP,
		now:        time.Now,
	}, nil
}

// Close releases the connection pools. In-flight requests finish on
// their own contexts; the cache store holds no background state.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.visionHTTP.CloseIdleConnections()
		m.restHTTP.CloseIdleConnections()
	})
	return nil
}

// Store exposes the cache store for maintenance commands. Nil when the
// cache is disabled.
func (m *Manager) Store() *vault.Store { return m.store }

// Metrics returns the metrics registry the Manager was built with.
func (m *Manager) Metrics() *telemetry.Metrics { return m.metrics }

// Stats is a point-in-time operational snapshot.
type Stats struct {
	Cache   *vault.StoreStats
	Budgets map[string]budget.Stats
}

// Stats reports cache contents and REST budget consumption.
func (m *Manager) Stats() (Stats, error) {
	st := Stats{Budgets: m.rest.Budgets()}
	if m.store != nil {
		cs, err := m.store.Stats()
		if err != nil {
			return st, err
		}
		st.Cache = &cs
	}
	return st, nil
}
