// Package control wires configuration, upstream clients, the credential pool
// and the HTTP server into one runnable service.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vietddude/keypool/internal/core/config"
	"github.com/vietddude/keypool/internal/health"
	"github.com/vietddude/keypool/internal/infra/upstream/openai"
	"github.com/vietddude/keypool/internal/keypool"
	"github.com/vietddude/keypool/internal/keypool/routing"
)

// metricsRefresh is how often credential gauges are re-evaluated. Cooldown
// recovery is lazy, so without it a gauge would stay stale until the next call.
const metricsRefresh = 10 * time.Second

// Service is the main application struct that manages the pool lifecycle.
type Service struct {
	cfg    *config.AppConfig
	pool   *keypool.Pool
	server *health.Server
	log    *slog.Logger

	stopRefresh context.CancelFunc
}

// NewService builds the service against the configured OpenAI-compatible API.
func NewService(cfg *config.AppConfig) (*Service, error) {
	upstream, err := openai.New(openai.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		Model:          cfg.Upstream.Model,
		EmbeddingModel: cfg.Upstream.EmbeddingModel,
		Keys:           cfg.APIKeys(),
	})
	if err != nil {
		return nil, fmt.Errorf("create upstream: %w", err)
	}
	return NewServiceWithUpstream(cfg, upstream)
}

// NewServiceWithUpstream builds the service around any upstream.
func NewServiceWithUpstream(cfg *config.AppConfig, upstream routing.Upstream) (*Service, error) {
	pool, err := keypool.NewPool(cfg.CredentialIDs(), upstream, keypool.Config{
		Workers:           cfg.Pool.Workers,
		AttemptTimeout:    cfg.Pool.AttemptTimeout,
		RequestTimeout:    cfg.Pool.RequestTimeout,
		GraceWait:         cfg.Pool.GraceWait,
		RateLimitCooldown: cfg.Pool.RateLimitCooldown,
		ErrorCooldown:     cfg.Pool.ErrorCooldown,
		PollInterval:      cfg.Pool.PollInterval,
		ResultRetention:   cfg.Pool.Retention(),
	})
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// A synchronous HTTP call may wait for the whole request budget.
	awaitTimeout := cfg.Pool.RequestTimeout
	if awaitTimeout <= 0 {
		awaitTimeout = 5 * time.Minute
	}

	return &Service{
		cfg:    cfg,
		pool:   pool,
		server: health.NewServer(pool, cfg.Server.Port, awaitTimeout),
		log:    slog.Default().With("component", "service"),
	}, nil
}

// Pool returns the underlying credential pool.
func (s *Service) Pool() *keypool.Pool {
	return s.pool
}

// Start starts the pool, the HTTP server and the metrics refresher.
func (s *Service) Start(ctx context.Context) error {
	if err := s.pool.Start(ctx); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}

	if err := s.server.Listen(); err != nil {
		_ = s.pool.Stop(ctx)
		return err
	}

	go func() {
		if err := s.server.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server failed", "error", err)
		}
	}()

	refreshCtx, cancel := context.WithCancel(ctx)
	s.stopRefresh = cancel
	go s.runMetricsUpdater(refreshCtx)

	s.log.Info("Service started", "addr", s.server.Addr().String())
	return nil
}

// Addr returns the address the HTTP server is bound to, or nil before Start.
func (s *Service) Addr() net.Addr {
	return s.server.Addr()
}

// Stop shuts the HTTP server down while the pool still runs, so synchronous
// calls already queued get their answer, then drains the pool.
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info("Stopping service...")

	serverErr := s.server.Stop(ctx)
	poolErr := s.pool.Stop(ctx)

	if s.stopRefresh != nil {
		s.stopRefresh()
	}
	return errors.Join(serverErr, poolErr)
}

func (s *Service) runMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(metricsRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.pool.Status()
			s.log.Debug("Refreshed pool metrics",
				"active", st.ActiveCount(),
				"queue", st.QueueDepth,
				"inFlight", st.InFlight,
			)
		}
	}
}
