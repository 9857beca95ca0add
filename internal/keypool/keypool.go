// Package keypool spreads calls to a rate-limited upstream over a pool of
// interchangeable credentials.
//
// This package offers:
//   - Health-aware credential selection with cooldowns
//   - Per-request failover across credentials
//   - A bounded worker pool behind an unbounded admission queue
//   - Result correlation across goroutines
//
// # Quick Start
//
//	pool, err := keypool.NewPool(
//	    []domain.CredentialID{"key-a", "key-b", "key-c"},
//	    upstream,
//	    keypool.DefaultConfig(),
//	)
//	if err := pool.Start(ctx); err != nil { ... }
//	defer pool.Stop(ctx)
//
//	// Direct: runs inline, bypasses the queue
//	value, err := pool.CallDirect(ctx, payload, 30*time.Second)
//
//	// Queued: shares the worker concurrency cap
//	id := pool.Submit(payload)
//	res, err := pool.Await(ctx, id, time.Minute)
//
// # Package Structure
//
//   - credential/ - health tracker and selector
//   - routing/    - failure classification and retry coordinator
//   - queue/      - admission queue and worker pool
//   - results/    - result correlator and pruner
//   - metrics/    - Prometheus collectors
package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/keypool/internal/core/domain"
	"github.com/vietddude/keypool/internal/keypool/credential"
	"github.com/vietddude/keypool/internal/keypool/metrics"
	"github.com/vietddude/keypool/internal/keypool/queue"
	"github.com/vietddude/keypool/internal/keypool/results"
	"github.com/vietddude/keypool/internal/keypool/routing"
)

// Option configures a Pool.
type Option func(*options)

type options struct {
	trackerOpts []credential.Option
	logger      *slog.Logger
}

// WithTrackerOptions passes options through to the credential tracker.
func WithTrackerOptions(opts ...credential.Option) Option {
	return func(o *options) {
		o.trackerOpts = append(o.trackerOpts, opts...)
	}
}

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Pool is the entry point for callers. It is safe for concurrent use.
type Pool struct {
	cfg         Config
	tracker     *credential.Tracker
	coordinator *routing.Coordinator
	queue       *queue.Queue[domain.RequestID]
	workers     *queue.WorkerPool[domain.RequestID]
	store       *results.Store
	pruner      *results.Pruner

	mu         sync.Mutex
	stopped    bool
	stopPruner context.CancelFunc
	prunerDone chan struct{}
	log        *slog.Logger
}

// NewPool creates a pool over ids. ids must be non-empty and unique and
// cfg.Workers must be at least 1.
func NewPool(
	ids []domain.CredentialID,
	upstream routing.Upstream,
	cfg Config,
	opts ...Option,
) (*Pool, error) {
	if len(ids) == 0 {
		return nil, domain.ErrNoCredentials
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("%w: got %d", domain.ErrInvalidWorkerCount, cfg.Workers)
	}
	if upstream == nil {
		return nil, errors.New("upstream is required")
	}

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	tracker, err := credential.NewTracker(ids, credential.Config{
		RateLimitCooldown: cfg.RateLimitCooldown,
		ErrorCooldown:     cfg.ErrorCooldown,
	}, o.trackerOpts...)
	if err != nil {
		return nil, err
	}

	store := results.NewStore(cfg.PollInterval)
	p := &Pool{
		cfg:     cfg,
		tracker: tracker,
		coordinator: routing.NewCoordinator(tracker, upstream, routing.RetryConfig{
			GraceWait:      cfg.GraceWait,
			AttemptTimeout: cfg.AttemptTimeout,
		}),
		queue:  queue.New[domain.RequestID](),
		store:  store,
		pruner: results.NewPruner(store, cfg.ResultRetention),
		log:    o.logger.With("component", "keypool"),
	}
	p.workers = queue.NewWorkerPool(p.queue, cfg.Workers, p.process)

	for _, id := range ids {
		metrics.SetCredentialState(string(id), string(domain.CredentialActive))
	}

	return p, nil
}

// Start spawns the workers and the result pruner. They run until Stop;
// cancelling ctx does not end them.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return domain.ErrPoolStopped
	}
	if err := p.workers.Start(ctx); err != nil {
		return err
	}

	pruneCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.stopPruner = cancel
	p.prunerDone = make(chan struct{})
	go func() {
		defer close(p.prunerDone)
		p.pruner.Start(pruneCtx)
	}()

	p.log.Info("Pool started",
		"credentials", p.tracker.Size(),
		"workers", p.cfg.Workers,
	)
	return nil
}

// Stop stops accepting work, waits for in-flight requests (bounded by ctx) and
// fails anything still queued with ErrPoolStopped.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	stopPruner, prunerDone := p.stopPruner, p.prunerDone
	p.mu.Unlock()

	err := p.workers.Stop(ctx)
	if errors.Is(err, queue.ErrNotRunning) {
		err = nil
	}

	if stopPruner != nil {
		stopPruner()
		<-prunerDone
	}

	dropped := p.queue.Drain()
	for _, id := range dropped {
		p.finish(id, "queued", nil, &domain.Failure{
			Kind:    domain.FailureStopped,
			Message: domain.ErrPoolStopped.Error(),
		})
	}
	metrics.QueueDepth.Set(0)

	p.log.Info("Pool stopped", "dropped", len(dropped))
	return err
}

// CallDirect runs one request inline, bypassing the queue and the worker cap.
func (p *Pool) CallDirect(
	ctx context.Context,
	payload domain.Payload,
	perAttemptTimeout time.Duration,
) (any, error) {
	start := time.Now()
	value, err := p.coordinator.Execute(ctx, payload, perAttemptTimeout)
	failure := asFailure(err)

	state := results.StateFor(failure)
	p.store.Record(state, time.Since(start))
	metrics.RequestsTotal.WithLabelValues("direct", string(state)).Inc()

	if failure != nil {
		return nil, failure
	}
	return value, nil
}

// Submit queues payload and returns its id immediately. It never blocks on
// upstream work. Payloads submitted after Stop fail with ErrPoolStopped.
func (p *Pool) Submit(payload domain.Payload) domain.RequestID {
	req := p.store.Create(payload)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		p.finish(req.ID, "queued", nil, &domain.Failure{
			Kind:    domain.FailureStopped,
			Message: domain.ErrPoolStopped.Error(),
		})
		return req.ID
	}

	p.queue.Enqueue(req.ID)
	metrics.QueueDepth.Set(float64(p.queue.Len()))
	return req.ID
}

// Await waits up to timeout for the request to finish. On timeout it returns
// ErrAwaitTimeout and the request keeps running. A failed request returns its
// *domain.Failure as the error.
func (p *Pool) Await(ctx context.Context, id domain.RequestID, timeout time.Duration) (domain.Result, error) {
	req, err := p.store.Await(ctx, id, timeout)
	if err != nil {
		res := domain.Result{RequestID: id, State: req.State}
		kind := domain.FailureAwaitTimeout
		if errors.Is(err, domain.ErrUnknownRequest) {
			kind = domain.FailureUnknownRequest
		}
		res.Failure = &domain.Failure{Kind: kind, Message: err.Error()}
		return res, err
	}

	res := req.Result()
	if res.Failure != nil {
		return res, res.Failure
	}
	return res, nil
}

// ResetAllCredentials forces every credential back to Active.
func (p *Pool) ResetAllCredentials() {
	p.tracker.ResetAll()
	for _, st := range p.tracker.Snapshot() {
		metrics.SetCredentialState(string(st.ID), string(st.State))
	}
}

// Status returns a read-only snapshot of the pool.
func (p *Pool) Status() domain.PoolStatus {
	creds := p.tracker.Snapshot()
	for _, st := range creds {
		metrics.SetCredentialState(string(st.ID), string(st.State))
	}

	stats := p.store.Stats()
	return domain.PoolStatus{
		Credentials: creds,
		QueueDepth:  p.queue.Len(),
		InFlight:    p.workers.Busy(),
		Completed:   stats.Completed,
		Failed:      stats.Failed,
		TimedOut:    stats.TimedOut,
		AvgLatency:  stats.AvgLatency,
		Workers:     p.workers.Size(),
		Running:     p.workers.Running(),
	}
}

// process is the worker handler for one queued request.
func (p *Pool) process(ctx context.Context, id domain.RequestID) {
	metrics.QueueDepth.Set(float64(p.queue.Len()))

	req, ok := p.store.Start(id)
	if !ok {
		return
	}

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	if p.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	}

	value, err := p.coordinator.Execute(ctx, req.Payload, p.cfg.AttemptTimeout)
	p.finish(id, "queued", value, asFailure(err))
}

func (p *Pool) finish(id domain.RequestID, path string, value any, failure *domain.Failure) {
	req, err := p.store.Finish(id, value, failure)
	if err != nil {
		p.log.Warn("Failed to record outcome", "request", id, "error", err)
		return
	}
	metrics.RequestsTotal.WithLabelValues(path, string(req.State)).Inc()

	if failure != nil {
		p.log.Debug("Request failed",
			"request", id,
			"operation", req.Payload.Operation,
			"tags", req.Payload.Tags,
			"kind", failure.Kind,
			"error", failure.Message,
		)
	}
}

// asFailure converts a coordinator error into failure detail.
func asFailure(err error) *domain.Failure {
	if err == nil {
		return nil
	}
	var f *domain.Failure
	if errors.As(err, &f) {
		return f
	}
	return &domain.Failure{Kind: domain.FailureTransient, Message: err.Error()}
}
