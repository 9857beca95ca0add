package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vietddude/keypool/internal/core/domain"
	"github.com/vietddude/keypool/internal/keypool/credential"
	"github.com/vietddude/keypool/internal/keypool/metrics"
)

// Upstream performs one call against the external API with one credential.
type Upstream interface {
	Call(ctx context.Context, id domain.CredentialID, payload domain.Payload) (any, error)
}

// UpstreamFunc adapts a function to Upstream.
type UpstreamFunc func(ctx context.Context, id domain.CredentialID, payload domain.Payload) (any, error)

// Call implements Upstream.
func (f UpstreamFunc) Call(ctx context.Context, id domain.CredentialID, payload domain.Payload) (any, error) {
	return f(ctx, id, payload)
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	// GraceWait is slept once per request when every eligible credential was
	// already tried, giving cooling credentials a chance to recover.
	GraceWait time.Duration

	// AttemptTimeout bounds one upstream call when the caller gives none. 0 disables it.
	AttemptTimeout time.Duration
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	GraceWait:      2 * time.Second,
	AttemptTimeout: 60 * time.Second,
}

// Coordinator drives one request to a terminal outcome over the credential pool.
type Coordinator struct {
	selector credential.Selector
	upstream Upstream
	cfg      RetryConfig
	tracer   trace.Tracer
	log      *slog.Logger
}

// NewCoordinator creates a coordinator over selector and upstream.
func NewCoordinator(selector credential.Selector, upstream Upstream, cfg RetryConfig) *Coordinator {
	if cfg.GraceWait < 0 {
		cfg.GraceWait = 0
	}
	return &Coordinator{
		selector: selector,
		upstream: upstream,
		cfg:      cfg,
		tracer:   otel.Tracer("github.com/vietddude/keypool/internal/keypool/routing"),
		log:      slog.Default().With("component", "retry-coordinator"),
	}
}

// Execute tries up to N credentials for payload, where N is the pool size.
// Credentials already tried in the current pass are excluded; once all
// eligible ones are exhausted the exclusion set is cleared once after a grace
// wait. A failed request returns a *domain.Failure.
func (c *Coordinator) Execute(
	ctx context.Context,
	payload domain.Payload,
	attemptTimeout time.Duration,
) (any, error) {
	if attemptTimeout <= 0 {
		attemptTimeout = c.cfg.AttemptTimeout
	}
	op := metrics.OperationLabel(payload.Operation)

	ctx, span := c.tracer.Start(ctx, "keypool.execute",
		trace.WithAttributes(attribute.String("keypool.operation", op)))
	defer span.End()

	maxAttempts := c.selector.Size()
	excluded := make(map[domain.CredentialID]struct{}, maxAttempts)
	graceUsed := false
	attempts := 0
	var last *domain.Failure

	for attempts < maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, c.fail(span, contextFailure(err, attempts, last))
		}

		id, ok := c.selector.PickEligible(excluded)
		if !ok {
			if len(excluded) == 0 || graceUsed {
				break
			}
			graceUsed = true
			clear(excluded)
			c.log.Debug("No eligible credential, waiting for cooldowns",
				"operation", op, "wait", c.cfg.GraceWait)
			if err := sleepCtx(ctx, c.cfg.GraceWait); err != nil {
				return nil, c.fail(span, contextFailure(err, attempts, last))
			}
			continue
		}

		attempts++
		value, latency, err := c.attempt(ctx, id, payload, attemptTimeout)
		if err == nil {
			c.selector.MarkSuccess(id, latency)
			metrics.SetCredentialState(string(id), string(domain.CredentialActive))
			metrics.UpstreamAttempts.WithLabelValues(string(id), op, "ok").Inc()
			span.SetAttributes(
				attribute.String("keypool.credential", string(id)),
				attribute.Int("keypool.attempts", attempts),
			)
			return value, nil
		}

		// The request itself ran out of time or was cancelled; the credential is not at fault.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, c.fail(span, contextFailure(ctxErr, attempts, last))
		}

		kind := ClassifyError(err)
		metrics.UpstreamAttempts.WithLabelValues(string(id), op, string(kind)).Inc()
		last = &domain.Failure{
			Kind:       kind,
			Message:    err.Error(),
			Credential: id,
			Attempts:   attempts,
		}

		if kind == domain.FailureInvalidRequest {
			return nil, c.fail(span, last)
		}

		c.selector.MarkFailure(id, kind, err.Error())
		metrics.SetCredentialState(string(id), string(stateFor(kind)))
		excluded[id] = struct{}{}

		c.log.Warn("Upstream attempt failed",
			"operation", op,
			"credential", id,
			"kind", kind,
			"attempt", attempts,
			"maxAttempts", maxAttempts,
			"error", err,
		)
	}

	metrics.PoolExhausted.WithLabelValues(op).Inc()
	return nil, c.fail(span, exhausted(attempts, last))
}

// attempt performs a single upstream call. Panics are converted into transient failures.
func (c *Coordinator) attempt(
	ctx context.Context,
	id domain.CredentialID,
	payload domain.Payload,
	timeout time.Duration,
) (value any, latency time.Duration, err error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	attemptCtx, span := c.tracer.Start(attemptCtx, "keypool.attempt",
		trace.WithAttributes(attribute.String("keypool.credential", string(id))))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &domain.UpstreamError{
				Kind:    domain.FailureTransient,
				Message: fmt.Sprintf("upstream panic: %v", r),
			}
		}
		latency = time.Since(start)
		metrics.UpstreamLatency.
			WithLabelValues(string(id), metrics.OperationLabel(payload.Operation)).
			Observe(latency.Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	value, err = c.upstream.Call(attemptCtx, id, payload)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) &&
		!errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("attempt timed out after %s: %w: %w", timeout, context.DeadlineExceeded, err)
	}
	return
}

func (c *Coordinator) fail(span trace.Span, f *domain.Failure) error {
	span.SetStatus(codes.Error, string(f.Kind))
	span.SetAttributes(attribute.String("keypool.failure", string(f.Kind)))
	return f
}

func exhausted(attempts int, last *domain.Failure) *domain.Failure {
	f := &domain.Failure{
		Kind:     domain.FailurePoolExhausted,
		Message:  "no eligible credential",
		Attempts: attempts,
	}
	if last != nil {
		f.Message = last.Message
		f.Credential = last.Credential
	}
	return f
}

func contextFailure(err error, attempts int, last *domain.Failure) *domain.Failure {
	f := &domain.Failure{
		Kind:     domain.FailureTimeout,
		Message:  err.Error(),
		Attempts: attempts,
	}
	if errors.Is(err, context.Canceled) {
		f.Kind = domain.FailureStopped
	}
	if last != nil {
		f.Credential = last.Credential
		f.Message = fmt.Sprintf("%s (last failure: %s)", err, last.Message)
	}
	return f
}

func stateFor(kind domain.FailureKind) domain.CredentialState {
	switch kind {
	case domain.FailureRateLimited:
		return domain.CredentialRateLimited
	case domain.FailureQuotaExceeded:
		return domain.CredentialQuotaExceeded
	default:
		return domain.CredentialError
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
