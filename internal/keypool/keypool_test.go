package keypool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/keypool/internal/core/domain"
	"github.com/vietddude/keypool/internal/keypool/credential"
	"github.com/vietddude/keypool/internal/keypool/routing"
)

var threeKeys = []domain.CredentialID{"k0", "k1", "k2"}

func firstPick(int) int { return 0 }

func testConfig(workers int) Config {
	cfg := DefaultConfig()
	cfg.Workers = workers
	cfg.GraceWait = 10 * time.Millisecond
	cfg.AttemptTimeout = 2 * time.Second
	cfg.RequestTimeout = 5 * time.Second
	cfg.PollInterval = 2 * time.Millisecond
	return cfg
}

func newTestPool(t *testing.T, workers int, up routing.UpstreamFunc, opts ...Option) *Pool {
	t.Helper()
	pool, err := NewPool(threeKeys, up, testConfig(workers), opts...)
	require.NoError(t, err)
	return pool
}

func startPool(t *testing.T, pool *Pool) {
	t.Helper()
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
}

func rateLimited(context.Context, domain.CredentialID, domain.Payload) (any, error) {
	return nil, errors.New("HTTP 429: Too Many Requests")
}

func TestNewPoolValidation(t *testing.T) {
	up := routing.UpstreamFunc(func(context.Context, domain.CredentialID, domain.Payload) (any, error) {
		return nil, nil
	})

	tests := []struct {
		name    string
		ids     []domain.CredentialID
		workers int
		wantErr error
	}{
		{"no credentials", nil, 3, domain.ErrNoCredentials},
		{"zero workers", threeKeys, 0, domain.ErrInvalidWorkerCount},
		{"negative workers", threeKeys, -1, domain.ErrInvalidWorkerCount},
		{"duplicate ids", []domain.CredentialID{"a", "a"}, 1, domain.ErrDuplicateCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPool(tt.ids, up, testConfig(tt.workers))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := NewPool(threeKeys, nil, testConfig(1))
	require.Error(t, err)
}

func TestCallDirectFailoverUpdatesStatus(t *testing.T) {
	pool := newTestPool(t, 1, func(_ context.Context, id domain.CredentialID, _ domain.Payload) (any, error) {
		if id == "k2" {
			return "ok", nil
		}
		return nil, errors.New("429 rate limit reached")
	}, WithTrackerOptions(credential.WithRand(firstPick)))

	value, err := pool.CallDirect(context.Background(), domain.Payload{Operation: "generate"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", value)

	st := pool.Status()
	require.Len(t, st.Credentials, 3)
	assert.Equal(t, domain.CredentialRateLimited, st.Credentials[0].State)
	assert.Equal(t, domain.CredentialRateLimited, st.Credentials[1].State)
	assert.Equal(t, domain.CredentialActive, st.Credentials[2].State)
	assert.Positive(t, st.Credentials[0].CooldownRemaining)
	assert.Equal(t, 1, st.ActiveCount())
	assert.EqualValues(t, 1, st.Completed)
	assert.False(t, st.Running)
}

func TestCallDirectExhaustion(t *testing.T) {
	var calls atomic.Int32
	pool := newTestPool(t, 1, func(ctx context.Context, id domain.CredentialID, p domain.Payload) (any, error) {
		calls.Add(1)
		return rateLimited(ctx, id, p)
	})

	_, err := pool.CallDirect(context.Background(), domain.Payload{}, time.Second)
	require.ErrorIs(t, err, domain.ErrPoolExhausted)

	var f *domain.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, 3, f.Attempts)
	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 1, pool.Status().Failed)
}

func TestSubmitAwaitRoundTrip(t *testing.T) {
	pool := newTestPool(t, 2, func(_ context.Context, _ domain.CredentialID, p domain.Payload) (any, error) {
		return p.Body.(string) + "!", nil
	})
	startPool(t, pool)

	id := pool.Submit(domain.Payload{Operation: "echo", Body: "hi"})
	res, err := pool.Await(context.Background(), id, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "hi!", res.Value)
	assert.Equal(t, domain.RequestCompleted, res.State)
}

func TestSubmitAwaitExhaustion(t *testing.T) {
	pool := newTestPool(t, 1, rateLimited)
	startPool(t, pool)

	id := pool.Submit(domain.Payload{})
	res, err := pool.Await(context.Background(), id, 2*time.Second)
	require.ErrorIs(t, err, domain.ErrPoolExhausted)
	assert.Equal(t, domain.RequestFailed, res.State)
	require.NotNil(t, res.Failure)
	assert.Equal(t, domain.FailurePoolExhausted, res.Failure.Kind)

	for _, c := range pool.Status().Credentials {
		assert.Equal(t, domain.CredentialRateLimited, c.State)
	}
}

func TestAwaitTimeoutLeavesRequestRunning(t *testing.T) {
	release := make(chan struct{})
	pool := newTestPool(t, 1, func(context.Context, domain.CredentialID, domain.Payload) (any, error) {
		<-release
		return 7, nil
	})
	startPool(t, pool)

	id := pool.Submit(domain.Payload{})
	res, err := pool.Await(context.Background(), id, 20*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrAwaitTimeout)
	require.NotNil(t, res.Failure)
	assert.Equal(t, domain.FailureAwaitTimeout, res.Failure.Kind)
	assert.False(t, res.State.IsTerminal())

	close(release)
	res, err = pool.Await(context.Background(), id, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Value)
}

func TestAwaitUnknownRequest(t *testing.T) {
	pool := newTestPool(t, 1, rateLimited)

	res, err := pool.Await(context.Background(), "missing", 10*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrUnknownRequest)
	require.NotNil(t, res.Failure)
	assert.Equal(t, domain.FailureUnknownRequest, res.Failure.Kind)
	assert.ErrorIs(t, res.Failure, domain.ErrUnknownRequest)

	results := pool.AwaitAll(context.Background(), []domain.RequestID{"missing"}, 10*time.Millisecond)
	require.Len(t, results, 1)
	assert.Equal(t, domain.FailureUnknownRequest, results[0].Failure.Kind)
}

func TestWorkersOutliveStartContext(t *testing.T) {
	pool := newTestPool(t, 1, func(context.Context, domain.CredentialID, domain.Payload) (any, error) {
		return "ok", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })
	cancel()

	id := pool.Submit(domain.Payload{})
	res, err := pool.Await(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
	assert.True(t, pool.Status().Running)
}

func TestQueuedConcurrencyNeverExceedsWorkers(t *testing.T) {
	const workers = 3

	var current, peak atomic.Int32
	pool := newTestPool(t, workers, func(context.Context, domain.CredentialID, domain.Payload) (any, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return "done", nil
	})
	startPool(t, pool)

	payloads := make([]domain.Payload, 100)
	ids := pool.SubmitBatch(payloads)
	require.Len(t, ids, 100)

	results := pool.AwaitAll(context.Background(), ids, 10*time.Second)
	for i, r := range results {
		assert.True(t, r.OK(), "request %d", i)
		assert.Equal(t, ids[i], r.RequestID)
	}
	assert.LessOrEqual(t, peak.Load(), int32(workers))
	assert.EqualValues(t, 100, pool.Status().Completed)
}

func TestCallDirectBypassesWorkerCap(t *testing.T) {
	release := make(chan struct{})
	var direct atomic.Int32
	pool := newTestPool(t, 1, func(_ context.Context, _ domain.CredentialID, p domain.Payload) (any, error) {
		if p.Operation == "direct" {
			direct.Add(1)
			return "direct", nil
		}
		<-release
		return "queued", nil
	})
	startPool(t, pool)
	defer close(release)

	pool.Submit(domain.Payload{Operation: "queued"})
	require.Eventually(t, func() bool { return pool.Status().InFlight == 1 },
		time.Second, time.Millisecond)

	value, err := pool.CallDirect(context.Background(), domain.Payload{Operation: "direct"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "direct", value)
	assert.EqualValues(t, 1, direct.Load())
}

func TestRunBatchPreservesOrder(t *testing.T) {
	pool := newTestPool(t, 3, func(_ context.Context, _ domain.CredentialID, p domain.Payload) (any, error) {
		n := p.Body.(int)
		// Finish out of order.
		time.Sleep(time.Duration(5-n) * time.Millisecond)
		if n == 2 {
			return nil, &domain.UpstreamError{Kind: domain.FailureInvalidRequest, Message: "bad input"}
		}
		return n * 10, nil
	})
	startPool(t, pool)

	payloads := make([]domain.Payload, 5)
	for i := range payloads {
		payloads[i] = domain.Payload{Body: i}
	}

	values := pool.RunBatch(context.Background(), payloads, 5*time.Second)
	assert.Equal(t, []any{0, 10, nil, 30, 40}, values)

	// Invalid input does not count against any credential.
	assert.Equal(t, 3, pool.Status().ActiveCount())
}

func TestAwaitAllReportsPerSlotTimeouts(t *testing.T) {
	release := make(chan struct{})
	pool := newTestPool(t, 2, func(_ context.Context, _ domain.CredentialID, p domain.Payload) (any, error) {
		if p.Body == "slow" {
			<-release
		}
		return p.Body, nil
	})
	startPool(t, pool)
	defer close(release)

	ids := pool.SubmitBatch([]domain.Payload{{Body: "fast"}, {Body: "slow"}, {Body: "fast"}})
	results := pool.AwaitAll(context.Background(), ids, 100*time.Millisecond)

	require.Len(t, results, 3)
	assert.Equal(t, "fast", results[0].Value)
	assert.Equal(t, "fast", results[2].Value)
	require.NotNil(t, results[1].Failure)
	assert.Equal(t, domain.FailureAwaitTimeout, results[1].Failure.Kind)
}

func TestResetAllCredentialsIsIdempotent(t *testing.T) {
	pool := newTestPool(t, 1, rateLimited)

	_, err := pool.CallDirect(context.Background(), domain.Payload{}, time.Second)
	require.Error(t, err)
	assert.Zero(t, pool.Status().ActiveCount())

	pool.ResetAllCredentials()
	first := pool.Status()
	pool.ResetAllCredentials()
	second := pool.Status()

	assert.Equal(t, 3, first.ActiveCount())
	assert.Equal(t, first.Credentials, second.Credentials)
}

func TestStopFailsQueuedRequests(t *testing.T) {
	release := make(chan struct{})
	pool := newTestPool(t, 1, func(context.Context, domain.CredentialID, domain.Payload) (any, error) {
		<-release
		return "ok", nil
	})
	require.NoError(t, pool.Start(context.Background()))

	running := pool.Submit(domain.Payload{})
	require.Eventually(t, func() bool { return pool.Status().InFlight == 1 },
		time.Second, time.Millisecond)
	queued := pool.SubmitBatch([]domain.Payload{{}, {}})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, pool.Stop(ctx))
	}()

	require.Eventually(t, func() bool { return !pool.Status().Running },
		time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	res, err := pool.Await(context.Background(), running, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)

	for _, id := range queued {
		_, err := pool.Await(context.Background(), id, time.Second)
		require.ErrorIs(t, err, domain.ErrPoolStopped)
	}

	late := pool.Submit(domain.Payload{})
	_, err = pool.Await(context.Background(), late, time.Second)
	require.ErrorIs(t, err, domain.ErrPoolStopped)

	require.ErrorIs(t, pool.Start(context.Background()), domain.ErrPoolStopped)
}

func TestAwaitAllSharesOneDeadlineBeyondFanout(t *testing.T) {
	release := make(chan struct{})
	pool := newTestPool(t, 1, func(context.Context, domain.CredentialID, domain.Payload) (any, error) {
		<-release
		return nil, nil
	})
	startPool(t, pool)
	defer close(release)

	ids := pool.SubmitBatch(make([]domain.Payload, 3*awaitFanout))

	start := time.Now()
	results := pool.AwaitAll(context.Background(), ids, 50*time.Millisecond)
	elapsed := time.Since(start)

	require.Len(t, results, len(ids))
	for i, r := range results {
		require.NotNil(t, r.Failure, "slot %d", i)
		assert.Equal(t, domain.FailureAwaitTimeout, r.Failure.Kind)
		assert.Equal(t, ids[i], r.RequestID)
	}
	assert.Less(t, elapsed, time.Second)
}
