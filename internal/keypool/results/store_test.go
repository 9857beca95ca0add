package results

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/keypool/internal/core/domain"
)

func TestStoreLifecycle(t *testing.T) {
	s := NewStore(time.Millisecond)

	req := s.Create(domain.Payload{Operation: "embed"})
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, domain.RequestPending, req.State)
	assert.False(t, req.CreatedAt.IsZero())

	started, ok := s.Start(req.ID)
	require.True(t, ok)
	assert.Equal(t, domain.RequestProcessing, started.State)

	_, ok = s.Start(req.ID)
	assert.False(t, ok, "only pending requests can start")

	done, err := s.Finish(req.ID, []float32{1, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestCompleted, done.State)
	assert.Equal(t, []float32{1, 2}, done.Response)

	_, err = s.Finish(req.ID, nil, &domain.Failure{Kind: domain.FailurePoolExhausted})
	assert.Error(t, err, "terminal states are final")

	got, ok := s.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, domain.RequestCompleted, got.State)
	assert.Nil(t, got.Failure)
}

func TestStoreIDsAreUnique(t *testing.T) {
	s := NewStore(0)
	seen := make(map[domain.RequestID]struct{})
	for i := 0; i < 1000; i++ {
		id := s.Create(domain.Payload{}).ID
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestStoreFinishStates(t *testing.T) {
	s := NewStore(0)

	failed := s.Create(domain.Payload{})
	res, err := s.Finish(failed.ID, nil, &domain.Failure{Kind: domain.FailurePoolExhausted, Message: "429"})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestFailed, res.State)

	timedOut := s.Create(domain.Payload{})
	res, err = s.Finish(timedOut.ID, nil, &domain.Failure{Kind: domain.FailureTimeout})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestTimedOut, res.State)

	_, err = s.Finish("missing", nil, nil)
	assert.ErrorIs(t, err, domain.ErrUnknownRequest)

	st := s.Stats()
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(1), st.TimedOut)
	assert.Zero(t, st.Completed)
}

func TestStoreAwaitReturnsWhenTerminal(t *testing.T) {
	s := NewStore(5 * time.Millisecond)
	req := s.Create(domain.Payload{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Start(req.ID)
		_, _ = s.Finish(req.ID, "done", nil)
	}()

	got, err := s.Await(context.Background(), req.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", got.Response)
}

func TestStoreAwaitTimeoutLeavesRequestRunning(t *testing.T) {
	s := NewStore(5 * time.Millisecond)
	req := s.Create(domain.Payload{})
	s.Start(req.ID)

	got, err := s.Await(context.Background(), req.ID, 20*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrAwaitTimeout)
	assert.Equal(t, domain.RequestProcessing, got.State)

	_, err = s.Finish(req.ID, "late", nil)
	require.NoError(t, err)
	got, err = s.Await(context.Background(), req.ID, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "late", got.Response)
}

func TestStoreAwaitUnknown(t *testing.T) {
	s := NewStore(0)
	_, err := s.Await(context.Background(), "nope", time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrUnknownRequest)
}

func TestStoreRecordAndAverageLatency(t *testing.T) {
	s := NewStore(0)
	s.Record(domain.RequestCompleted, 100*time.Millisecond)
	s.Record(domain.RequestCompleted, 300*time.Millisecond)
	s.Record(domain.RequestFailed, time.Hour)

	st := s.Stats()
	assert.Equal(t, int64(2), st.Completed)
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, 200*time.Millisecond, st.AvgLatency)
}

func TestPrunerRemovesOnlyExpiredTerminal(t *testing.T) {
	s := NewStore(0)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	old := s.Create(domain.Payload{})
	_, err := s.Finish(old.ID, "x", nil)
	require.NoError(t, err)
	pending := s.Create(domain.Payload{})

	now = now.Add(11 * time.Minute)
	fresh := s.Create(domain.Payload{})
	_, err = s.Finish(fresh.ID, "y", nil)
	require.NoError(t, err)

	p := NewPruner(s, 10*time.Minute)
	assert.Equal(t, 1, p.Prune())

	_, ok := s.Get(old.ID)
	assert.False(t, ok)
	_, ok = s.Get(pending.ID)
	assert.True(t, ok)
	_, ok = s.Get(fresh.ID)
	assert.True(t, ok)
	assert.Equal(t, 2, s.Len())
}

func TestPrunerDisabled(t *testing.T) {
	s := NewStore(0)
	p := NewPruner(s, 0)

	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled pruner should return immediately")
	}
}
