package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestStateIsTerminal(t *testing.T) {
	assert.False(t, RequestPending.IsTerminal())
	assert.False(t, RequestProcessing.IsTerminal())
	assert.True(t, RequestCompleted.IsTerminal())
	assert.True(t, RequestFailed.IsTerminal())
	assert.True(t, RequestTimedOut.IsTerminal())
}

func TestFailureMatchesSentinels(t *testing.T) {
	exhausted := &Failure{Kind: FailurePoolExhausted, Message: "429", Attempts: 3}
	wrapped := fmt.Errorf("call: %w", exhausted)

	assert.ErrorIs(t, wrapped, ErrPoolExhausted)
	assert.NotErrorIs(t, wrapped, ErrAwaitTimeout)
	assert.Equal(t, "pool_exhausted after 3 attempts: 429", exhausted.Error())

	var f *Failure
	assert.True(t, errors.As(wrapped, &f))
	assert.Equal(t, 3, f.Attempts)
}

func TestRequestResultLatency(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	req := Request{
		ID:        "r1",
		State:     RequestCompleted,
		Response:  "ok",
		StartedAt: start,
		EndedAt:   start.Add(250 * time.Millisecond),
	}

	res := req.Result()
	assert.True(t, res.OK())
	assert.Equal(t, 250*time.Millisecond, res.Latency)
	assert.Equal(t, "ok", res.Value)
}

func TestUpstreamErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &UpstreamError{Kind: FailureTransient, StatusCode: 502, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "upstream 502 (transient_error): boom", err.Error())
}
