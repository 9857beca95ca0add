// Package results correlates request identifiers with their eventual outcome.
package results

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/keypool/internal/core/domain"
)

// DefaultPollInterval is how often Await re-checks a request.
const DefaultPollInterval = 100 * time.Millisecond

// Stats holds aggregate counters over finished requests.
type Stats struct {
	Pending    int
	Processing int
	Completed  int64
	Failed     int64
	TimedOut   int64
	AvgLatency time.Duration
}

// Store owns every submitted request from creation to terminal state.
type Store struct {
	mu       sync.RWMutex
	requests map[domain.RequestID]*domain.Request

	completed    int64
	failed       int64
	timedOut     int64
	totalLatency time.Duration
	latencyCount int64

	pollInterval time.Duration
	now          func() time.Time
}

// NewStore creates an empty store. A non-positive pollInterval uses the default.
func NewStore(pollInterval time.Duration) *Store {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Store{
		requests:     make(map[domain.RequestID]*domain.Request),
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// Create registers a new Pending request for payload.
func (s *Store) Create(payload domain.Payload) domain.Request {
	req := &domain.Request{
		ID:        domain.RequestID(uuid.NewString()),
		Payload:   payload,
		State:     domain.RequestPending,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.requests[req.ID] = req
	s.mu.Unlock()

	return *req
}

// Start moves a Pending request to Processing. It reports false for unknown
// or non-pending requests.
func (s *Store) Start(id domain.RequestID) (domain.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok || req.State != domain.RequestPending {
		return domain.Request{}, false
	}
	req.State = domain.RequestProcessing
	req.StartedAt = s.now()
	return *req, true
}

// Finish records the outcome of a request. Terminal requests are never changed again.
func (s *Store) Finish(id domain.RequestID, value any, failure *domain.Failure) (domain.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return domain.Request{}, fmt.Errorf("finish %s: %w", id, domain.ErrUnknownRequest)
	}
	if req.State.IsTerminal() {
		return *req, fmt.Errorf("request %s already %s", id, req.State)
	}

	req.EndedAt = s.now()
	if req.StartedAt.IsZero() {
		req.StartedAt = req.EndedAt
	}
	req.State = StateFor(failure)
	if failure == nil {
		req.Response = value
	} else {
		req.Failure = failure
	}

	s.recordLocked(req.State, req.EndedAt.Sub(req.StartedAt))
	return *req, nil
}

// Record counts an outcome that never went through the store, such as a direct call.
func (s *Store) Record(state domain.RequestState, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(state, latency)
}

// Get returns a copy of the request.
func (s *Store) Get(id domain.RequestID) (domain.Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return domain.Request{}, false
	}
	return *req, true
}

// Await polls until the request is terminal, timeout elapses, or ctx ends.
// A non-positive timeout waits until ctx ends. Timing out does not affect the request.
func (s *Store) Await(ctx context.Context, id domain.RequestID, timeout time.Duration) (domain.Request, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		req, ok := s.Get(id)
		if !ok {
			return domain.Request{}, fmt.Errorf("await %s: %w", id, domain.ErrUnknownRequest)
		}
		if req.State.IsTerminal() {
			return req, nil
		}

		select {
		case <-ctx.Done():
			if timeout > 0 && ctx.Err() == context.DeadlineExceeded {
				return req, fmt.Errorf("await %s after %s: %w", id, timeout, domain.ErrAwaitTimeout)
			}
			return req, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Prune removes terminal requests that ended before cutoff and returns how many were removed.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, req := range s.requests {
		if req.State.IsTerminal() && req.EndedAt.Before(cutoff) {
			delete(s.requests, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked requests.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

// Stats returns aggregate counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Completed: s.completed,
		Failed:    s.failed,
		TimedOut:  s.timedOut,
	}
	for _, req := range s.requests {
		switch req.State {
		case domain.RequestPending:
			st.Pending++
		case domain.RequestProcessing:
			st.Processing++
		}
	}
	if s.latencyCount > 0 {
		st.AvgLatency = s.totalLatency / time.Duration(s.latencyCount)
	}
	return st
}

func (s *Store) recordLocked(state domain.RequestState, latency time.Duration) {
	switch state {
	case domain.RequestCompleted:
		s.completed++
		s.totalLatency += latency
		s.latencyCount++
	case domain.RequestFailed:
		s.failed++
	case domain.RequestTimedOut:
		s.timedOut++
	}
}

// StateFor maps an outcome to the terminal request state.
func StateFor(failure *domain.Failure) domain.RequestState {
	switch {
	case failure == nil:
		return domain.RequestCompleted
	case failure.Kind == domain.FailureTimeout:
		return domain.RequestTimedOut
	default:
		return domain.RequestFailed
	}
}
