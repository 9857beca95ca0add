// Package credential tracks the health of pooled upstream credentials.
//
// This package contains:
//   - Selector: interface used by the retry coordinator to pick and report on credentials
//   - Tracker: mutex-guarded implementation with cooldowns and random selection
package credential

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/vietddude/keypool/internal/core/domain"
)

const (
	DefaultRateLimitCooldown = 60 * time.Second
	DefaultErrorCooldown     = 30 * time.Second

	latencyWindow = 100
)

// Selector picks eligible credentials and records call outcomes.
type Selector interface {
	// PickEligible returns a random Active credential that is not excluded.
	PickEligible(excluding map[domain.CredentialID]struct{}) (domain.CredentialID, bool)

	// MarkSuccess returns the credential to Active.
	MarkSuccess(id domain.CredentialID, latency time.Duration)

	// MarkFailure moves the credential into the state matching kind.
	MarkFailure(id domain.CredentialID, kind domain.FailureKind, message string)

	// ResetAll forces every credential back to Active.
	ResetAll()

	// Snapshot returns the current state of every credential in pool order.
	Snapshot() []domain.CredentialStatus

	// Size returns the number of credentials.
	Size() int
}

// Config holds cooldown durations.
type Config struct {
	RateLimitCooldown time.Duration
	ErrorCooldown     time.Duration
}

// DefaultConfig returns the standard cooldowns.
func DefaultConfig() Config {
	return Config{
		RateLimitCooldown: DefaultRateLimitCooldown,
		ErrorCooldown:     DefaultErrorCooldown,
	}
}

type entry struct {
	id            domain.CredentialID
	state         domain.CredentialState
	cooldownUntil time.Time

	successes   int
	failures    int
	lastFailure string
	latencies   []time.Duration
}

// Tracker implements Selector over a fixed set of credentials.
type Tracker struct {
	mu      sync.Mutex
	entries []*entry
	index   map[domain.CredentialID]int
	cfg     Config
	now     func() time.Time
	intn    func(n int) int
	log     *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithRand overrides the random index source used for selection.
func WithRand(intn func(n int) int) Option {
	return func(t *Tracker) {
		if intn != nil {
			t.intn = intn
		}
	}
}

// NewTracker creates a tracker with every credential Active.
func NewTracker(ids []domain.CredentialID, cfg Config, opts ...Option) (*Tracker, error) {
	if len(ids) == 0 {
		return nil, domain.ErrNoCredentials
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = DefaultRateLimitCooldown
	}
	if cfg.ErrorCooldown <= 0 {
		cfg.ErrorCooldown = DefaultErrorCooldown
	}

	t := &Tracker{
		entries: make([]*entry, 0, len(ids)),
		index:   make(map[domain.CredentialID]int, len(ids)),
		cfg:     cfg,
		now:     time.Now,
		intn:    rand.Intn,
		log:     slog.Default().With("component", "credential-tracker"),
	}

	for _, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("empty credential id: %w", domain.ErrNoCredentials)
		}
		if _, ok := t.index[id]; ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateCredential, id)
		}
		t.index[id] = len(t.entries)
		t.entries = append(t.entries, &entry{
			id:        id,
			state:     domain.CredentialActive,
			latencies: make([]time.Duration, 0, latencyWindow),
		})
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Size returns the number of credentials.
func (t *Tracker) Size() int {
	return len(t.entries)
}

// PickEligible promotes expired cooldowns, then returns a uniformly random
// Active credential not present in excluding.
func (t *Tracker) PickEligible(excluding map[domain.CredentialID]struct{}) (domain.CredentialID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	candidates := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		t.recoverLocked(e, now)
		if e.state != domain.CredentialActive {
			continue
		}
		if _, skip := excluding[e.id]; skip {
			continue
		}
		candidates = append(candidates, e)
	}

	if len(candidates) == 0 {
		return "", false
	}

	return candidates[t.intn(len(candidates))].id, true
}

// MarkSuccess records a successful call.
func (t *Tracker) MarkSuccess(id domain.CredentialID, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.lookupLocked(id)
	if !ok {
		return
	}

	if e.state != domain.CredentialActive {
		t.log.Info("Credential recovered", "credential", id, "from", e.state)
	}
	e.state = domain.CredentialActive
	e.cooldownUntil = time.Time{}
	e.successes++

	e.latencies = append(e.latencies, latency)
	if len(e.latencies) > latencyWindow {
		e.latencies = e.latencies[1:]
	}
}

// MarkFailure records a failed call and applies the matching cooldown.
func (t *Tracker) MarkFailure(id domain.CredentialID, kind domain.FailureKind, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.lookupLocked(id)
	if !ok {
		return
	}

	now := t.now()
	e.failures++
	e.lastFailure = message

	switch kind {
	case domain.FailureRateLimited:
		e.state = domain.CredentialRateLimited
		e.cooldownUntil = now.Add(t.cfg.RateLimitCooldown)
	case domain.FailureQuotaExceeded:
		e.state = domain.CredentialQuotaExceeded
		e.cooldownUntil = time.Time{}
	default:
		e.state = domain.CredentialError
		e.cooldownUntil = now.Add(t.cfg.ErrorCooldown)
	}

	t.log.Warn("Credential marked unhealthy",
		"credential", id,
		"state", e.state,
		"kind", kind,
		"cooldownUntil", e.cooldownUntil,
	)
}

// ResetAll forces every credential back to Active. Calling it repeatedly is harmless.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		e.state = domain.CredentialActive
		e.cooldownUntil = time.Time{}
	}
	t.log.Info("All credentials reset", "count", len(t.entries))
}

// Snapshot returns the state of every credential in construction order.
func (t *Tracker) Snapshot() []domain.CredentialStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]domain.CredentialStatus, 0, len(t.entries))
	for _, e := range t.entries {
		t.recoverLocked(e, now)

		st := domain.CredentialStatus{
			ID:          e.id,
			State:       e.state,
			Successes:   e.successes,
			Failures:    e.failures,
			LastFailure: e.lastFailure,
		}
		if e.state.Recovers() {
			st.CooldownUntil = e.cooldownUntil
			st.CooldownRemaining = e.cooldownUntil.Sub(now)
		}
		if len(e.latencies) > 0 {
			var total time.Duration
			for _, l := range e.latencies {
				total += l
			}
			st.AverageLatency = total / time.Duration(len(e.latencies))
		}
		out = append(out, st)
	}

	return out
}

func (t *Tracker) lookupLocked(id domain.CredentialID) (*entry, bool) {
	i, ok := t.index[id]
	if !ok {
		t.log.Warn("Unknown credential", "credential", id)
		return nil, false
	}
	return t.entries[i], true
}

// recoverLocked promotes a cooled-down credential. QuotaExceeded never recovers here.
func (t *Tracker) recoverLocked(e *entry, now time.Time) {
	if !e.state.Recovers() {
		return
	}
	if now.Before(e.cooldownUntil) {
		return
	}
	t.log.Debug("Credential cooldown elapsed", "credential", e.id, "from", e.state)
	e.state = domain.CredentialActive
	e.cooldownUntil = time.Time{}
}
