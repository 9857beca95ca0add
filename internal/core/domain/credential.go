package domain

import "time"

// CredentialID identifies one upstream access key inside a pool.
// It is a stable name, never the secret itself.
type CredentialID string

// CredentialState is the health state of a credential.
type CredentialState string

const (
	CredentialActive        CredentialState = "active"
	CredentialRateLimited   CredentialState = "rate_limited"
	CredentialQuotaExceeded CredentialState = "quota_exceeded"
	CredentialError         CredentialState = "error"
)

// Recovers reports whether the state clears on its own once the cooldown passes.
func (s CredentialState) Recovers() bool {
	return s == CredentialRateLimited || s == CredentialError
}

// CredentialStatus is a read-only snapshot of one credential.
type CredentialStatus struct {
	ID                CredentialID    `json:"id"`
	State             CredentialState `json:"state"`
	CooldownUntil     time.Time       `json:"cooldown_until,omitempty"`
	CooldownRemaining time.Duration   `json:"cooldown_remaining"`
	Successes         int             `json:"successes"`
	Failures          int             `json:"failures"`
	LastFailure       string          `json:"last_failure,omitempty"`
	AverageLatency    time.Duration   `json:"average_latency"`
}

// PoolStatus is an observability snapshot of a whole pool.
type PoolStatus struct {
	Credentials []CredentialStatus `json:"credentials"`
	QueueDepth  int                `json:"queue_depth"`
	InFlight    int                `json:"in_flight"`
	Completed   int64              `json:"completed"`
	Failed      int64              `json:"failed"`
	TimedOut    int64              `json:"timed_out"`
	AvgLatency  time.Duration      `json:"avg_latency"`
	Workers     int                `json:"workers"`
	Running     bool               `json:"running"`
}

// ActiveCount returns how many credentials are currently Active.
func (s PoolStatus) ActiveCount() int {
	n := 0
	for _, c := range s.Credentials {
		if c.State == CredentialActive {
			n++
		}
	}
	return n
}
