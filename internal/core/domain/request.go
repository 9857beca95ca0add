package domain

import "time"

// RequestID identifies a submitted request for the lifetime of the process.
type RequestID string

// RequestState is the lifecycle state of a queued request.
type RequestState string

const (
	RequestPending    RequestState = "pending"
	RequestProcessing RequestState = "processing"
	RequestCompleted  RequestState = "completed"
	RequestFailed     RequestState = "failed"
	RequestTimedOut   RequestState = "timed_out"
)

// IsTerminal reports whether no further transition can leave this state.
func (s RequestState) IsTerminal() bool {
	switch s {
	case RequestCompleted, RequestFailed, RequestTimedOut:
		return true
	default:
		return false
	}
}

// Payload is what a caller hands to the pool. Body is passed to the upstream
// untouched; Operation and Tags only feed logs and metrics.
type Payload struct {
	Operation string            `json:"operation"`
	Body      any               `json:"body,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Request is a payload tracked through the admission queue.
type Request struct {
	ID        RequestID
	Payload   Payload
	State     RequestState
	Response  any
	Failure   *Failure
	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
}

// Result converts the request into the value handed back to callers.
func (r Request) Result() Result {
	res := Result{
		RequestID: r.ID,
		State:     r.State,
		Value:     r.Response,
		Failure:   r.Failure,
	}
	if !r.StartedAt.IsZero() && !r.EndedAt.IsZero() {
		res.Latency = r.EndedAt.Sub(r.StartedAt)
	}
	return res
}

// Result is the outcome of one request. Value and Failure are mutually exclusive.
type Result struct {
	RequestID RequestID     `json:"request_id"`
	State     RequestState  `json:"state"`
	Value     any           `json:"value,omitempty"`
	Failure   *Failure      `json:"failure,omitempty"`
	Latency   time.Duration `json:"latency"`
}

// OK reports whether the request completed successfully.
func (r Result) OK() bool {
	return r.State == RequestCompleted && r.Failure == nil
}
