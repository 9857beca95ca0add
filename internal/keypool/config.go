package keypool

import (
	"time"

	"github.com/vietddude/keypool/internal/keypool/credential"
	"github.com/vietddude/keypool/internal/keypool/results"
	"github.com/vietddude/keypool/internal/keypool/routing"
)

// Config holds pool tuning.
type Config struct {
	// Workers is the number of queued requests processed concurrently. Must be >= 1.
	Workers int

	// AttemptTimeout bounds each upstream call on the queued path. 0 disables it.
	AttemptTimeout time.Duration

	// RequestTimeout bounds a queued request from processing start to outcome.
	// Requests hitting it end TimedOut. 0 disables it.
	RequestTimeout time.Duration

	// GraceWait is the one-off wait when every eligible credential was tried.
	GraceWait time.Duration

	RateLimitCooldown time.Duration
	ErrorCooldown     time.Duration

	// PollInterval is how often Await re-checks a request.
	PollInterval time.Duration

	// ResultRetention is how long finished requests stay retrievable. 0 keeps them forever.
	ResultRetention time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           3,
		AttemptTimeout:    routing.DefaultRetryConfig.AttemptTimeout,
		RequestTimeout:    5 * time.Minute,
		GraceWait:         routing.DefaultRetryConfig.GraceWait,
		RateLimitCooldown: credential.DefaultRateLimitCooldown,
		ErrorCooldown:     credential.DefaultErrorCooldown,
		PollInterval:      results.DefaultPollInterval,
		ResultRetention:   10 * time.Minute,
	}
}
