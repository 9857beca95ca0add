// Package routing drives requests across the credential pool.
//
// This package contains:
//   - ClassifyError: maps upstream errors to failure kinds
//   - Upstream: the injected call that reaches the external API
//   - Coordinator: tries up to N credentials per request with exclusion and a grace wait
package routing

import (
	"context"
	"errors"
	"strings"

	"github.com/vietddude/keypool/internal/core/domain"
)

var (
	quotaPatterns = []string{
		"insufficient_quota",
		"exceeded your current quota",
		"quota exceeded",
		"quota",
		"billing",
		"plan limit",
		"credit balance",
	}

	rateLimitPatterns = []string{
		"429",
		"too many requests",
		"rate limit",
		"rate_limit",
		"ratelimit",
		"throttl",
	}

	timeoutPatterns = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
	}
)

// ClassifyError determines the failure kind for an upstream error.
// Quota vocabulary is checked before rate-limit vocabulary because
// upstreams commonly report exhausted quota with a 429 status.
func ClassifyError(err error) domain.FailureKind {
	if err == nil {
		return domain.FailureTransient // Should not happen
	}

	var upErr *domain.UpstreamError
	if errors.As(err, &upErr) && upErr.Kind != "" {
		return upErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.FailureTimeout
	}

	msg := strings.ToLower(err.Error())

	if containsAny(msg, quotaPatterns) {
		return domain.FailureQuotaExceeded
	}
	if containsAny(msg, rateLimitPatterns) {
		return domain.FailureRateLimited
	}
	if containsAny(msg, timeoutPatterns) {
		return domain.FailureTimeout
	}

	// Network, 5xx, anything unrecognised
	return domain.FailureTransient
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
