// Package health exposes the pool over HTTP: health, status, metrics,
// admin actions and the generate/embed call endpoints.
package health

import (
	"github.com/vietddude/keypool/internal/core/domain"
)

// SystemStatus represents the overall health state of the pool.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Report contains the full health report.
type Report struct {
	SystemStatus SystemStatus      `json:"system_status"`
	Active       int               `json:"active_credentials"`
	Total        int               `json:"total_credentials"`
	Pool         domain.PoolStatus `json:"pool"`
}

// Evaluate derives the system status from a pool snapshot. No usable
// credential or stopped workers is critical; any credential out of rotation
// is degraded.
func Evaluate(st domain.PoolStatus) Report {
	r := Report{
		SystemStatus: StatusHealthy,
		Active:       st.ActiveCount(),
		Total:        len(st.Credentials),
		Pool:         st,
	}

	switch {
	case r.Active == 0 || !st.Running:
		r.SystemStatus = StatusCritical
	case r.Active < r.Total:
		r.SystemStatus = StatusDegraded
	}
	return r
}
