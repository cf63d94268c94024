package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthStatus is the result of one archive health check.
type HealthStatus struct {
	Healthy       bool          `json:"healthy" yaml:"healthy"`
	Latency       time.Duration `json:"latency" yaml:"latency"`
	TotalConns    int32         `json:"total_conns" yaml:"total_conns"`
	IdleConns     int32         `json:"idle_conns" yaml:"idle_conns"`
	AcquiredConns int32         `json:"acquired_conns" yaml:"acquired_conns"`
	Error         string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Check pings the database and reports pool statistics.
func Check(ctx context.Context, pool *pgxpool.Pool) *HealthStatus {
	status := &HealthStatus{}
	if pool == nil {
		status.Error = "pool is nil"
		return status
	}

	start := time.Now()
	err := pool.Ping(ctx)
	status.Latency = time.Since(start)
	if err != nil {
		status.Error = fmt.Sprintf("ping failed: %v", err)
		return status
	}

	stats := pool.Stat()
	status.Healthy = true
	status.TotalConns = stats.TotalConns()
	status.IdleConns = stats.IdleConns()
	status.AcquiredConns = stats.AcquiredConns()
	return status
}
