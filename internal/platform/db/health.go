package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthPingTimeout = 5 * time.Second

// PoolStats is the connection-pool snapshot reported by the health
// endpoint.
type PoolStats struct {
	TotalConns       int32  `json:"total_conns"`
	IdleConns        int32  `json:"idle_conns"`
	AcquiredConns    int32  `json:"acquired_conns"`
	MaxConns         int32  `json:"max_conns"`
	AcquireCount     int64  `json:"acquire_count"`
	EmptyAcquireWait int64  `json:"empty_acquire_count"`
	AcquireDuration  string `json:"acquire_duration"`
	Healthy          bool   `json:"healthy"`
}

// HealthStatus is the body of /health/db responses.
type HealthStatus struct {
	Service string     `json:"service"`
	Status  string     `json:"status"`
	Error   string     `json:"error,omitempty"`
	Pool    *PoolStats `json:"pool"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:       stat.TotalConns(),
		IdleConns:        stat.IdleConns(),
		AcquiredConns:    stat.AcquiredConns(),
		MaxConns:         stat.MaxConns(),
		AcquireCount:     stat.AcquireCount(),
		EmptyAcquireWait: stat.EmptyAcquireCount(),
		AcquireDuration:  stat.AcquireDuration().String(),
		Healthy:          stat.TotalConns() > 0,
	}
}

// HealthHandler serves the database health check. A failed ping reports
// 503 with the pool snapshot so operators can tell exhaustion from an
// unreachable database.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthPingTimeout)
		defer cancel()

		err := pool.Ping(ctx)
		stats := GetPoolStats(pool)

		if err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, HealthStatus{
				Service: "mpi",
				Status:  "unhealthy",
				Error:   err.Error(),
				Pool:    stats,
			})
		}

		return c.JSON(http.StatusOK, HealthStatus{
			Service: "mpi",
			Status:  "healthy",
			Pool:    stats,
		})
	}
}
