package db

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the pool snapshot reported by /health/db.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// SchemaVersion returns the highest applied migration in schema, or 0 when
// none has been applied.
func SchemaVersion(ctx context.Context, q Querier, schema string) (int, error) {
	if err := ValidateSchema(schema); err != nil {
		return 0, err
	}
	var v int
	err := q.QueryRow(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s._migrations`, schema)).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// healthProbe is what /health/db needs from the database.
type healthProbe struct {
	ping    func(ctx context.Context) error
	version func(ctx context.Context) (int, error)
	stats   func() *PoolStats
}

// HealthHandler pings the database, reports the applied schema version and
// pool statistics, and answers 503 when the ping fails.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return healthHandler(healthProbe{
		ping: pool.Ping,
		version: func(ctx context.Context) (int, error) {
			return SchemaVersion(ctx, pool, DefaultSchema)
		},
		stats: func() *PoolStats { return GetPoolStats(pool) },
	})
}

func healthHandler(p healthProbe) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		start := time.Now()
		err := p.ping(ctx)
		latency := time.Since(start)
		stats := p.stats()

		if err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   stats,
			})
		}

		body := map[string]interface{}{
			"status":          "healthy",
			"ping_latency_ms": latency.Milliseconds(),
			"pool":            stats,
		}
		// A missing _migrations table is reported, not treated as down.
		if v, err := p.version(ctx); err != nil {
			body["schema_error"] = err.Error()
		} else {
			body["schema_version"] = v
		}
		return c.JSON(http.StatusOK, body)
	}
}
