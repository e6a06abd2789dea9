package db

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
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

// Check is one dependency checked by the health endpoint.
type Check struct {
	Name string
	// Optional checks are reported but do not make the service unhealthy.
	Optional bool
	Run      func(ctx context.Context) error
}

// PoolCheck pings the ledger database.
func PoolCheck(pool *pgxpool.Pool) Check {
	return Check{Name: "database", Run: pool.Ping}
}

// CheckResult is the outcome of one Check.
type CheckResult struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Optional bool   `json:"optional,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RunChecks runs every check concurrently and reports whether all required
// checks passed. Results are sorted by name.
func RunChecks(ctx context.Context, checks []Check) (bool, []CheckResult) {
	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, chk := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := CheckResult{Name: chk.Name, Optional: chk.Optional, Healthy: true}
			if err := chk.Run(ctx); err != nil {
				r.Healthy = false
				r.Error = err.Error()
			}
			results[i] = r
		}()
	}
	wg.Wait()

	healthy := true
	for _, r := range results {
		if !r.Healthy && !r.Optional {
			healthy = false
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return healthy, results
}

// HealthHandler returns a handler that runs checks with a 5 second budget.
// pool may be nil when no ledger database is configured.
func HealthHandler(pool *pgxpool.Pool, checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		healthy, results := RunChecks(ctx, checks)
		body := map[string]interface{}{
			"status": "healthy",
			"checks": results,
		}
		if pool != nil {
			body["pool"] = GetPoolStats(pool)
		}
		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
