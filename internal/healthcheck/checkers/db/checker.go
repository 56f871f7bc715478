// Package dbchecker reports database reachability.
package dbchecker

import (
	"context"
	"log/slog"
	"time"

	"github.com/memohai/memoh-gateway/internal/healthcheck"
)

const (
	checkTypeDatabase = "storage.database"
	pingTimeout       = 2 * time.Second
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Checker pings the database backing the pairing and conversation stores.
type Checker struct {
	logger  *slog.Logger
	db      Pinger
	dialect string
}

// NewChecker creates a database health checker.
func NewChecker(log *slog.Logger, db Pinger, dialect string) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:  log.With(slog.String("checker", "healthcheck_db")),
		db:      db,
		dialect: dialect,
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	item := healthcheck.CheckResult{
		ID:       checkTypeDatabase,
		Type:     checkTypeDatabase,
		Subtitle: c.dialect,
		Status:   healthcheck.StatusOK,
		Summary:  "Database is reachable.",
	}
	if c.db == nil {
		item.Status = healthcheck.StatusUnknown
		item.Summary = "Database is not configured."
		return []healthcheck.CheckResult{item}
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	start := time.Now()
	if err := c.db.PingContext(pingCtx); err != nil {
		c.logger.Warn("database ping failed", slog.Any("error", err))
		item.Status = healthcheck.StatusError
		item.Summary = "Database is unreachable."
		item.Detail = err.Error()
		return []healthcheck.CheckResult{item}
	}
	item.Metadata = map[string]any{"latency_ms": time.Since(start).Milliseconds()}
	return []healthcheck.CheckResult{item}
}
