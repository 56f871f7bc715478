package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJanitorSpec prunes expired requests every ten minutes.
const DefaultJanitorSpec = "@every 10m"

// Janitor periodically removes expired pairing requests.
type Janitor struct {
	logger *slog.Logger
	store  *Store
	cron   *cron.Cron
}

// NewJanitor schedules store pruning on spec (standard cron syntax or @every).
func NewJanitor(log *slog.Logger, store *Store, spec string) (*Janitor, error) {
	if log == nil {
		log = slog.Default()
	}
	if spec == "" {
		spec = DefaultJanitorSpec
	}
	j := &Janitor{
		logger: log.With(slog.String("component", "pairing_janitor")),
		store:  store,
	}
	j.cron = cron.New(cron.WithLogger(cronLogger{log: j.logger}), cron.WithChain(cron.Recover(cronLogger{log: j.logger})))
	if _, err := j.cron.AddFunc(spec, j.RunOnce); err != nil {
		return nil, fmt.Errorf("schedule pairing janitor %q: %w", spec, err)
	}
	return j, nil
}

// RunOnce prunes expired requests immediately.
func (j *Janitor) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := j.store.PruneExpired(ctx)
	if err != nil {
		j.logger.Warn("prune pairing requests failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		j.logger.Info("pruned expired pairing requests", slog.Int64("count", n))
	}
}

// Start runs the schedule in the background.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running prune to finish.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}
