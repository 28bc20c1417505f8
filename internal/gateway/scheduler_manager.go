package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// CronParser accepts 5- or 6-field expressions and descriptors like @daily.
var CronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// LogPruner deletes audit log rows older than cutoff.
type LogPruner interface {
	PruneLogs(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention prunes old api_logs rows on a cron schedule.
type Retention struct {
	cron    *cron.Cron
	pruner  LogPruner
	maxAge  time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewRetention schedules pruning of rows older than maxAge.
func NewRetention(schedule string, maxAge time.Duration, pruner LogPruner, logger *slog.Logger) (*Retention, error) {
	if pruner == nil {
		return nil, errors.New("pruner is required")
	}
	if maxAge <= 0 {
		return nil, errors.New("retention max age must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retention{
		pruner:  pruner,
		maxAge:  maxAge,
		timeout: time.Minute,
		now:     time.Now,
		logger:  logger.With("component", "retention"),
	}
	r.cron = cron.New(cron.WithParser(CronParser), cron.WithLogger(cronLogger{r.logger}))
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins the schedule.
func (r *Retention) Start() {
	r.cron.Start()
	r.logger.Info("log retention scheduled", "max_age", r.maxAge)
}

// Stop halts the schedule and waits for a running prune until ctx is done.
func (r *Retention) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce prunes immediately.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.maxAge)
	n, err := r.pruner.PruneLogs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	r.logger.InfoContext(ctx, "pruned api logs", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}

func (r *Retention) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error("pruning api logs failed", "error", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
