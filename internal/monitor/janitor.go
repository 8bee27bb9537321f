package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/animus/internal/storage"
)

const cleanupTimeout = time.Minute

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// HistoryJanitor deletes execution records older than the retention period
// on a cron schedule (six fields, seconds first)
type HistoryJanitor struct {
	logger    *zap.Logger
	history   storage.History
	retention time.Duration
	cron      *cron.Cron
	now       func() time.Time
}

// NewHistoryJanitor validates schedule and prepares the janitor; call Start to run it
func NewHistoryJanitor(history storage.History, retention time.Duration, schedule string, logger *zap.Logger) (*HistoryJanitor, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("invalid history retention: %s", retention)
	}

	logger = logger.Named("history-janitor")
	j := &HistoryJanitor{
		logger:    logger,
		history:   history,
		retention: retention,
		now:       time.Now,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(&cronLogger{logger: logger})),
		),
	}

	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins running the schedule in the background
func (j *HistoryJanitor) Start() {
	j.logger.Info("Starting history janitor", zap.Duration("retention", j.retention))
	j.cron.Start()
}

// Stop halts the schedule and waits for a running cleanup
func (j *HistoryJanitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("History janitor stopped")
}

// RunOnce deletes every record that started before now minus the retention
func (j *HistoryJanitor) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retention)
	deleted, err := j.history.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up history: %w", err)
	}
	return deleted, nil
}

func (j *HistoryJanitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error("Scheduled cleanup failed", zap.Error(err))
	}
}
