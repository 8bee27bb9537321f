package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/t77yq/animus/internal/events"
	"github.com/t77yq/animus/internal/orchestrator"
)

// StatsSource exposes orchestrator counters
type StatsSource interface {
	Stats() orchestrator.Stats
}

// Snapshot is one metrics sample
type Snapshot struct {
	Timestamp   time.Time          `json:"timestamp"`
	CPUUsage    float64            `json:"cpu_usage"`
	MemoryUsage float64            `json:"memory_usage"`
	ProcessRSS  uint64             `json:"process_rss"`
	Tasks       orchestrator.Stats `json:"tasks"`
}

// MetricsCollector samples host and orchestrator metrics on an interval and
// publishes them to the metrics subject
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	source   StatsSource
	interval time.Duration
	proc     *process.Process

	mu     sync.RWMutex
	latest *Snapshot
	stop   chan struct{}
	once   sync.Once
}

// NewMetricsCollector creates a collector. js may be nil to keep samples local.
func NewMetricsCollector(js nats.JetStreamContext, source StatsSource, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	c := &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		source:   source,
		interval: interval,
		stop:     make(chan struct{}),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		c.logger.Warn("Process metrics unavailable", zap.Error(err))
	} else {
		c.proc = proc
	}
	return c
}

// Start runs the collection loop until ctx is done or Stop is called
func (c *MetricsCollector) Start(ctx context.Context) error {
	if c.interval <= 0 {
		return fmt.Errorf("invalid metrics interval: %s", c.interval)
	}

	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))
	go c.collectLoop(ctx)
	return nil
}

// Stop stops the collection loop
func (c *MetricsCollector) Stop() {
	c.once.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if _, err := c.Collect(ctx); err != nil {
				c.logger.Error("Failed to collect metrics", zap.Error(err))
			}
		}
	}
}

// Collect takes one sample, stores it as the latest and publishes it
func (c *MetricsCollector) Collect(ctx context.Context) (*Snapshot, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get CPU usage: %w", err)
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory usage: %w", err)
	}

	snapshot := &Snapshot{
		Timestamp:   time.Now(),
		MemoryUsage: memInfo.UsedPercent,
	}
	if len(cpuPercent) > 0 {
		snapshot.CPUUsage = cpuPercent[0]
	}
	if c.proc != nil {
		if info, err := c.proc.MemoryInfoWithContext(ctx); err == nil {
			snapshot.ProcessRSS = info.RSS
		}
	}
	if c.source != nil {
		snapshot.Tasks = c.source.Stats()
	}

	c.mu.Lock()
	c.latest = snapshot
	c.mu.Unlock()

	if c.js != nil {
		data, err := json.Marshal(snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metrics: %w", err)
		}
		if _, err := c.js.Publish(events.MetricsSubject, data, nats.Context(ctx)); err != nil {
			return nil, fmt.Errorf("failed to publish metrics: %w", err)
		}
	}

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", snapshot.CPUUsage),
		zap.Float64("memory_usage", snapshot.MemoryUsage),
		zap.Int64("tasks_in_flight", snapshot.Tasks.InFlight))
	return snapshot, nil
}

// Latest returns the most recent sample
func (c *MetricsCollector) Latest() (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest, c.latest != nil
}
