package metrics

import (
	"context"
	"time"

	"github.com/chaserhq/chaser/logger"
)

// EngineStats holds aggregate follow-up statistics returned by the database
type EngineStats struct {
	FollowupsByState map[string]int64
	DueNow           int64
}

// StatsProvider is an interface for retrieving follow-up statistics
type StatsProvider interface {
	GetEngineStats(ctx context.Context) (*EngineStats, error)
}

// JournalStatsProvider is an interface for send journal statistics
type JournalStatsProvider interface {
	Stats() (inflight, accepted, failed int64, err error)
}

// Collector periodically refreshes gauges that are backed by the database
// and the send journal rather than incremented inline.
type Collector struct {
	provider        StatsProvider
	journalProvider JournalStatsProvider
	interval        time.Duration
	stopCh          chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second // Default to 60 seconds
	}

	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// NewCollectorWithJournal creates a new metrics collector that also reports
// send journal depth
func NewCollectorWithJournal(provider StatsProvider, journalProvider JournalStatsProvider, interval time.Duration) *Collector {
	c := NewCollector(provider, interval)
	c.journalProvider = journalProvider
	return c
}

// Start begins the metrics collection loop
func (c *Collector) Start(ctx context.Context) {
	// Collect immediately on start
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

// collect retrieves and updates all metrics
func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.GetEngineStats(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting follow-up stats", "error", err)
		return
	}

	for state, count := range stats.FollowupsByState {
		FollowupsByState.WithLabelValues(state).Set(float64(count))
	}
	FollowupsDue.Set(float64(stats.DueNow))

	logger.Debug("MetricsCollector: updated follow-up gauges",
		"by_state", stats.FollowupsByState, "due", stats.DueNow)

	if c.journalProvider != nil {
		inflight, accepted, failed, err := c.journalProvider.Stats()
		if err != nil {
			logger.Error("MetricsCollector: error collecting journal stats", "error", err)
			return
		}
		JournalDepth.WithLabelValues("inflight").Set(float64(inflight))
		JournalDepth.WithLabelValues("accepted").Set(float64(accepted))
		JournalDepth.WithLabelValues("failed").Set(float64(failed))
	}
}
