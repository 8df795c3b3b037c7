package metrics

import (
	"context"
	"time"

	"github.com/hangarci/hangar/pkg/store"
	"github.com/hangarci/hangar/pkg/types"
)

// Collector periodically syncs the build/worker/queue gauges from the
// repository's aggregate counters.
type Collector struct {
	store  store.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(s store.Store) *Collector {
	return &Collector{
		store:  s,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := c.store.Statistics(ctx)
	if err != nil {
		return
	}

	BuildsTotal.WithLabelValues(string(types.BuildStatusPending)).Set(float64(stats.Builds.Pending))
	BuildsTotal.WithLabelValues(string(types.BuildStatusAssigned)).Set(float64(stats.Builds.Assigned))
	BuildsTotal.WithLabelValues(string(types.BuildStatusBuilding)).Set(float64(stats.Builds.Building))
	BuildsTotal.WithLabelValues(string(types.BuildStatusCompleted)).Set(float64(stats.Builds.Completed))
	BuildsTotal.WithLabelValues(string(types.BuildStatusFailed)).Set(float64(stats.Builds.Failed))
	BuildsTotal.WithLabelValues(string(types.BuildStatusCancelled)).Set(float64(stats.Builds.Cancelled))

	WorkersTotal.WithLabelValues(string(types.WorkerStatusIdle)).Set(float64(stats.Workers.Idle))
	WorkersTotal.WithLabelValues(string(types.WorkerStatusBuilding)).Set(float64(stats.Workers.Building))
	WorkersTotal.WithLabelValues(string(types.WorkerStatusOffline)).Set(float64(stats.Workers.Offline))

	QueueDepth.Set(float64(stats.QueueDepth))
}
