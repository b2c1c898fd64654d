package metrics

import (
	"context"
	"sync"
	"time"

	"grimm.is/ruleledger/internal/clock"
	"grimm.is/ruleledger/internal/logging"
	"grimm.is/ruleledger/internal/store"
)

// DeploymentSource lists deployment rows. A versionID of 0 lists all rows.
type DeploymentSource interface {
	ListDeployments(ctx context.Context, versionID int64) ([]store.Deployment, error)
}

// HostStatus is the most recent deployment outcome seen for a host.
type HostStatus struct {
	Host      string       `json:"host"`
	VersionID int64        `json:"version_id"`
	Status    store.Status `json:"status"`
	AppliedAt *time.Time   `json:"applied_at,omitempty"`
}

// DeploymentStats is a snapshot of the deployment table.
type DeploymentStats struct {
	ByStatus map[store.Status]int  `json:"by_status"`
	Hosts    map[string]HostStatus `json:"hosts"`
}

// Collector periodically summarizes the deployment table into gauges and a
// cached snapshot.
type Collector struct {
	registry *Registry
	source   DeploymentSource
	logger   *logging.Logger
	clock    clock.Clock
	interval time.Duration

	runMu   sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}

	mu         sync.RWMutex
	lastUpdate time.Time
	stats      DeploymentStats
}

// NewCollector creates a new metrics collector.
func NewCollector(source DeploymentSource, logger *logging.Logger, interval time.Duration) *Collector {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Collector{
		registry: Get(),
		source:   source,
		logger:   logger.WithComponent("metrics"),
		clock:    clock.RealClock{},
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		stats:    emptyStats(),
	}
}

func emptyStats() DeploymentStats {
	return DeploymentStats{
		ByStatus: map[store.Status]int{},
		Hosts:    map[string]HostStatus{},
	}
}

// Start runs the collection loop until Stop is called. It returns at once
// if the collector was already started or stopped.
func (c *Collector) Start() {
	c.runMu.Lock()
	if c.started || c.stopped {
		c.runMu.Unlock()
		return
	}
	c.started = true
	c.runMu.Unlock()
	defer close(c.done)

	c.logger.Info("Starting metrics collector", "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-c.stopCh:
			c.logger.Info("Stopping metrics collector")
			return
		}
	}
}

// Stop stops the collection loop and waits for a running Start, including
// a Collect in progress, to return. It is safe to call more than once.
func (c *Collector) Stop() {
	c.runMu.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.stopCh)
	}
	started := c.started
	c.runMu.Unlock()

	if started {
		<-c.done
	}
}

// Collect takes one snapshot of the deployment table.
func (c *Collector) Collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := c.source.ListDeployments(ctx, 0)
	if err != nil {
		c.logger.Warn("Failed to list deployments", "error", err)
		return
	}

	stats := emptyStats()
	for _, d := range rows {
		stats.ByStatus[d.Status]++
		// Rows come back in creation order, so the last one per host wins.
		stats.Hosts[d.Host] = HostStatus{
			Host:      d.Host,
			VersionID: d.VersionID,
			Status:    d.Status,
			AppliedAt: d.AppliedAt,
		}
	}

	for _, s := range []store.Status{store.StatusPending, store.StatusRunning, store.StatusSuccess, store.StatusFailed} {
		c.registry.DeploymentRows.WithLabelValues(string(s)).Set(float64(stats.ByStatus[s]))
	}

	c.mu.Lock()
	c.stats = stats
	c.lastUpdate = c.clock.Now()
	c.mu.Unlock()
}

// Stats returns the latest snapshot.
func (c *Collector) Stats() DeploymentStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := emptyStats()
	for k, v := range c.stats.ByStatus {
		out.ByStatus[k] = v
	}
	for k, v := range c.stats.Hosts {
		out.Hosts[k] = v
	}
	return out
}

// LastUpdate returns when the last successful collection finished.
func (c *Collector) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}
