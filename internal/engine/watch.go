package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/ruleledger/internal/events"
	"grimm.is/ruleledger/internal/health"
	"grimm.is/ruleledger/internal/scheduler"
	"grimm.is/ruleledger/internal/store"
)

// DriftTaskID identifies the background drift check.
const DriftTaskID = "drift-check"

// DriftSweep is the outcome of checking every deployed host.
type DriftSweep struct {
	CheckedAt time.Time `json:"checked_at"`
	// Hosts holds one comparison per host that could be checked, ordered
	// by host.
	Hosts []*Drift `json:"hosts"`
	// Errors maps a host to why it could not be checked.
	Errors map[string]string `json:"errors,omitempty"`
}

// Drifted returns the hosts that no longer enforce their deployed version.
func (sw *DriftSweep) Drifted() []string {
	var out []string
	for _, d := range sw.Hosts {
		if !d.InSync() {
			out = append(out, d.Host)
		}
	}
	return out
}

// CheckDrift compares every host whose latest deployment succeeded against
// the version it received. A host that cannot be reached is reported in
// Errors without failing the sweep.
func (s *Service) CheckDrift(ctx context.Context) (*DriftSweep, error) {
	targets, err := s.deployedVersions(ctx)
	if err != nil {
		return nil, err
	}

	hosts := make([]string, 0, len(targets))
	for h := range targets {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	sweep := &DriftSweep{CheckedAt: s.clock.Now(), Errors: map[string]string{}}
	results := make([]*Drift, len(hosts))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(s.driftLimit)
	for i, host := range hosts {
		g.Go(func() error {
			d, err := s.Drift(ctx, targets[host], host)
			if err != nil {
				s.metrics.RecordDriftCheck("error")
				s.logger.Warn("drift check failed", "host", host, "version_id", targets[host], "error", err)
				mu.Lock()
				sweep.Errors[host] = err.Error()
				mu.Unlock()
				return nil
			}
			results[i] = d
			if d.InSync() {
				s.metrics.RecordDriftCheck("in_sync")
				return nil
			}
			s.metrics.RecordDriftCheck("drifted")
			s.logger.Warn("host drifted from deployed version",
				"host", host,
				"version_id", d.VersionID,
				"missing", len(d.Missing),
				"lingering", len(d.Lingering),
				"unexpected", len(d.Unexpected))
			s.hub.Publish(events.Event{
				Type:   events.EventDriftDetected,
				Source: "drift",
				Data: events.DriftData{
					Host:       host,
					VersionID:  d.VersionID,
					Missing:    len(d.Missing),
					Lingering:  len(d.Lingering),
					Unexpected: len(d.Unexpected),
				},
			})
			return nil
		})
	}
	g.Wait()

	for _, d := range results {
		if d != nil {
			sweep.Hosts = append(sweep.Hosts, d)
		}
	}
	s.metrics.DriftedHosts.Set(float64(len(sweep.Drifted())))

	s.driftMu.Lock()
	s.lastSweep = sweep
	s.driftMu.Unlock()
	return sweep, nil
}

// LastDriftSweep returns the result of the most recent CheckDrift, or nil.
func (s *Service) LastDriftSweep() *DriftSweep {
	s.driftMu.Lock()
	defer s.driftMu.Unlock()
	return s.lastSweep
}

// ScheduledTasks reports the background tasks started by Open.
func (s *Service) ScheduledTasks() []scheduler.TaskStatus {
	if s.sched == nil {
		return nil
	}
	return s.sched.Status()
}

func (s *Service) driftedHosts() []string {
	if sw := s.LastDriftSweep(); sw != nil {
		return sw.Drifted()
	}
	return nil
}

// deployedVersions maps each host whose latest deployment succeeded to the
// version it received.
func (s *Service) deployedVersions(ctx context.Context) (map[string]int64, error) {
	rows, err := s.store.ListDeployments(ctx, 0)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]store.Deployment, len(rows))
	for _, d := range rows {
		latest[d.Host] = d
	}
	out := make(map[string]int64, len(latest))
	for host, d := range latest {
		if d.Status == store.StatusSuccess {
			out[host] = d.VersionID
		}
	}
	return out, nil
}

// startDriftWatch schedules CheckDrift and stops it on Close.
func (s *Service) startDriftWatch(sched scheduler.Schedule, timeout time.Duration) error {
	w := scheduler.New(s.rootLog, scheduler.WithClock(s.clock))
	err := w.AddTask(scheduler.Task{
		ID:       DriftTaskID,
		Name:     "drift check",
		Schedule: sched,
		Enabled:  true,
		Timeout:  timeout,
		Func: func(ctx context.Context) error {
			_, err := s.CheckDrift(ctx)
			return err
		},
	})
	if err != nil {
		return err
	}
	w.Start()

	s.sched = w
	s.closers = append(s.closers, func() error {
		w.Stop()
		return nil
	})
	s.health.Register("drift", health.DriftedHosts(s.driftedHosts))
	return nil
}
