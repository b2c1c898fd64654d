package engine

import (
	"context"
	"fmt"

	"grimm.is/ruleledger/internal/config"
	"grimm.is/ruleledger/internal/health"
	"grimm.is/ruleledger/internal/logging"
	"grimm.is/ruleledger/internal/metrics"
	"grimm.is/ruleledger/internal/remote"
	"grimm.is/ruleledger/internal/store"
)

// Open builds a Service from a loaded configuration: it opens the store,
// sets up the SSH channel, starts the deployment gauge collector and, when
// enabled, schedules drift checks. Close releases all of them. A nil
// logger is built from the logging block.
func Open(cfg *config.Config, logger *logging.Logger) (*Service, error) {
	if logger == nil {
		logger = logging.New(cfg.LoggerConfig())
	}

	sopts := cfg.StoreOptions()
	sopts.Logger = logger
	st, err := store.Open(sopts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	exec, err := remote.NewSSHExecutor(cfg.SSHConfig(), logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("set up remote execution: %w", err)
	}

	s := New(st, exec, Config{
		Deploy:          cfg.OrchestratorConfig(),
		ConflictRetries: cfg.ConflictRetries(),
		Fetcher:         cfg.FetcherOptions(),
		Logger:          logger,
	})

	collector := metrics.NewCollector(st, logger, cfg.CollectInterval())
	collector.Collect()
	go collector.Start()

	s.closers = append(s.closers, st.Close, func() error {
		collector.Stop()
		return nil
	})
	s.collector = collector
	s.health.Register("collector", health.FreshnessCheck(s.clock, collector.LastUpdate, 3*cfg.CollectInterval()))

	if sched, timeout, ok := cfg.DriftSchedule(); ok {
		if err := s.startDriftWatch(sched, timeout); err != nil {
			s.Close()
			return nil, fmt.Errorf("schedule drift checks: %w", err)
		}
	}
	return s, nil
}

// Health runs the registered component checks.
func (s *Service) Health(ctx context.Context) health.Report {
	return s.health.Check(ctx)
}

func (s *Service) latestByHost() map[string]store.Status {
	hosts := s.Stats().Hosts
	out := make(map[string]store.Status, len(hosts))
	for h, st := range hosts {
		out[h] = st.Status
	}
	return out
}

// Stats returns the latest deployment snapshot gathered by the collector
// started by Open. Services built with New collect on demand.
func (s *Service) Stats() metrics.DeploymentStats {
	if s.collector == nil {
		c := metrics.NewCollector(s.store, s.logger, 0)
		c.Collect()
		return c.Stats()
	}
	return s.collector.Stats()
}
