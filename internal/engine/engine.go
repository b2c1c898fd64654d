// Package engine is the surface the application layer calls. It ties the
// version store, diffing, live-state retrieval and deployment together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/ruleledger/internal/clock"
	"grimm.is/ruleledger/internal/deploy"
	"grimm.is/ruleledger/internal/diff"
	"grimm.is/ruleledger/internal/events"
	"grimm.is/ruleledger/internal/health"
	"grimm.is/ruleledger/internal/livestate"
	"grimm.is/ruleledger/internal/logging"
	"grimm.is/ruleledger/internal/metrics"
	"grimm.is/ruleledger/internal/remote"
	"grimm.is/ruleledger/internal/retry"
	"grimm.is/ruleledger/internal/rules"
	"grimm.is/ruleledger/internal/scheduler"
	"grimm.is/ruleledger/internal/store"
)

// ErrClosed is returned by Apply after Close.
var ErrClosed = errors.New("engine is closed")

// Config configures a Service.
type Config struct {
	Deploy deploy.Config
	// ConflictRetries is how many times CreateVersion resubmits after
	// losing the version-number race. Zero surfaces the first conflict.
	ConflictRetries int
	Fetcher         []livestate.FetcherOption

	Logger   *logging.Logger
	Clock    clock.Clock
	Observer deploy.Observer
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Deploy:          deploy.DefaultConfig(),
		ConflictRetries: 3,
	}
}

// Ack acknowledges an accepted apply. Per-host outcomes are recorded as
// deployment rows of VersionID.
type Ack struct {
	RequestID string   `json:"request_id"`
	VersionID int64    `json:"version_id"`
	Hosts     []string `json:"hosts"`
}

// Service exposes the ledger operations.
type Service struct {
	store    *store.Store
	deployer *deploy.Orchestrator
	fetcher  *livestate.Fetcher
	metrics  *metrics.Registry
	logger   *logging.Logger
	rootLog  *logging.Logger
	retry    retry.Policy
	newID    func() string
	clock    clock.Clock

	collector *metrics.Collector
	health    *health.Checker
	hub       *events.Hub
	sched     *scheduler.Scheduler

	driftLimit int
	driftMu    sync.Mutex
	lastSweep  *DriftSweep

	// closers run on Close after in-flight applies finish.
	closers []func() error

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// New creates a Service over an open store and an execution channel. The
// caller keeps ownership of st.
func New(st *store.Store, exec remote.Executor, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	c := cfg.Clock
	if c == nil {
		c = clock.RealClock{}
	}

	hub := events.NewHub(c)
	observer := cfg.Observer
	opts := []deploy.Option{
		deploy.WithLogger(logger),
		deploy.WithClock(c),
		deploy.WithObserver(deploy.ObserverFunc(func(d store.Deployment) {
			hub.Publish(events.Event{
				Type:   events.EventDeploymentChanged,
				Source: "deploy",
				Data: events.DeploymentData{
					DeploymentID: d.ID,
					VersionID:    d.VersionID,
					Host:         d.Host,
					Status:       string(d.Status),
				},
			})
			if observer != nil {
				observer.OnTransition(d)
			}
		})),
	}

	policy := retry.DefaultPolicy()
	policy.Attempts = max(cfg.ConflictRetries, 0) + 1
	policy.On = retry.OnErrors(store.ErrConflict)

	s := &Service{
		store:    st,
		deployer: deploy.New(st, exec, cfg.Deploy, opts...),
		fetcher:  livestate.NewFetcher(exec, append([]livestate.FetcherOption{livestate.WithLogger(logger)}, cfg.Fetcher...)...),
		metrics:  metrics.Get(),
		logger:   logger.WithComponent("engine"),
		rootLog:  logger,
		retry:    policy,
		newID:    uuid.NewString,
		clock:    c,
		health:   health.NewChecker(c, 5*time.Second),
		hub:      hub,

		driftLimit: max(cfg.Deploy.Concurrency, 1),
	}
	s.health.Register("store", health.StoreCheck(st))
	s.health.Register("deployments", health.HostFailures(s.latestByHost))
	return s
}

// CreateVersion parses, normalizes and stores a policy document as the
// next version of its policy. Validation and parse errors leave nothing
// behind. A lost version-number race is resubmitted up to ConflictRetries
// times before store.ErrConflict is returned.
func (s *Service) CreateVersion(ctx context.Context, text string) (store.SaveResult, error) {
	res, err := retry.DoValue(ctx, s.retry, func(ctx context.Context) (store.SaveResult, error) {
		res, err := s.store.SaveVersion(ctx, text)
		if errors.Is(err, store.ErrConflict) {
			s.metrics.VersionConflicts.Inc()
		}
		return res, err
	})
	if err != nil {
		return store.SaveResult{}, err
	}
	s.metrics.VersionsCreated.Inc()
	s.hub.Publish(events.Event{
		Type:   events.EventVersionCreated,
		Source: "store",
		Data:   events.VersionData{PolicyID: res.PolicyID, VersionID: res.VersionID, Version: res.Version},
	})
	return res, nil
}

// VersionHeader returns a version's metadata.
func (s *Service) VersionHeader(ctx context.Context, versionID int64) (*store.VersionHeader, error) {
	return s.store.GetVersionHeader(ctx, versionID)
}

// Rules returns a version's canonical rules in evaluation order.
func (s *Service) Rules(ctx context.Context, versionID int64) ([]rules.Rule, error) {
	return s.store.GetRules(ctx, versionID)
}

// Diff compares two stored versions.
func (s *Service) Diff(ctx context.Context, baseID, newID int64) (*diff.Result, error) {
	res, err := diff.Versions(ctx, s.store, baseID, newID)
	if err != nil {
		return nil, err
	}
	s.metrics.Diffs.Inc()
	return res, nil
}

// LatestVersion returns the newest version of a policy, or of any policy
// when name is empty.
func (s *Service) LatestVersion(ctx context.Context, policyName string) (*store.VersionHeader, error) {
	return s.store.LatestVersion(ctx, policyName)
}

// ListVersions returns every version of a named policy, oldest first.
func (s *Service) ListVersions(ctx context.Context, policyName string) ([]store.VersionHeader, error) {
	p, err := s.store.GetPolicy(ctx, policyName)
	if err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, p.ID)
}

// Deployment returns one deployment row.
func (s *Service) Deployment(ctx context.Context, id int64) (*store.Deployment, error) {
	return s.store.GetDeployment(ctx, id)
}

// ListDeployments returns the deployment rows of a version, or all rows
// when versionID is 0.
func (s *Service) ListDeployments(ctx context.Context, versionID int64) ([]store.Deployment, error) {
	return s.store.ListDeployments(ctx, versionID)
}

// Render returns the enforcement procedure a version would be applied with.
func (s *Service) Render(ctx context.Context, versionID int64, defaults deploy.Defaults) (*deploy.Procedure, error) {
	return s.deployer.Render(ctx, versionID, defaults)
}

// LiveState fetches and parses the ruleset a host currently enforces.
func (s *Service) LiveState(ctx context.Context, host string) (*livestate.Result, error) {
	res, err := s.fetcher.Fetch(ctx, host)
	if err != nil {
		return nil, err
	}
	s.hub.Publish(events.Event{
		Type:   events.EventLiveStateRetrieved,
		Source: "livestate",
		Data: events.LiveStateData{
			Host:     host,
			Table:    res.Table,
			Policies: len(res.Policies),
			Rules:    len(res.Rules),
			Skipped:  res.Skipped,
		},
	})
	return res, nil
}

// Subscribe returns a channel of ledger events of the given types, or of
// all types when none are given. Events are dropped when the buffer is
// full.
func (s *Service) Subscribe(bufSize int, types ...events.EventType) <-chan events.Event {
	return s.hub.Subscribe(bufSize, types...)
}

// Unsubscribe stops delivery to ch.
func (s *Service) Unsubscribe(ch <-chan events.Event) {
	s.hub.Unsubscribe(ch)
}

// Apply validates that the version exists and starts applying it to hosts
// in the background. The returned Ack carries the request id that the
// apply's log lines are tagged with; per-host outcomes are only observable
// through ListDeployments.
func (s *Service) Apply(ctx context.Context, versionID int64, hosts []string, defaults deploy.Defaults) (*Ack, error) {
	if _, err := s.store.GetVersionHeader(ctx, versionID); err != nil {
		return nil, err
	}
	req := deploy.Request{
		VersionID: versionID,
		Hosts:     cleanHosts(hosts),
		Defaults:  defaults,
		RequestID: s.newID(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		if _, err := s.deployer.Apply(context.WithoutCancel(ctx), req); err != nil {
			s.logger.Error("apply failed", "request_id", req.RequestID, "version_id", versionID, "error", err)
		}
	}()

	s.logger.Info("apply accepted", "request_id", req.RequestID, "version_id", versionID, "hosts", len(req.Hosts))
	return &Ack{RequestID: req.RequestID, VersionID: versionID, Hosts: req.Hosts}, nil
}

// ApplyWait applies a version and waits for every host to finish.
func (s *Service) ApplyWait(ctx context.Context, versionID int64, hosts []string, defaults deploy.Defaults) (*deploy.Report, error) {
	return s.deployer.Apply(ctx, deploy.Request{
		VersionID: versionID,
		Hosts:     cleanHosts(hosts),
		Defaults:  defaults,
		RequestID: s.newID(),
	})
}

// Wait blocks until every background apply has finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// Close stops accepting applies, waits for in-flight ones and releases
// resources acquired by Open.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.inflight.Wait()

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	return nil
}

// cleanHosts trims hosts and drops blanks and repeats, keeping order.
func cleanHosts(hosts []string) []string {
	seen := make(map[string]bool, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}
