package deploy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/ruleledger/internal/clock"
	"grimm.is/ruleledger/internal/logging"
	"grimm.is/ruleledger/internal/metrics"
	"grimm.is/ruleledger/internal/remote"
	"grimm.is/ruleledger/internal/retry"
	"grimm.is/ruleledger/internal/rules"
	"grimm.is/ruleledger/internal/store"
)

// Store is the part of the version store the orchestrator uses.
type Store interface {
	GetVersionHeader(ctx context.Context, versionID int64) (*store.VersionHeader, error)
	GetRules(ctx context.Context, versionID int64) ([]rules.Rule, error)
	CreateDeployment(ctx context.Context, versionID int64, host string) (*store.Deployment, error)
	TransitionDeployment(ctx context.Context, id int64, to store.Status, output string) (*store.Deployment, error)
}

// Observer is notified of every deployment row as it is created and after
// each status transition.
type Observer interface {
	OnTransition(d store.Deployment)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(d store.Deployment)

func (f ObserverFunc) OnTransition(d store.Deployment) { f(d) }

// Config configures the orchestrator.
type Config struct {
	// Concurrency bounds how many hosts are applied at once.
	Concurrency int
	// Timeout bounds the remote execution on one host.
	Timeout time.Duration
	// Render holds the rendering options; Render.Defaults is the fallback
	// for per-request defaults.
	Render Options
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		Timeout:     5 * time.Minute,
		Render:      DefaultOptions(),
	}
}

// Request asks for a version to be applied to hosts.
type Request struct {
	VersionID int64
	Hosts     []string
	Defaults  Defaults
	// RequestID correlates the log lines of one apply.
	RequestID string
}

// HostOutcome is the result of applying to one host.
type HostOutcome struct {
	Host         string       `json:"host"`
	DeploymentID int64        `json:"deployment_id"`
	Status       store.Status `json:"status"`
	// Err is set when the outcome could not be recorded.
	Err error `json:"-"`
}

// Report collects the per-host outcomes of one apply, in request order.
type Report struct {
	VersionID int64         `json:"version_id"`
	RequestID string        `json:"request_id,omitempty"`
	Outcomes  []HostOutcome `json:"outcomes"`
}

// Orchestrator applies versions to hosts.
type Orchestrator struct {
	store    Store
	exec     remote.Executor
	cfg      Config
	clock    clock.Clock
	logger   *logging.Logger
	observer Observer
	retry    retry.Policy

	mu    sync.Mutex
	hosts map[string]*hostLock
}

// hostLock serializes applies to one host. refs counts the holders and
// waiters; the entry is dropped when it reaches zero.
type hostLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver registers an observer of deployment transitions.
func WithObserver(o Observer) Option {
	return func(or *Orchestrator) { or.observer = o }
}

// WithClock sets the clock used for durations.
func WithClock(c clock.Clock) Option {
	return func(or *Orchestrator) { or.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(or *Orchestrator) {
		if l != nil {
			or.logger = l
		}
	}
}

// WithRetry sets the policy for recording status transitions. Only
// store.ErrConflict is retried.
func WithRetry(p retry.Policy) Option {
	return func(or *Orchestrator) { or.retry = p }
}

// New creates an Orchestrator.
func New(s Store, exec remote.Executor, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	o := &Orchestrator{
		store:  s,
		exec:   exec,
		cfg:    cfg,
		clock:  clock.RealClock{},
		logger: logging.Discard(),
		retry:  retry.DefaultPolicy(),
		hosts:  make(map[string]*hostLock),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.retry.On = retry.OnErrors(store.ErrConflict)
	o.logger = o.logger.WithComponent("deploy")
	return o
}

// Render loads a version and renders its enforcement procedure with the
// given default policies. A missing version yields store.ErrNotFound.
func (o *Orchestrator) Render(ctx context.Context, versionID int64, defaults Defaults) (*Procedure, error) {
	if _, err := o.store.GetVersionHeader(ctx, versionID); err != nil {
		return nil, err
	}
	rs, err := o.store.GetRules(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return Render(rs, o.renderOptions(defaults))
}

func (o *Orchestrator) renderOptions(defaults Defaults) Options {
	opts := o.cfg.Render
	opts.Defaults = defaults.Resolve(opts.Defaults.Resolve(DefaultDefaults))
	return opts
}

// Apply enforces a version on every host independently and waits for all
// of them. It returns an error only when the version does not exist or its
// rules cannot be loaded; everything that goes wrong on a host ends up in
// that host's deployment row as a Failed status and log text.
func (o *Orchestrator) Apply(ctx context.Context, req Request) (*Report, error) {
	if _, err := o.store.GetVersionHeader(ctx, req.VersionID); err != nil {
		return nil, err
	}
	rs, err := o.store.GetRules(ctx, req.VersionID)
	if err != nil {
		return nil, fmt.Errorf("load rules of version %d: %w", req.VersionID, err)
	}

	// Hosts addressed as "host:port" are reached on that port, so their
	// safety rule has to open it.
	opts := o.renderOptions(req.Defaults)
	procs := make(map[int]rendered)
	for _, host := range req.Hosts {
		port := managementPort(host, opts.ManagementPort)
		if _, ok := procs[port]; ok {
			continue
		}
		po := opts
		po.ManagementPort = port
		var r rendered
		if proc, err := Render(rs, po); err != nil {
			r.err = err
		} else {
			r.script = proc.Script()
		}
		procs[port] = r
	}

	logger := o.logger.WithFields(map[string]any{"version_id": req.VersionID, "request_id": req.RequestID})
	logger.Info("applying version", "hosts", len(req.Hosts))

	// Rows must reach a terminal state even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	report := &Report{VersionID: req.VersionID, RequestID: req.RequestID, Outcomes: make([]HostOutcome, len(req.Hosts))}
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Concurrency)
	for i, host := range req.Hosts {
		proc := procs[managementPort(host, opts.ManagementPort)]
		g.Go(func() error {
			report.Outcomes[i] = o.applyHost(ctx, logger, req.VersionID, host, proc.script, proc.err)
			return nil
		})
	}
	g.Wait()

	return report, nil
}

type rendered struct {
	script string
	err    error
}

// managementPort returns the port of a "host:port" address, or fallback.
func managementPort(host string, fallback int) int {
	_, p, err := net.SplitHostPort(host)
	if err != nil {
		return fallback
	}
	n, err := strconv.Atoi(p)
	if err != nil || n <= 0 || n > 65535 {
		return fallback
	}
	return n
}

// lockHost blocks until no other apply holds host and returns the release
// function.
func (o *Orchestrator) lockHost(host string) func() {
	o.mu.Lock()
	l, ok := o.hosts[host]
	if !ok {
		l = &hostLock{}
		o.hosts[host] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.hosts, host)
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) applyHost(ctx context.Context, logger *logging.Logger, versionID int64, host, script string, renderErr error) HostOutcome {
	unlock := o.lockHost(host)
	defer unlock()

	out := HostOutcome{Host: host}
	logger = logger.WithFields(map[string]any{"host": host})

	d, err := o.store.CreateDeployment(ctx, versionID, host)
	if err != nil {
		logger.Error("failed to record deployment", "error", err)
		out.Err = err
		return out
	}
	out.DeploymentID = d.ID
	out.Status = d.Status
	o.notify(d)

	running, err := o.transition(ctx, d.ID, store.StatusRunning,
		fmt.Sprintf("== start apply of version %d to %s at %s\n", versionID, host, o.clock.Now().Format(time.RFC3339)))
	if err != nil {
		logger.Error("failed to mark deployment running", "deployment_id", out.DeploymentID, "error", err)
		failed, ferr := o.abandon(ctx, d, err)
		if ferr != nil {
			logger.Error("deployment left unfinished", "deployment_id", out.DeploymentID, "error", ferr)
			out.Err = err
			return out
		}
		out.Status = failed.Status
		return out
	}
	d = running
	out.Status = d.Status
	o.notify(d)

	started := o.clock.Now()
	status, log := o.execute(ctx, host, script, renderErr)

	d, err = o.transition(ctx, d.ID, status, log)
	if err != nil {
		logger.Error("failed to record deployment outcome", "deployment_id", out.DeploymentID, "status", status, "error", err)
		out.Err = err
		return out
	}
	out.Status = d.Status
	o.notify(d)

	elapsed := o.clock.Since(started)
	metrics.Get().RecordDeployment(string(status), elapsed)
	logger.Audit("deployment."+string(status), host, map[string]any{
		"deployment_id": d.ID,
		"version_id":    versionID,
		"duration":      elapsed.String(),
	})
	return out
}

// transition records a status change, retrying lock contention.
func (o *Orchestrator) transition(ctx context.Context, id int64, to store.Status, output string) (*store.Deployment, error) {
	return retry.DoValue(ctx, o.retry, func(ctx context.Context) (*store.Deployment, error) {
		return o.store.TransitionDeployment(ctx, id, to, output)
	})
}

// abandon moves a pending row through Running to Failed without touching
// the host, so it does not stay pending forever.
func (o *Orchestrator) abandon(ctx context.Context, d *store.Deployment, cause error) (*store.Deployment, error) {
	// A start that was written but reported as failed leaves the row running.
	running, err := o.transition(ctx, d.ID, store.StatusRunning, "")
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return nil, err
	}
	if running != nil {
		o.notify(running)
	}

	failed, err := o.transition(ctx, d.ID, store.StatusFailed, fmt.Sprintf("aborted before apply: %v\n", cause))
	if err != nil {
		return nil, err
	}
	o.notify(failed)
	metrics.Get().RecordDeployment(string(store.StatusFailed), 0)
	return failed, nil
}

// execute runs the script on host and maps the outcome to a terminal status
// and the text appended to the deployment log.
func (o *Orchestrator) execute(ctx context.Context, host, script string, renderErr error) (store.Status, string) {
	if renderErr != nil {
		return store.StatusFailed, fmt.Sprintf("render failed: %v\n", renderErr)
	}

	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	res, err := o.exec.Run(ctx, host, remote.Command{Line: "sh -s", Stdin: script, Privileged: true})

	var b strings.Builder
	if res.Output != "" {
		b.WriteString("--- output ---\n")
		b.WriteString(res.Output)
		if !strings.HasSuffix(res.Output, "\n") {
			b.WriteString("\n")
		}
	}
	switch {
	case err != nil:
		fmt.Fprintf(&b, "transport error: %v\n", err)
		return store.StatusFailed, b.String()
	case !res.OK():
		fmt.Fprintf(&b, "exit status %d\n", res.ExitCode)
		return store.StatusFailed, b.String()
	}
	b.WriteString("exit status 0\n")
	return store.StatusSuccess, b.String()
}

func (o *Orchestrator) notify(d *store.Deployment) {
	if o.observer != nil {
		o.observer.OnTransition(*d)
	}
}
