// Package health aggregates component checks into a single report.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/ruleledger/internal/clock"
	"grimm.is/ruleledger/internal/store"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Report represents the overall health report.
type Report struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// Names returns the check names in sorted order.
func (r Report) Names() []string {
	names := make([]string, 0, len(r.Checks))
	for n := range r.Checks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CheckFunc is a function that performs a health check. Name,
// LastChecked and Duration are filled in by the Checker.
type CheckFunc func(ctx context.Context) Check

// Checker runs registered checks concurrently and caches the report.
type Checker struct {
	clock clock.Clock
	ttl   time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
	cache  *Report
}

// NewChecker creates a checker whose reports stay fresh for ttl.
func NewChecker(c clock.Clock, ttl time.Duration) *Checker {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Checker{
		clock:  c,
		ttl:    ttl,
		checks: make(map[string]CheckFunc),
	}
}

// Register adds a health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
	c.cache = nil
}

// Check runs all health checks and returns a report.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	if c.cache != nil && c.clock.Now().Sub(c.cache.Timestamp) < c.ttl {
		report := *c.cache
		c.mu.RUnlock()
		return report
	}
	funcs := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		funcs[name] = fn
	}
	c.mu.RUnlock()

	checks := make(map[string]Check, len(funcs))
	overall := StatusHealthy

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, fn := range funcs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := c.clock.Now()
			check := fn(ctx)
			check.Name = name
			check.LastChecked = start
			check.Duration = c.clock.Since(start)

			mu.Lock()
			defer mu.Unlock()
			checks[name] = check
			switch {
			case check.Status == StatusUnhealthy:
				overall = StatusUnhealthy
			case check.Status == StatusDegraded && overall != StatusUnhealthy:
				overall = StatusDegraded
			}
		}()
	}
	wg.Wait()

	report := Report{
		Status:    overall,
		Checks:    checks,
		Timestamp: c.clock.Now(),
	}

	c.mu.Lock()
	c.cache = &report
	c.mu.Unlock()

	return report
}

// Pinger is satisfied by *store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck reports whether the version store answers.
func StoreCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) Check {
		if err := p.Ping(ctx); err != nil {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("store unavailable: %v", err)}
		}
		return Check{Status: StatusHealthy, Message: "store reachable"}
	}
}

// FreshnessCheck degrades when the time reported by last is older than
// maxAge, or was never set.
func FreshnessCheck(c clock.Clock, last func() time.Time, maxAge time.Duration) CheckFunc {
	return func(context.Context) Check {
		t := last()
		if t.IsZero() {
			return Check{Status: StatusDegraded, Message: "never updated"}
		}
		if age := c.Since(t); age > maxAge {
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("last update %s ago", age.Round(time.Second))}
		}
		return Check{Status: StatusHealthy, Message: "up to date"}
	}
}

// HostFailures degrades when any host's most recent deployment failed.
func HostFailures(latest func() map[string]store.Status) CheckFunc {
	return func(context.Context) Check {
		var failed []string
		for host, st := range latest() {
			if st == store.StatusFailed {
				failed = append(failed, host)
			}
		}
		if len(failed) == 0 {
			return Check{Status: StatusHealthy, Message: "no failed hosts"}
		}
		sort.Strings(failed)
		return Check{Status: StatusDegraded, Message: fmt.Sprintf("last deployment failed on %v", failed)}
	}
}

// DriftedHosts reports degraded while the last drift sweep found hosts
// that no longer enforce their deployed version.
func DriftedHosts(drifted func() []string) CheckFunc {
	return func(context.Context) Check {
		hosts := drifted()
		if len(hosts) == 0 {
			return Check{Status: StatusHealthy, Message: "no drift detected"}
		}
		sorted := append([]string(nil), hosts...)
		sort.Strings(sorted)
		return Check{Status: StatusDegraded, Message: fmt.Sprintf("drift on %v", sorted)}
	}
}
