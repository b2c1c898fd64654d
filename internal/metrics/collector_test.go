package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ruleledger/internal/store"
)

type fakeSource struct {
	rows []store.Deployment
	err  error
}

func (f *fakeSource) ListDeployments(context.Context, int64) ([]store.Deployment, error) {
	return f.rows, f.err
}

func TestCollector_Collect(t *testing.T) {
	src := &fakeSource{rows: []store.Deployment{
		{ID: 1, VersionID: 1, Host: "fw1", Status: store.StatusFailed},
		{ID: 2, VersionID: 1, Host: "fw2", Status: store.StatusSuccess},
		{ID: 3, VersionID: 2, Host: "fw1", Status: store.StatusSuccess},
		{ID: 4, VersionID: 2, Host: "fw3", Status: store.StatusRunning},
	}}
	c := NewCollector(src, nil, time.Minute)
	assert.True(t, c.LastUpdate().IsZero())

	c.Collect()

	stats := c.Stats()
	assert.Equal(t, 2, stats.ByStatus[store.StatusSuccess])
	assert.Equal(t, 1, stats.ByStatus[store.StatusFailed])
	assert.Equal(t, 1, stats.ByStatus[store.StatusRunning])
	assert.Equal(t, store.StatusSuccess, stats.Hosts["fw1"].Status)
	assert.Equal(t, int64(2), stats.Hosts["fw1"].VersionID)
	assert.False(t, c.LastUpdate().IsZero())

	assert.Equal(t, 2.0, testutil.ToFloat64(Get().DeploymentRows.WithLabelValues("success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(Get().DeploymentRows.WithLabelValues("pending")))
}

func TestCollector_SourceError(t *testing.T) {
	c := NewCollector(&fakeSource{err: errors.New("database is locked")}, nil, time.Minute)
	c.Collect()
	assert.True(t, c.LastUpdate().IsZero())
	assert.Empty(t, c.Stats().ByStatus)
}

func TestCollector_Lifecycle(t *testing.T) {
	c := NewCollector(&fakeSource{}, nil, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Start()
		close(done)
	}()

	require.Eventually(t, func() bool { return !c.LastUpdate().IsZero() }, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

// blockingSource holds ListDeployments until release is closed.
type blockingSource struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSource) ListDeployments(ctx context.Context, _ int64) ([]store.Deployment, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return nil, nil
}

func TestCollector_StopWaitsForCollect(t *testing.T) {
	src := &blockingSource{entered: make(chan struct{}, 1), release: make(chan struct{})}
	c := NewCollector(src, nil, 5*time.Millisecond)
	go c.Start()

	select {
	case <-src.entered:
	case <-time.After(time.Second):
		t.Fatal("collection never started")
	}

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a collection was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(src.release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the collection finished")
	}
	assert.False(t, c.LastUpdate().IsZero())
}

func TestCollector_StopWithoutStart(t *testing.T) {
	c := NewCollector(&fakeSource{}, nil, time.Millisecond)
	c.Stop()

	done := make(chan struct{})
	go func() {
		c.Start()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start after Stop should return immediately")
	}
	assert.True(t, c.LastUpdate().IsZero())
}

func TestRegistry_Record(t *testing.T) {
	r := Get()
	assert.Same(t, r, Get())

	before := testutil.ToFloat64(r.Deployments.WithLabelValues("failed"))
	r.RecordDeployment("failed", 1500*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(r.Deployments.WithLabelValues("failed")))

	fetches := testutil.ToFloat64(r.LiveFetches.WithLabelValues("ok"))
	skipped := testutil.ToFloat64(r.LiveParseSkipped)
	r.RecordLiveFetch("ok", 3)
	assert.Equal(t, fetches+1, testutil.ToFloat64(r.LiveFetches.WithLabelValues("ok")))
	assert.Equal(t, skipped+3, testutil.ToFloat64(r.LiveParseSkipped))
}
