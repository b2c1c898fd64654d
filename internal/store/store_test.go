package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ruleledger/internal/clock"
	"grimm.is/ruleledger/internal/document"
	"grimm.is/ruleledger/internal/rules"
)

const webPolicy = `
policy:
  name: web
  description: edge web servers
  author: alice
  message: initial
defaults:
  table: filter
rules:
  - {chain: input, target: accept, protocol: tcp, dport: 443, priority: 200}
  - {chain: input, target: accept, protocol: tcp, dport: 22, comment: "ssh"}
  - {chain: input, target: drop, src: 10.0.0.0/8, state: absent}
`

func newTestStore(t *testing.T) *Store {
	t.Helper()
	opts := DefaultOptions(filepath.Join(t.TempDir(), "ledger.db"))
	opts.Clock = clock.NewStepClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), time.Second)
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(DefaultOptions(":memory:"))
	require.NoError(t, err)
	defer s.Close()

	id, err := s.CreateOrGetPolicy(context.Background(), "mem", "")
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestClose(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.GetVersionHeader(context.Background(), 1)
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrStoreClosed)
}

func TestCreateOrGetPolicy_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateOrGetPolicy(ctx, "web", "first")
	require.NoError(t, err)
	b, err := s.CreateOrGetPolicy(ctx, "web", "second")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	p, err := s.GetPolicy(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "first", p.Description)

	_, err = s.CreateOrGetPolicy(ctx, "", "")
	var verr *rules.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = s.GetPolicy(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.SaveVersion(ctx, webPolicy)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)

	h, err := s.GetVersionHeader(ctx, res.VersionID)
	require.NoError(t, err)
	assert.Equal(t, "web", h.PolicyName)
	assert.Equal(t, res.PolicyID, h.PolicyID)
	assert.Equal(t, "alice", h.Author)
	assert.Equal(t, "initial", h.Message)
	assert.Equal(t, webPolicy, h.Source)
	assert.Equal(t, document.Checksum(webPolicy), h.Checksum)
	assert.Equal(t, 3, h.RuleCount)
	assert.WithinDuration(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), h.CreatedAt, 10*time.Second)

	next, err := s.NextVersion(ctx, res.PolicyID)
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	res2, err := s.SaveVersion(ctx, webPolicy)
	require.NoError(t, err)
	assert.Equal(t, 2, res2.Version)
	assert.Equal(t, res.PolicyID, res2.PolicyID)
}

func TestGetRules_Order(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.SaveVersion(ctx, webPolicy)
	require.NoError(t, err)

	got, err := s.GetRules(ctx, res.VersionID)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Priority ascending, then document order.
	assert.Equal(t, "22", got[0].DPort)
	assert.Equal(t, "ssh", got[0].Comment)
	assert.Equal(t, "10.0.0.0/8", got[1].Src)
	assert.Equal(t, rules.StateAbsent, got[1].State)
	assert.Equal(t, "443", got[2].DPort)
	assert.Equal(t, 200, got[2].Priority)

	for _, r := range got {
		assert.Equal(t, rules.ComputeKey(r), r.Key, "stored key must match stored fields")
		assert.Equal(t, "filter", r.Table)
		assert.Equal(t, "INPUT", r.Chain)
	}
}

func TestGetRules_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRules(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetVersionHeader(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveVersion_RejectsWithoutWriting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		text string
		want any
	}{
		{"malformed", "policy: [", new(*document.ParseError)},
		{"missing target", "policy: {name: web}\nrules:\n  - {chain: INPUT}\n  - {chain: INPUT, target: ACCEPT}\n", new(*rules.ValidationError)},
		{"bad state", "policy: {name: web}\nrules:\n  - {chain: INPUT, target: ACCEPT, state: gone}\n", new(*rules.ValidationError)},
		{"no name", "policy: {}\nrules: []\n", new(*rules.ValidationError)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SaveVersion(ctx, tt.text)
			require.Error(t, err)
			assert.ErrorAs(t, err, tt.want)
		})
	}

	_, err := s.GetPolicy(ctx, "web")
	assert.ErrorIs(t, err, ErrNotFound, "a rejected document must not create its policy")
	_, err = s.LatestVersion(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveVersion_ConcurrentNumbering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	versions := make(chan int, writers)
	errs := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := fmt.Sprintf("policy: {name: race, message: writer-%d}\nrules:\n  - {chain: INPUT, target: ACCEPT, protocol: tcp, dport: %d}\n", i, 1000+i)
			for attempt := 0; attempt < 20; attempt++ {
				res, err := s.SaveVersion(ctx, text)
				if err == nil {
					versions <- res.Version
					return
				}
				if !assert.ErrorIs(t, err, ErrConflict) {
					errs <- err
					return
				}
				time.Sleep(time.Duration(attempt+1) * 5 * time.Millisecond)
			}
			errs <- fmt.Errorf("writer %d: gave up after retries", i)
		}(i)
	}
	wg.Wait()
	close(versions)
	close(errs)

	for err := range errs {
		t.Fatal(err)
	}

	seen := map[int]bool{}
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	for v := 1; v <= writers; v++ {
		assert.True(t, seen[v], "version %d missing", v)
	}

	p, err := s.GetPolicy(ctx, "race")
	require.NoError(t, err)
	list, err := s.ListVersions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, list, writers)
	for i, h := range list {
		assert.Equal(t, i+1, h.Version)
		assert.Equal(t, 1, h.RuleCount)
	}
}

func TestLatestVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SaveVersion(ctx, webPolicy)
	require.NoError(t, err)
	web2, err := s.SaveVersion(ctx, webPolicy)
	require.NoError(t, err)
	db, err := s.SaveVersion(ctx, "policy: {name: db}\nrules:\n  - {chain: INPUT, target: ACCEPT, protocol: tcp, dport: 5432}\n")
	require.NoError(t, err)

	h, err := s.LatestVersion(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, web2.VersionID, h.ID)
	assert.Equal(t, 2, h.Version)

	h, err = s.LatestVersion(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, db.VersionID, h.ID)

	_, err = s.LatestVersion(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
