package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusRunning, StatusSuccess, true},
		{StatusRunning, StatusFailed, true},
		{StatusPending, StatusSuccess, false},
		{StatusPending, StatusFailed, false},
		{StatusSuccess, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
		{StatusRunning, StatusPending, false},
		{StatusSuccess, StatusSuccess, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestDeploymentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.SaveVersion(ctx, webPolicy)
	require.NoError(t, err)

	d, err := s.CreateDeployment(ctx, res.VersionID, "fw1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, d.Status)
	assert.Nil(t, d.AppliedAt)
	assert.Empty(t, d.Log)

	// Skipping Running is rejected.
	_, err = s.TransitionDeployment(ctx, d.ID, StatusSuccess, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	d, err = s.TransitionDeployment(ctx, d.ID, StatusRunning, "started\n")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, d.Status)
	assert.Nil(t, d.AppliedAt)

	require.NoError(t, s.AppendDeploymentLog(ctx, d.ID, "step 1\n"))

	d, err = s.TransitionDeployment(ctx, d.ID, StatusFailed, "exit 1\n")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, d.Status)
	require.NotNil(t, d.AppliedAt)
	assert.Equal(t, "started\nstep 1\nexit 1\n", d.Log)

	// Terminal rows never move again.
	_, err = s.TransitionDeployment(ctx, d.ID, StatusRunning, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.TransitionDeployment(ctx, d.ID, StatusSuccess, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := s.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestCreateDeployment_AppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.SaveVersion(ctx, webPolicy)
	require.NoError(t, err)

	first, err := s.CreateDeployment(ctx, res.VersionID, "fw1")
	require.NoError(t, err)
	_, err = s.TransitionDeployment(ctx, first.ID, StatusRunning, "")
	require.NoError(t, err)
	_, err = s.TransitionDeployment(ctx, first.ID, StatusSuccess, "ok")
	require.NoError(t, err)

	second, err := s.CreateDeployment(ctx, res.VersionID, "fw1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	list, err := s.ListDeployments(ctx, res.VersionID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, StatusSuccess, list[0].Status)
	assert.Equal(t, "ok", list[0].Log)
	assert.Equal(t, StatusPending, list[1].Status)

	all, err := s.ListDeployments(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeployment_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateDeployment(ctx, 99, "fw1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetDeployment(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.AppendDeploymentLog(ctx, 99, "x"), ErrNotFound)

	_, err = s.TransitionDeployment(ctx, 99, StatusRunning, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.TransitionDeployment(ctx, 1, StatusPending, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
