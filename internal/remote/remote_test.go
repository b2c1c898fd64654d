package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRunFirst_FallsBack(t *testing.T) {
	m := new(Mock)
	ctx := context.Background()
	variants := []Command{
		{Line: "sudo iptables-save | base64 -w0", Privileged: true},
		{Line: "iptables-save | base64 -w0"},
	}
	m.On("Run", ctx, "fw1", variants[0]).Return(Result{ExitCode: 1, Output: "sudo: a password is required"}, nil)
	m.On("Run", ctx, "fw1", variants[1]).Return(Result{Output: "KmZpbHRlcgo="}, nil)

	res, idx, err := RunFirst(ctx, m, "fw1", variants)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, "KmZpbHRlcgo=", res.Output)
	m.AssertExpectations(t)
}

func TestRunFirst_Exhausted(t *testing.T) {
	refused := errors.New("connection refused")
	m := new(Mock)
	m.On("Run", mock.Anything, "fw1", mock.Anything).Return(Result{}, refused).Once()
	m.On("Run", mock.Anything, "fw1", mock.Anything).Return(Result{ExitCode: 127}, nil).Once()

	_, idx, err := RunFirst(context.Background(), m, "fw1", []Command{{Line: "a"}, {Line: "b"}})
	require.Error(t, err)
	assert.Equal(t, -1, idx)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "fw1", te.Host)
	assert.ErrorIs(t, err, refused)
	assert.Contains(t, err.Error(), "variant 2: exit status 127")
}

func TestRunFirst_NoVariants(t *testing.T) {
	_, _, err := RunFirst(context.Background(), Func(func(context.Context, string, Command) (Result, error) {
		t.Fatal("executor must not be called")
		return Result{}, nil
	}), "fw1", nil)
	assert.ErrorIs(t, err, ErrNoVariants)
}

func TestQuote(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "''"},
		{"ACCEPT", "ACCEPT"},
		{"10.0.0.0/8", "10.0.0.0/8"},
		{"80,443", "80,443"},
		{"allow ssh", "'allow ssh'"},
		{"it's", `'it'\''s'`},
		{"$(reboot)", "'$(reboot)'"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Quote(tt.in), tt.in)
	}
}
