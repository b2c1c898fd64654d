package remote

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// Mock is a testify mock of Executor.
type Mock struct {
	mock.Mock
}

func (m *Mock) Run(ctx context.Context, host string, cmd Command) (Result, error) {
	args := m.Called(ctx, host, cmd)
	res, _ := args.Get(0).(Result)
	return res, args.Error(1)
}
