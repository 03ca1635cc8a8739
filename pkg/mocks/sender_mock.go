package mocks

import (
	"context"

	"github.com/studyhub/automation/pkg/steps"
	"github.com/stretchr/testify/mock"
)

// MockSender is a mock implementation of steps.Sender interface.
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, msg steps.Message) error {
	args := m.Called(ctx, msg)

	return args.Error(0)
}
