package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/pinning"
)

// MockPinningService is a testify mock of pinning.IPinningService.
type MockPinningService struct {
	mock.Mock
}

var _ pinning.IPinningService = (*MockPinningService)(nil)

func NewMockPinningService(t mock.TestingT) *MockPinningService {
	m := &MockPinningService{}
	m.Mock.Test(t)
	if c, ok := t.(interface{ Cleanup(func()) }); ok {
		c.Cleanup(func() { m.AssertExpectations(t) })
	}
	return m
}

func (m *MockPinningService) PinJSON(ctx context.Context, name string, document []byte) (string, error) {
	ret := m.Called(ctx, name, document)
	return ret.String(0), ret.Error(1)
}
