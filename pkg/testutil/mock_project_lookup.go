package testutil

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/project"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

// MockProjectLookup is a testify mock of project.IProjectLookup.
type MockProjectLookup struct {
	mock.Mock
}

var _ project.IProjectLookup = (*MockProjectLookup)(nil)

func NewMockProjectLookup(t mock.TestingT) *MockProjectLookup {
	m := &MockProjectLookup{}
	m.Mock.Test(t)
	if c, ok := t.(interface{ Cleanup(func()) }); ok {
		c.Cleanup(func() { m.AssertExpectations(t) })
	}
	return m
}

func (m *MockProjectLookup) GetProject(ctx context.Context, id uuid.UUID) (*types.Project, error) {
	ret := m.Called(ctx, id)

	var p *types.Project
	if ret.Get(0) != nil {
		p = ret.Get(0).(*types.Project)
	}
	return p, ret.Error(1)
}
