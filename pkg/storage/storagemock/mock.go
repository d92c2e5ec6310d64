package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/gedebridge/gedebridge/pkg/storage"
	"github.com/gedebridge/gedebridge/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) InsertOrder(ctx context.Context, record types.OrderRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockDatabase) GetOrderHistory(ctx context.Context, start, end time.Time) ([]types.OrderRecord, error) {
	args := m.Called(ctx, start, end)
	if v := args.Get(0); v != nil {
		return v.([]types.OrderRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) InsertBatch(ctx context.Context, run types.BatchRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockDatabase) GetBatch(ctx context.Context, id string) (types.BatchRun, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.BatchRun), args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
