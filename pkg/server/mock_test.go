package server

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/gedebridge/gedebridge/pkg/meters"
	"github.com/gedebridge/gedebridge/pkg/types"
)

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) ReadReport(ctx context.Context, req meters.ReportRequest) (types.CommandResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(types.CommandResult), args.Error(1)
}

func (m *mockExecutor) SendOrder(ctx context.Context, req meters.OrderRequest) (types.CommandResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(types.CommandResult), args.Error(1)
}

func (m *mockExecutor) RunBatch(ctx context.Context, req meters.BatchRequest, catalog meters.Catalog) (types.BatchRun, error) {
	args := m.Called(ctx, req, catalog)
	return args.Get(0).(types.BatchRun), args.Error(1)
}

type mockCatalog struct{}

func (mockCatalog) Customer(ctx context.Context, meterKey int64) (types.Customer, bool) {
	return types.Customer{}, false
}
