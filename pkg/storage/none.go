package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/gedebridge/gedebridge/pkg/types"
)

// None discards everything. History queries return nothing.
type None struct{}

var _ Database = None{}

func (None) InsertOrder(ctx context.Context, record types.OrderRecord) error {
	return nil
}

func (None) GetOrderHistory(ctx context.Context, start, end time.Time) ([]types.OrderRecord, error) {
	return nil, nil
}

func (None) InsertBatch(ctx context.Context, run types.BatchRun) error {
	return nil
}

func (None) GetBatch(ctx context.Context, id string) (types.BatchRun, error) {
	return types.BatchRun{}, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
}

func (None) Close() error {
	return nil
}
