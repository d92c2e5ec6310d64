package storage

import (
	"context"
	"errors"
	"time"

	"github.com/gedebridge/gedebridge/pkg/types"
)

var ErrBatchNotFound = errors.New("batch not found")

// Database persists the order audit trail and massive order runs.
type Database interface {
	// Orders
	InsertOrder(ctx context.Context, record types.OrderRecord) error
	GetOrderHistory(ctx context.Context, start, end time.Time) ([]types.OrderRecord, error)

	// Batches
	InsertBatch(ctx context.Context, run types.BatchRun) error
	GetBatch(ctx context.Context, id string) (types.BatchRun, error)

	// Lifecycle
	Close() error
}
