// Package meters runs report reads and relay orders against the concentrator
// owning a meter, one meter at a time or as a batch.
package meters

import (
	"context"
	"errors"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/gedebridge/gedebridge/pkg/gede"
	"github.com/gedebridge/gedebridge/pkg/mapping"
	"github.com/gedebridge/gedebridge/pkg/storage"
)

const (
	// DefaultSettleDelay is the wait between an order and the relay state
	// read.
	DefaultSettleDelay = 1500 * time.Millisecond

	// report read after an order to learn the relay state
	stateReport = "S01"

	// error text kept on a batch item
	itemErrorLimit = 200
)

var (
	ErrInvalidOrder  = errors.New("invalid order code")
	ErrInvalidReport = errors.New("missing report name")
	ErrInvalidUpload = errors.New("unreadable meter list")
	ErrNoMeters      = errors.New("no valid meters")
)

// Resolver finds the concentrator owning a meter.
type Resolver interface {
	Resolve(ctx context.Context, meterKey int64) (mapping.Concentrator, error)
}

// Executor sends commands to concentrators.
type Executor struct {
	resolver    Resolver
	client      *gede.Client
	db          storage.Database
	settleDelay time.Duration
	now         func() time.Time
}

// Options configures an Executor.
type Options struct {
	Resolver Resolver
	Client   *gede.Client
	// Database records every order attempt. Nil disables auditing.
	Database    storage.Database
	SettleDelay time.Duration
	Now         func() time.Time
}

// New creates an Executor. A zero SettleDelay keeps the default; a negative
// one disables the wait.
func New(opts Options) *Executor {
	if opts.Client == nil {
		opts.Client = gede.New(gede.Options{})
	}
	if opts.Database == nil {
		opts.Database = storage.None{}
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{
		resolver:    opts.Resolver,
		client:      opts.Client,
		db:          opts.Database,
		settleDelay: opts.SettleDelay,
		now:         opts.Now,
	}
}

// Configured sets up the Executor from flags. The dependencies are owned by
// main and may still be waiting on their own flags.
func Configured(resolver Resolver, client *gede.Client, db storage.Database) *Executor {
	settle := lflag.Duration("order-settle-delay", DefaultSettleDelay, "Wait between an order and the relay state read")

	e := &Executor{}
	lflag.Do(func() {
		*e = *New(Options{
			Resolver:    resolver,
			Client:      client,
			Database:    db,
			SettleDelay: *settle,
		})
	})
	return e
}

// BaseURL is the API root of the concentrator at address.
func (e *Executor) BaseURL(address string) string {
	return e.client.BaseURL(address)
}

// wait sleeps for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
