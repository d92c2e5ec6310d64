package mapping

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/xuri/excelize/v2"

	"github.com/gedebridge/gedebridge/pkg/log"
	"github.com/gedebridge/gedebridge/pkg/metrics"
)

var (
	ErrMeterNotFound              = errors.New("meter not found in concentrator mapping")
	ErrConcentratorAddressMissing = errors.New("concentrator has no registered address")
	ErrMappingSourceMissing       = errors.New("concentrator mapping source not found")
)

// Concentrator is the resolved owner of a meter.
type Concentrator struct {
	ID      int64  `json:"id"`
	Address string `json:"address"`
}

// Snapshot is an immutable meter->concentrator->address mapping.
type Snapshot struct {
	ModTime   time.Time
	meters    map[int64]int64
	addresses map[int64]string
}

// Meters returns the number of meters in the snapshot.
func (s *Snapshot) Meters() int {
	return len(s.meters)
}

// Concentrators returns the number of concentrators with an address.
func (s *Snapshot) Concentrators() int {
	return len(s.addresses)
}

// Lookup resolves a meter key against the snapshot.
func (s *Snapshot) Lookup(meterKey int64) (Concentrator, error) {
	id, ok := s.meters[meterKey]
	if !ok {
		return Concentrator{}, fmt.Errorf("%w: %d", ErrMeterNotFound, meterKey)
	}
	addr := s.addresses[id]
	if addr == "" {
		return Concentrator{ID: id}, fmt.Errorf("%w: %d", ErrConcentratorAddressMissing, id)
	}
	return Concentrator{ID: id, Address: addr}, nil
}

// ModTimeFunc reports the modification time of the mapping source.
type ModTimeFunc func(path string) (time.Time, error)

// LoadFunc reads every sheet of the mapping source.
type LoadFunc func(path string) ([]Sheet, error)

// Resolver serves lookups from the last built snapshot and rebuilds it
// whenever the source's modification time changes.
type Resolver struct {
	path    string
	modTime ModTimeFunc
	load    LoadFunc

	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// Configured sets up the resolver from flags.
func Configured() *Resolver {
	path := lflag.String("mapping-file", "data/concentradores.xlsx", "Spreadsheet mapping meters to concentrators and addresses")

	r := NewResolver("", nil, nil)
	lflag.Do(func() {
		r.path = *path
	})
	return r
}

// NewResolver creates a resolver for the spreadsheet at path. A nil modTime
// uses the filesystem and a nil load reads the workbook with excelize.
func NewResolver(path string, modTime ModTimeFunc, load LoadFunc) *Resolver {
	if modTime == nil {
		modTime = fileModTime
	}
	if load == nil {
		load = LoadWorkbook
	}
	return &Resolver{
		path:    path,
		modTime: modTime,
		load:    load,
	}
}

func fileModTime(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// Resolve returns the concentrator owning meterKey.
func (r *Resolver) Resolve(ctx context.Context, meterKey int64) (Concentrator, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return Concentrator{}, err
	}
	return snap.Lookup(meterKey)
}

// Snapshot returns the current mapping, rebuilding it first if the source
// changed since the last build.
func (r *Resolver) Snapshot(ctx context.Context) (*Snapshot, error) {
	mt, err := r.modTime(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMappingSourceMissing, r.path)
		}
		return nil, fmt.Errorf("failed to stat mapping source: %w", err)
	}
	if cur := r.snap.Load(); cur != nil && cur.ModTime.Equal(mt) {
		return cur, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// another request may have rebuilt while we waited
	if cur := r.snap.Load(); cur != nil && cur.ModTime.Equal(mt) {
		return cur, nil
	}

	start := time.Now()
	sheets, err := r.load(r.path)
	if err != nil {
		metrics.ObserveMappingRebuild(metrics.ResultError, 0)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMappingSourceMissing, r.path)
		}
		if cur := r.snap.Load(); cur != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to rebuild mapping, serving previous",
				slog.String("path", r.path),
				slog.Any("error", err),
			)
			return cur, nil
		}
		return nil, fmt.Errorf("failed to load mapping source: %w", err)
	}

	snap := Build(sheets)
	snap.ModTime = mt
	r.snap.Store(snap)
	metrics.ObserveMappingRebuild(metrics.ResultSuccess, snap.Meters())

	log.Ctx(ctx).InfoContext(ctx, "rebuilt concentrator mapping",
		slog.String("path", r.path),
		slog.Int("sheets", len(sheets)),
		slog.Int("meters", snap.Meters()),
		slog.Int("concentrators", snap.Concentrators()),
		slog.Duration("took", time.Since(start)),
	)
	return snap, nil
}

// LoadWorkbook reads every sheet of an xlsx file in workbook order.
func LoadWorkbook(path string) ([]Sheet, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readSheets(f)
}

func readSheets(f *excelize.File) ([]Sheet, error) {
	var sheets []Sheet
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %s: %w", name, err)
		}
		sheets = append(sheets, Sheet(rows))
	}
	return sheets, nil
}
