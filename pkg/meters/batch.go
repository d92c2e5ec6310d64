package meters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/gedebridge/gedebridge/pkg/gede"
	"github.com/gedebridge/gedebridge/pkg/log"
	"github.com/gedebridge/gedebridge/pkg/meterid"
	"github.com/gedebridge/gedebridge/pkg/metrics"
	"github.com/gedebridge/gedebridge/pkg/types"
)

var (
	uploadMeterColumns = []string{"medidor", "meter", "idmedidor", "cir", "id"}
	letterRe           = regexp.MustCompile(`[A-Za-z]`)
)

// ParseMeterList reads meter keys from an uploaded xlsx file. A first row
// holding any letter is a header naming the meter column; otherwise the
// first column is used from the first row on. Unparseable cells are
// skipped.
func ParseMeterList(data []byte) ([]int64, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidUpload, err)
	}
	defer f.Close()

	rows, err := firstSheetRows(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidUpload, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	col := 0
	if hasHeader(rows[0]) {
		if i := headerIndex(rows[0], uploadMeterColumns...); i >= 0 {
			col = i
		}
		rows = rows[1:]
	}

	var keys []int64
	for _, row := range rows {
		if key, ok := meterid.ParseCell(cellAt(row, col)); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func hasHeader(row []string) bool {
	for _, v := range row {
		if letterRe.MatchString(v) {
			return true
		}
	}
	return false
}

// BatchRequest is a massive order: the same order at the same time for
// every meter.
type BatchRequest struct {
	Meters     []int64
	Order      int
	ActionTime string
	Priority   int
	RequestID  int
}

func dedup(keys []int64) []int64 {
	seen := make(map[int64]struct{}, len(keys))
	out := make([]int64, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// RunBatch sends the order to every meter, one after the other. A failing
// meter is recorded on its item and never stops the batch. Only an invalid
// order, an empty meter list or an invalid action time fail the call.
func (e *Executor) RunBatch(ctx context.Context, req BatchRequest, catalog Catalog) (types.BatchRun, error) {
	if req.Order != gede.OrderDisconnect && req.Order != gede.OrderReconnect {
		return types.BatchRun{}, fmt.Errorf("%w: %d", ErrInvalidOrder, req.Order)
	}
	keys := dedup(req.Meters)
	if len(keys) == 0 {
		return types.BatchRun{}, ErrNoMeters
	}
	actionTime, err := gede.DeviceTimestamp(req.ActionTime)
	if err != nil {
		return types.BatchRun{}, fmt.Errorf("action time: %w", err)
	}

	run := types.BatchRun{
		ID:         uuid.NewString(),
		RequestID:  req.RequestID,
		Order:      req.Order,
		Action:     types.ActionForOrder(req.Order),
		ActionTime: actionTime,
		Priority:   req.Priority,
		StartedAt:  e.now(),
		Items:      make([]types.BatchItem, 0, len(keys)),
	}
	ctx = log.WithAttrs(ctx, slog.String("batchID", run.ID))
	log.Ctx(ctx).InfoContext(ctx, "starting massive order",
		slog.Int("meters", len(keys)),
		slog.String("action", string(run.Action)),
		slog.String("actionTime", actionTime),
	)

	start := time.Now()
	for _, key := range keys {
		run.Items = append(run.Items, e.batchItem(ctx, run, key, catalog))
	}
	run.FinishedAt = e.now()

	ok, failed := run.Totals()
	metrics.ObserveBatch(string(run.Action), ok, failed)
	log.Ctx(ctx).InfoContext(ctx, "finished massive order",
		slog.Int("ok", ok),
		slog.Int("failed", failed),
		slog.Duration("took", time.Since(start)),
	)

	if err := e.db.InsertBatch(context.WithoutCancel(ctx), run); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to store massive order", slog.Any("error", err))
	}
	return run, nil
}

func (e *Executor) batchItem(ctx context.Context, run types.BatchRun, key int64, catalog Catalog) types.BatchItem {
	id := meterid.FromKey(key)
	item := types.BatchItem{
		Meter:    id.Canonical,
		MeterKey: key,
		Action:   run.Action,
	}
	if catalog != nil {
		if c, ok := catalog.Customer(ctx, key); ok {
			item.NIS = optional(c.NIS)
			item.Name = optional(c.Name)
		}
	}

	out, err := e.sendOrder(ctx, OrderRequest{
		Meter:     id.Canonical,
		Order:     run.Order,
		Priority:  run.Priority,
		Start:     run.ActionTime,
		End:       run.ActionTime,
		RequestID: run.RequestID,
		BatchID:   run.ID,
	})
	if out.target.conc.Address != "" {
		item.Address = optional(out.target.conc.Address)
		concID := out.target.conc.ID
		item.ConcentratorID = &concID
	}
	if err == nil && stateReadFailed(out.stateErr) {
		err = fmt.Errorf("relay state read: %w", out.stateErr)
	}
	if err != nil {
		msg := gede.Truncate(err.Error(), itemErrorLimit)
		item.Error = &msg
		log.Ctx(ctx).WarnContext(ctx, "massive order item failed", log.Meter(id.Canonical), slog.Any("error", err))
		return item
	}

	item.OK = true
	item.RelayState = out.result.RelayState
	if out.result.RelayState != nil {
		item.Status = optional(types.RelayStatus(*out.result.RelayState))
	}
	return item
}

// stateReadFailed reports whether the relay state read after an accepted
// order failed the item. A concentrator answering with an error status only
// leaves the state unknown; a lost connection or timeout fails the item.
func stateReadFailed(err error) bool {
	return err != nil && !errors.Is(err, gede.ErrReportFetchFailed)
}

// optional returns nil for an empty string.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
