package meters

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gedebridge/gedebridge/pkg/gede"
	"github.com/gedebridge/gedebridge/pkg/log"
	"github.com/gedebridge/gedebridge/pkg/mapping"
	"github.com/gedebridge/gedebridge/pkg/meterid"
	"github.com/gedebridge/gedebridge/pkg/normalize"
	"github.com/gedebridge/gedebridge/pkg/types"
)

// ReportRequest reads one report for one meter. Start and End are passed to
// the concentrator unchanged and omitted when empty.
type ReportRequest struct {
	Meter    string
	Report   string
	Priority int
	Start    string
	End      string
}

// OrderRequest sends one B03 relay order.
type OrderRequest struct {
	Meter     string
	Order     int
	Priority  int
	Start     string
	End       string
	RequestID int

	// BatchID ties the audit record to a massive order.
	BatchID string
}

// target is a meter with its resolved concentrator.
type target struct {
	id   meterid.ID
	conc mapping.Concentrator
}

func (e *Executor) resolve(ctx context.Context, meter string) (target, error) {
	id, err := meterid.Normalize(meter)
	if err != nil {
		return target{}, err
	}
	conc, err := e.resolver.Resolve(ctx, id.Key)
	if err != nil {
		return target{id: id}, err
	}
	return target{id: id, conc: conc}, nil
}

func (t target) logCtx(ctx context.Context) context.Context {
	return log.WithAttrs(ctx,
		log.Meter(t.id.Canonical),
		log.Concentrator(t.conc.ID),
		log.Address(t.conc.Address),
	)
}

func (e *Executor) result(t target, report string, resp *gede.Response) types.CommandResult {
	norm := normalize.Normalize(resp.Body)
	return types.CommandResult{
		Address:        t.conc.Address,
		ConcentratorID: t.conc.ID,
		BaseURL:        e.client.BaseURL(t.conc.Address),
		Meter:          t.id.Canonical,
		Report:         report,
		ContentType:    resp.ContentType,
		Format:         norm.Format,
		Rows:           norm.Rows,
		Raw:            string(resp.Body),
	}
}

// ReadReport fetches a report for the meter from its concentrator.
func (e *Executor) ReadReport(ctx context.Context, req ReportRequest) (types.CommandResult, error) {
	if req.Report == "" {
		return types.CommandResult{}, ErrInvalidReport
	}
	t, err := e.resolve(ctx, req.Meter)
	if err != nil {
		return types.CommandResult{}, err
	}
	ctx = t.logCtx(ctx)

	sess, err := e.client.Open(ctx, t.conc.Address, false)
	if err != nil {
		return types.CommandResult{}, err
	}
	defer sess.Close(ctx)

	resp, err := sess.Report(ctx, gede.ReportQuery{
		Name:     req.Report,
		Meter:    t.id.Canonical,
		Priority: req.Priority,
		Start:    strings.TrimSpace(req.Start),
		End:      strings.TrimSpace(req.End),
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "report read failed", slog.String("report", req.Report), slog.Any("error", err))
		return types.CommandResult{}, err
	}

	log.Ctx(ctx).InfoContext(ctx, "report read", slog.String("report", req.Report), slog.Int("bytes", len(resp.Body)))
	return e.result(t, req.Report, resp), nil
}

// orderWindow converts the order's validity window. A lone start is used as
// end too; with neither, the window is now until one day later.
func (e *Executor) orderWindow(start, end string) (string, string, error) {
	var err error
	if start != "" {
		if start, err = gede.DeviceTimestamp(start); err != nil {
			return "", "", err
		}
	}
	if end != "" {
		if end, err = gede.DeviceTimestamp(end); err != nil {
			return "", "", err
		}
	}
	if start != "" && end == "" {
		end = start
	}
	now := e.now()
	if start == "" {
		start = gede.FormatDeviceTime(now)
	}
	if end == "" {
		end = gede.FormatDeviceTime(now.Add(24 * time.Hour))
	}
	return start, end, nil
}

// SendOrder sends a connect or disconnect order and then reads the relay
// state. A failed state read leaves RelayState nil without failing the order.
func (e *Executor) SendOrder(ctx context.Context, req OrderRequest) (types.CommandResult, error) {
	out, err := e.sendOrder(ctx, req)
	return out.result, err
}

// orderOutcome is one order as seen by a batch item.
type orderOutcome struct {
	target target
	result types.CommandResult
	// stateErr is why the relay state read after an accepted order failed.
	stateErr error
}

func (e *Executor) sendOrder(ctx context.Context, req OrderRequest) (out orderOutcome, err error) {
	if req.Order != gede.OrderDisconnect && req.Order != gede.OrderReconnect {
		return out, fmt.Errorf("%w: %d", ErrInvalidOrder, req.Order)
	}
	start, end, err := e.orderWindow(req.Start, req.End)
	if err != nil {
		return out, err
	}
	t := &out.target
	t.id, err = meterid.Normalize(req.Meter)
	if err != nil {
		return out, err
	}

	record := types.OrderRecord{
		Timestamp: e.now(),
		BatchID:   req.BatchID,
		RequestID: req.RequestID,
		Meter:     t.id.Canonical,
		Order:     req.Order,
	}
	defer func() {
		record.OK = err == nil
		if err != nil {
			record.Error = err.Error()
		}
		if out.result.RelayState != nil {
			record.RelayState = *out.result.RelayState
		}
		e.audit(context.WithoutCancel(ctx), record)
	}()

	t.conc, err = e.resolver.Resolve(ctx, t.id.Key)
	if err != nil {
		return out, err
	}
	record.ConcentratorID = t.conc.ID
	record.Address = t.conc.Address
	ctx = t.logCtx(ctx)

	sess, err := e.client.Open(ctx, t.conc.Address, true)
	if err != nil {
		return out, err
	}
	defer sess.Close(ctx)

	resp, err := sess.Order(ctx, gede.OrderCommand{
		RequestID:      req.RequestID,
		ConcentratorID: t.conc.ID,
		Meter:          t.id.Canonical,
		Start:          start,
		End:            end,
		Order:          req.Order,
	}, req.Priority)
	if err != nil {
		return out, err
	}

	out.result = e.result(*t, "B03", resp)
	order := req.Order
	out.result.Order = &order
	out.result.RelayState, out.stateErr = e.relayState(ctx, sess, t.id, req.Priority)

	log.Ctx(ctx).InfoContext(ctx, "order sent",
		slog.Int("order", req.Order),
		slog.Bool("relayKnown", out.result.RelayState != nil),
	)
	return out, nil
}

// relayState waits for the device to settle and reads the relay state
// through the same session. A readable report without a state gives nil and
// no error.
func (e *Executor) relayState(ctx context.Context, sess *gede.Session, id meterid.ID, priority int) (*string, error) {
	if err := wait(ctx, e.settleDelay); err != nil {
		return nil, err
	}
	resp, err := sess.Report(ctx, gede.ReportQuery{
		Name:     stateReport,
		Meter:    id.Canonical,
		Priority: priority,
	})
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "relay state read failed", slog.Any("error", err))
		return nil, err
	}
	if state, ok := normalize.RelayState(normalize.Normalize(resp.Body).Rows); ok {
		return &state, nil
	}
	return nil, nil
}

func (e *Executor) audit(ctx context.Context, record types.OrderRecord) {
	if err := e.db.InsertOrder(ctx, record); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to record order", slog.Any("error", err))
	}
}
