package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gedebridge/gedebridge/pkg/export"
	"github.com/gedebridge/gedebridge/pkg/gede"
	"github.com/gedebridge/gedebridge/pkg/log"
	"github.com/gedebridge/gedebridge/pkg/mapping"
	"github.com/gedebridge/gedebridge/pkg/meterid"
	"github.com/gedebridge/gedebridge/pkg/meters"
	"github.com/gedebridge/gedebridge/pkg/storage"
	"github.com/gedebridge/gedebridge/pkg/types"
)

const (
	defaultPriority   = 2
	maxReportPriority = 9
	maxOrderPriority  = 5
)

// statusForError maps command errors to HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, meterid.ErrInvalidIdentifier),
		errors.Is(err, meters.ErrInvalidOrder),
		errors.Is(err, meters.ErrInvalidReport),
		errors.Is(err, meters.ErrInvalidUpload),
		errors.Is(err, meters.ErrNoMeters),
		errors.Is(err, gede.ErrInvalidTimestamp):
		return http.StatusBadRequest
	case errors.Is(err, mapping.ErrMeterNotFound),
		errors.Is(err, mapping.ErrConcentratorAddressMissing),
		errors.Is(err, storage.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, gede.ErrDeviceTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gede.ErrAuthRejected),
		errors.Is(err, gede.ErrTokenMissing),
		errors.Is(err, gede.ErrEscalationFailed),
		errors.Is(err, gede.ErrReportFetchFailed),
		errors.Is(err, gede.ErrOrderFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeCommandError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	ctx := r.Context()
	code := statusForError(err)
	if code >= http.StatusInternalServerError {
		log.Ctx(ctx).ErrorContext(ctx, msg, slog.Int("status", code), slog.Any("error", err))
	} else {
		log.Ctx(ctx).WarnContext(ctx, msg, slog.Int("status", code), slog.Any("error", err))
	}
	writeJSONError(w, err.Error(), code)
}

// priority applies the default and checks the allowed range.
func priority(p *int, max int) (int, error) {
	if p == nil {
		return defaultPriority, nil
	}
	if *p < 0 || *p > max {
		return 0, fmt.Errorf("priority must be between 0 and %d", max)
	}
	return *p, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	// Limit body size to 1MB to prevent DoS
	r.Body = http.MaxBytesReader(w, r.Body, 1048576)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to decode request body", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

type reportRequest struct {
	Meter      string `json:"meter"`
	ReportName string `json:"report_name"`
	Priority   *int   `json:"priority"`
	Fini       string `json:"fini"`
	Fend       string `json:"fend"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	prio, err := priority(req.Priority, maxReportPriority)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.executor.ReadReport(r.Context(), meters.ReportRequest{
		Meter:    req.Meter,
		Report:   strings.TrimSpace(req.ReportName),
		Priority: prio,
		Start:    req.Fini,
		End:      req.Fend,
	})
	if err != nil {
		writeCommandError(w, r, "failed to read report", err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		writeJSON(w, res)
	case export.FormatXLSX:
		b, err := export.ReportXLSX(res)
		if err != nil {
			writeCommandError(w, r, "failed to export report", err)
			return
		}
		writeFile(w, export.ContentTypeXLSX, fmt.Sprintf("%s_%s.xlsx", res.Report, res.Meter), b)
	default:
		writeJSONError(w, "unsupported format: "+format, http.StatusBadRequest)
	}
}

type orderRequest struct {
	Meter    string `json:"meter"`
	Order    *int   `json:"order"`
	Priority *int   `json:"priority"`
	Fini     string `json:"fini"`
	Fend     string `json:"fend"`
	IDPet    int    `json:"id_pet"`
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Order == nil {
		writeJSONError(w, "order is required", http.StatusBadRequest)
		return
	}
	prio, err := priority(req.Priority, maxOrderPriority)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.executor.SendOrder(r.Context(), meters.OrderRequest{
		Meter:     req.Meter,
		Order:     *req.Order,
		Priority:  prio,
		Start:     req.Fini,
		End:       req.Fend,
		RequestID: req.IDPet,
	})
	if err != nil {
		writeCommandError(w, r, "failed to send order", err)
		return
	}
	writeJSON(w, res)
}

// formInt parses an optional integer form field.
func formInt(r *http.Request, name string, def int) (int, error) {
	v := strings.TrimSpace(r.FormValue(name))
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return i, nil
}

func (s *Server) handleOrderMassive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to parse upload", slog.Any("error", err))
		writeJSONError(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "json", export.FormatXLSX, export.FormatPDF:
	default:
		writeJSONError(w, "unsupported format: "+format, http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(r.FormValue("order")) == "" {
		writeJSONError(w, "order is required", http.StatusBadRequest)
		return
	}
	order, err := formInt(r, "order", 0)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	prio, err := formInt(r, "priority", defaultPriority)
	if err == nil && (prio < 0 || prio > maxOrderPriority) {
		err = fmt.Errorf("priority must be between 0 and %d", maxOrderPriority)
	}
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	idPet, err := formInt(r, "id_pet", 0)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	actDate := strings.TrimSpace(r.FormValue("actdate"))
	if actDate == "" {
		writeJSONError(w, "actdate is required", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeJSONError(w, "failed to read file", http.StatusBadRequest)
		return
	}

	keys, err := meters.ParseMeterList(data)
	if err != nil {
		writeCommandError(w, r, "failed to parse meter list", err)
		return
	}
	run, err := s.executor.RunBatch(ctx, meters.BatchRequest{
		Meters:     keys,
		Order:      order,
		ActionTime: actDate,
		Priority:   prio,
		RequestID:  idPet,
	}, s.catalog)
	if err != nil {
		writeCommandError(w, r, "failed to run massive order", err)
		return
	}

	s.writeBatch(w, r, run, format)
}

// batchResponse is the JSON answer of a massive order.
type batchResponse struct {
	ID      string            `json:"id"`
	Count   int               `json:"count"`
	OK      int               `json:"ok"`
	Failed  int               `json:"failed"`
	Results []types.BatchItem `json:"results"`
}

func (s *Server) writeBatch(w http.ResponseWriter, r *http.Request, run types.BatchRun, format string) {
	switch format {
	case export.FormatXLSX:
		b, err := export.BatchXLSX(run)
		if err != nil {
			writeCommandError(w, r, "failed to export massive order", err)
			return
		}
		writeFile(w, export.ContentTypeXLSX, "orden_masiva_"+run.ID+".xlsx", b)
	case export.FormatPDF:
		b, err := export.BatchPDF(run)
		if err != nil {
			writeCommandError(w, r, "failed to export massive order", err)
			return
		}
		writeFile(w, export.ContentTypePDF, "orden_masiva_"+run.ID+".pdf", b)
	default:
		ok, failed := run.Totals()
		writeJSON(w, batchResponse{
			ID:      run.ID,
			Count:   len(run.Items),
			OK:      ok,
			Failed:  failed,
			Results: run.Items,
		})
	}
}
