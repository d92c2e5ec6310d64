package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gedebridge/gedebridge/pkg/export"
	"github.com/gedebridge/gedebridge/pkg/log"
	"github.com/gedebridge/gedebridge/pkg/types"
)

const maxHistoryRange = 7 * 24 * time.Hour

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	switch format {
	case "", "json", export.FormatXLSX, export.FormatPDF:
	default:
		writeJSONError(w, "unsupported format: "+format, http.StatusBadRequest)
		return
	}

	run, err := s.storage.GetBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeCommandError(w, r, "failed to get massive order", err)
		return
	}
	if format == "" || format == "json" {
		writeJSON(w, run)
		return
	}
	s.writeBatch(w, r, run, format)
}

func (s *Server) handleHistoryOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	records, err := s.storage.GetOrderHistory(ctx, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get order history", slog.Any("error", err))
		writeJSONError(w, "failed to get order history", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []types.OrderRecord{}
	}
	writeJSON(w, records)
}

func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		// Default to last 24 hours if not specified
		end := time.Now()
		start := end.Add(-24 * time.Hour)
		return start, end, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > maxHistoryRange {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed 7 days")
	}

	return start, end, nil
}
