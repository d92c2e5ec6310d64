package gede

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gedebridge/gedebridge/pkg/log"
)

// body limit quoted in report and order errors
const commandBodyLimit = 400

// ReportQuery selects a report for one meter. Start and End are omitted when
// empty.
type ReportQuery struct {
	Name     string
	Meter    string
	Priority int
	Start    string
	End      string
}

func (q ReportQuery) values() url.Values {
	v := url.Values{}
	v.Set("idMeters", q.Meter)
	v.Set("priority", strconv.Itoa(q.Priority))
	if q.Start != "" {
		v.Set("fini", q.Start)
	}
	if q.End != "" {
		v.Set("fend", q.End)
	}
	return v
}

// Report reads a report. Any status other than 200 is ErrReportFetchFailed.
func (s *Session) Report(ctx context.Context, q ReportQuery) (*Response, error) {
	resp, err := s.Do(ctx, "report", Request{
		Method: http.MethodGet,
		Path:   "report/" + url.PathEscape(q.Name),
		Query:  q.values(),
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, newStatusError(ErrReportFetchFailed, "report "+q.Name, resp.Status, resp.Body, commandBodyLimit)
	}
	return resp, nil
}

// Order sends a B03 order with PUT. Concentrators that answer 405 get the
// same order again as POST. The PUT/POST pair is one attempt: an auth
// rejection anywhere in it gets a single fresh login for the whole pair. Any
// final status other than 200 is ErrOrderFailed.
func (s *Session) Order(ctx context.Context, cmd OrderCommand, priority int) (*Response, error) {
	body, err := cmd.Body()
	if err != nil {
		return nil, err
	}
	r := Request{
		Path:        "order",
		Query:       url.Values{"priority": []string{strconv.Itoa(priority)}},
		Body:        body,
		ContentType: "application/xml",
	}
	resp, err := s.withRetry(ctx, "order", func() (*Response, error) {
		r.Method = http.MethodPut
		resp, err := s.client.do(ctx, s.client.command, "order", s.address, s.token, r)
		if err != nil || resp.Status != http.StatusMethodNotAllowed {
			return resp, err
		}
		log.Ctx(ctx).DebugContext(ctx, "order PUT not allowed, retrying as POST", log.Address(s.address))
		r.Method = http.MethodPost
		return s.client.do(ctx, s.client.command, "order", s.address, s.token, r)
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		log.Ctx(ctx).WarnContext(ctx, "concentrator order failed",
			log.Address(s.address),
			log.Meter(cmd.Meter),
			slog.Int("status", resp.Status),
		)
		return nil, newStatusError(ErrOrderFailed, "order", resp.Status, resp.Body, commandBodyLimit)
	}
	return resp, nil
}
