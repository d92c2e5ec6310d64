package meters

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/gedebridge/gedebridge/pkg/gede"
	"github.com/gedebridge/gedebridge/pkg/gede/gedetest"
	"github.com/gedebridge/gedebridge/pkg/log"
	"github.com/gedebridge/gedebridge/pkg/mapping"
	"github.com/gedebridge/gedebridge/pkg/meterid"
	"github.com/gedebridge/gedebridge/pkg/storage/storagemock"
	"github.com/gedebridge/gedebridge/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeResolver map[int64]mapping.Concentrator

func (f fakeResolver) Resolve(ctx context.Context, key int64) (mapping.Concentrator, error) {
	c, ok := f[key]
	if !ok {
		return mapping.Concentrator{}, mapping.ErrMeterNotFound
	}
	return c, nil
}

type fakeCatalog map[int64]types.Customer

func (f fakeCatalog) Customer(ctx context.Context, key int64) (types.Customer, bool) {
	c, ok := f[key]
	return c, ok
}

func newTestExecutor(t *testing.T, resolver Resolver, db *storagemock.MockDatabase) *Executor {
	opts := Options{
		Resolver: resolver,
		Client: gede.New(gede.Options{
			Credentials:    &gede.CredentialStore{Defaults: gede.Credentials{Username: "admin", Password: "Adm1n"}},
			SessionTimeout: 5 * time.Second,
			CommandTimeout: 5 * time.Second,
		}),
		SettleDelay: -1,
		Now:         func() time.Time { return fixedNow },
	}
	if db != nil {
		opts.Database = db
	}
	return New(opts)
}

// orderHandler accepts orders and answers S01 with relay state.
func orderHandler(t *testing.T, state string, bodies *[]string) http.HandlerFunc {
	var mu sync.Mutex
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/order"):
			b, _ := io.ReadAll(r.Body)
			if bodies != nil {
				mu.Lock()
				*bodies = append(*bodies, string(b))
				mu.Unlock()
			}
			w.Header().Set("Content-Type", "application/xml")
			io.WriteString(w, `<Response Result="OK"/>`)
		case strings.HasSuffix(r.URL.Path, "/report/S01"):
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `[{"Eacti":"`+state+`","Vf":"220"}]`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	}
}

func TestReadReport(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		fake := gedetest.New(t)
		fake.Handler = func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/report/S02", r.URL.Path)
			assert.Equal(t, "CIR0141825620", r.URL.Query().Get("idMeters"))
			assert.Equal(t, "2024-01-01T00:01:00Z", r.URL.Query().Get("fini"))
			w.Header().Set("Content-Type", "text/csv")
			io.WriteString(w, "Fh;Vf\n2024;220\n2025;221\n")
		}
		e := newTestExecutor(t, fakeResolver{141825620: {ID: 42, Address: fake.Address()}}, nil)

		res, err := e.ReadReport(ctx, ReportRequest{Meter: "141825620", Report: "S02", Priority: 2, Start: "2024-01-01T00:01:00Z"})
		require.NoError(t, err)
		assert.Equal(t, "CIR0141825620", res.Meter)
		assert.Equal(t, int64(42), res.ConcentratorID)
		assert.Equal(t, "http://"+fake.Address()+"/api/v1", res.BaseURL)
		assert.Equal(t, "text/csv", res.ContentType)
		require.Len(t, res.Rows, 2)
		assert.Equal(t, "221", res.Rows[1]["Vf"])
		assert.Nil(t, res.Order)

		logins, scales, logouts := fake.Counts()
		assert.Equal(t, 1, logins)
		assert.Equal(t, 0, scales)
		assert.Equal(t, 1, logouts)
	})

	t.Run("Device Error Logs Out", func(t *testing.T) {
		fake := gedetest.New(t)
		fake.Handler = func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no data", http.StatusNotFound)
		}
		e := newTestExecutor(t, fakeResolver{1: {ID: 1, Address: fake.Address()}}, nil)

		_, err := e.ReadReport(ctx, ReportRequest{Meter: "CIR1", Report: "S02"})
		require.ErrorIs(t, err, gede.ErrReportFetchFailed)
		_, _, logouts := fake.Counts()
		assert.Equal(t, 1, logouts)
	})

	t.Run("Auth Retry", func(t *testing.T) {
		fake := gedetest.New(t)
		calls := 0
		fake.Handler = func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls == 1 {
				fake.ExpireTokens()
				http.Error(w, "expired", http.StatusUnauthorized)
				return
			}
			io.WriteString(w, `{"ok":true}`)
		}
		e := newTestExecutor(t, fakeResolver{1: {ID: 1, Address: fake.Address()}}, nil)

		res, err := e.ReadReport(ctx, ReportRequest{Meter: "1", Report: "S02"})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.Equal(t, true, res.Rows[0]["ok"])

		logins, _, logouts := fake.Counts()
		assert.Equal(t, 2, logins)
		assert.Equal(t, 1, logouts)
	})

	t.Run("Timeout", func(t *testing.T) {
		fake := gedetest.New(t)
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		fake.Handler = func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
		e := New(Options{
			Resolver: fakeResolver{1: {ID: 1, Address: fake.Address()}},
			Client: gede.New(gede.Options{
				SessionTimeout: 5 * time.Second,
				CommandTimeout: 50 * time.Millisecond,
			}),
		})

		_, err := e.ReadReport(ctx, ReportRequest{Meter: "1", Report: "S02"})
		require.ErrorIs(t, err, gede.ErrDeviceTimeout)
		_, _, logouts := fake.Counts()
		assert.Equal(t, 1, logouts)
	})

	t.Run("Input Errors", func(t *testing.T) {
		e := newTestExecutor(t, fakeResolver{}, nil)

		_, err := e.ReadReport(ctx, ReportRequest{Meter: "abc", Report: "S02"})
		assert.ErrorIs(t, err, meterid.ErrInvalidIdentifier)

		_, err = e.ReadReport(ctx, ReportRequest{Meter: "5", Report: "S02"})
		assert.ErrorIs(t, err, mapping.ErrMeterNotFound)

		_, err = e.ReadReport(ctx, ReportRequest{Meter: "5"})
		assert.ErrorIs(t, err, ErrInvalidReport)
	})
}

func TestSendOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		fake := gedetest.New(t)
		var bodies []string
		fake.Handler = orderHandler(t, "0", &bodies)

		db := &storagemock.MockDatabase{}
		db.On("InsertOrder", mock.Anything, mock.MatchedBy(func(r types.OrderRecord) bool {
			return r.OK && r.Meter == "CIR0141825620" && r.RelayState == "0" && r.ConcentratorID == 7 && r.RequestID == 9
		})).Return(nil).Once()

		e := newTestExecutor(t, fakeResolver{141825620: {ID: 7, Address: fake.Address()}}, db)
		res, err := e.SendOrder(ctx, OrderRequest{Meter: "CIR141825620", Order: 0, Priority: 2, RequestID: 9})
		require.NoError(t, err)

		require.NotNil(t, res.Order)
		assert.Equal(t, 0, *res.Order)
		require.NotNil(t, res.RelayState)
		assert.Equal(t, "0", *res.RelayState)
		assert.Equal(t, "OK", res.Rows[0]["Result"])

		require.Len(t, bodies, 1)
		assert.Contains(t, bodies[0], `<Cnc Id="CIR7"><Cnt Id="CIR0141825620">`)
		assert.Contains(t, bodies[0], `Fini="20240301120000000W" Ffin="20240302120000000W" Order="0"`)
		assert.Contains(t, bodies[0], `IdPet="9"`)

		logins, scales, logouts := fake.Counts()
		assert.Equal(t, 1, logins)
		assert.Equal(t, 1, scales)
		assert.Equal(t, 1, logouts)
		db.AssertExpectations(t)
	})

	t.Run("Start Only", func(t *testing.T) {
		fake := gedetest.New(t)
		var bodies []string
		fake.Handler = orderHandler(t, "1", &bodies)
		e := newTestExecutor(t, fakeResolver{1: {ID: 1, Address: fake.Address()}}, nil)

		_, err := e.SendOrder(ctx, OrderRequest{Meter: "1", Order: 1, Start: "2024-05-01T10:00:00Z"})
		require.NoError(t, err)
		require.Len(t, bodies, 1)
		assert.Contains(t, bodies[0], `Fini="20240501100000000W" Ffin="20240501100000000W" Order="1"`)
	})

	t.Run("Auth Retry", func(t *testing.T) {
		fake := gedetest.New(t)
		inner := orderHandler(t, "1", nil)
		expired := false
		fake.Handler = func(w http.ResponseWriter, r *http.Request) {
			if !expired {
				expired = true
				fake.ExpireTokens()
				http.Error(w, "expired", http.StatusUnauthorized)
				return
			}
			inner(w, r)
		}
		e := newTestExecutor(t, fakeResolver{1: {ID: 1, Address: fake.Address()}}, nil)

		res, err := e.SendOrder(ctx, OrderRequest{Meter: "1", Order: 1})
		require.NoError(t, err)
		require.NotNil(t, res.RelayState)

		logins, scales, logouts := fake.Counts()
		assert.Equal(t, 2, logins)
		assert.Equal(t, 2, scales)
		assert.Equal(t, 1, logouts)
	})

	t.Run("State Read Failure", func(t *testing.T) {
		fake := gedetest.New(t)
		fake.Handler = func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/order") {
				w.WriteHeader(http.StatusOK)
				return
			}
			http.Error(w, "busy", http.StatusServiceUnavailable)
		}
		e := newTestExecutor(t, fakeResolver{1: {ID: 1, Address: fake.Address()}}, nil)

		res, err := e.SendOrder(ctx, OrderRequest{Meter: "1", Order: 0})
		require.NoError(t, err)
		assert.Nil(t, res.RelayState)
	})

	t.Run("State Read Connection Lost", func(t *testing.T) {
		fake := gedetest.New(t)
		fake.Handler = func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/order") {
				w.WriteHeader(http.StatusOK)
				return
			}
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
				}
			}
		}
		e := newTestExecutor(t, fakeResolver{1: {ID: 1, Address: fake.Address()}}, nil)

		res, err := e.SendOrder(ctx, OrderRequest{Meter: "1", Order: 1})
		require.NoError(t, err)
		assert.Nil(t, res.RelayState)
	})

	t.Run("Order Rejected", func(t *testing.T) {
		fake := gedetest.New(t)
		fake.Handler = func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "meter offline", http.StatusInternalServerError)
		}
		db := &storagemock.MockDatabase{}
		db.On("InsertOrder", mock.Anything, mock.MatchedBy(func(r types.OrderRecord) bool {
			return !r.OK && strings.Contains(r.Error, "meter offline") && r.Address == fake.Address()
		})).Return(nil).Once()
		e := newTestExecutor(t, fakeResolver{1: {ID: 1, Address: fake.Address()}}, db)

		_, err := e.SendOrder(ctx, OrderRequest{Meter: "1", Order: 0})
		require.ErrorIs(t, err, gede.ErrOrderFailed)
		_, _, logouts := fake.Counts()
		assert.Equal(t, 1, logouts)
		db.AssertExpectations(t)
	})

	t.Run("Escalation Failure", func(t *testing.T) {
		fake := gedetest.New(t)
		fake.SetScaleStatus(http.StatusForbidden)
		fake.Handler = orderHandler(t, "1", nil)
		e := newTestExecutor(t, fakeResolver{1: {ID: 1, Address: fake.Address()}}, nil)

		_, err := e.SendOrder(ctx, OrderRequest{Meter: "1", Order: 0})
		require.ErrorIs(t, err, gede.ErrEscalationFailed)
		_, _, logouts := fake.Counts()
		assert.Equal(t, 1, logouts)
	})

	t.Run("Invalid Order", func(t *testing.T) {
		e := newTestExecutor(t, fakeResolver{}, nil)
		_, err := e.SendOrder(ctx, OrderRequest{Meter: "1", Order: 2})
		assert.ErrorIs(t, err, ErrInvalidOrder)
	})

	t.Run("Settle Delay Canceled", func(t *testing.T) {
		fake := gedetest.New(t)
		fake.Handler = orderHandler(t, "1", nil)
		e := New(Options{
			Resolver:    fakeResolver{1: {ID: 1, Address: fake.Address()}},
			SettleDelay: time.Hour,
		})

		ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		res, err := e.SendOrder(ctx, OrderRequest{Meter: "1", Order: 1})
		require.NoError(t, err)
		assert.Nil(t, res.RelayState)
		_, _, logouts := fake.Counts()
		assert.Equal(t, 1, logouts)
	})
}

func TestRunBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("Isolation", func(t *testing.T) {
		good := gedetest.New(t)
		good.Handler = orderHandler(t, "0", nil)
		bad := gedetest.New(t)
		bad.Handler = func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, strings.Repeat("e", 500), http.StatusInternalServerError)
		}

		db := &storagemock.MockDatabase{}
		db.On("InsertOrder", mock.Anything, mock.Anything).Return(nil)
		db.On("InsertBatch", mock.Anything, mock.MatchedBy(func(run types.BatchRun) bool {
			return len(run.Items) == 3 && run.ID != ""
		})).Return(nil).Once()

		e := newTestExecutor(t, fakeResolver{
			10: {ID: 100, Address: good.Address()},
			20: {ID: 200, Address: bad.Address()},
		}, db)
		run, err := e.RunBatch(ctx, BatchRequest{
			Meters:     []int64{10, 30, 20, 10},
			Order:      0,
			ActionTime: "2024-03-05T08:00:00Z",
			Priority:   2,
			RequestID:  5,
		}, fakeCatalog{10: {NIS: "N-10", Name: "Ana"}})
		require.NoError(t, err)

		assert.Equal(t, "20240305080000000W", run.ActionTime)
		assert.Equal(t, types.ActionDisconnect, run.Action)
		require.Len(t, run.Items, 3)

		first := run.Items[0]
		assert.Equal(t, "CIR0000000010", first.Meter)
		assert.True(t, first.OK)
		require.NotNil(t, first.NIS)
		assert.Equal(t, "N-10", *first.NIS)
		require.NotNil(t, first.Status)
		assert.Equal(t, "Desconectado", *first.Status)
		require.NotNil(t, first.ConcentratorID)
		assert.Equal(t, int64(100), *first.ConcentratorID)
		assert.Nil(t, first.Error)

		unmapped := run.Items[1]
		assert.Equal(t, int64(30), unmapped.MeterKey)
		assert.False(t, unmapped.OK)
		require.NotNil(t, unmapped.Error)
		assert.Nil(t, unmapped.Address)
		assert.Nil(t, unmapped.NIS)

		failed := run.Items[2]
		assert.False(t, failed.OK)
		require.NotNil(t, failed.Error)
		assert.LessOrEqual(t, len(*failed.Error), 200)
		require.NotNil(t, failed.Address)
		assert.Equal(t, bad.Address(), *failed.Address)

		ok, nok := run.Totals()
		assert.Equal(t, 1, ok)
		assert.Equal(t, 2, nok)

		_, _, logouts := good.Counts()
		assert.Equal(t, 1, logouts)
		_, _, logouts = bad.Counts()
		assert.Equal(t, 1, logouts)
		db.AssertExpectations(t)
	})

	t.Run("Relay State Read", func(t *testing.T) {
		// the connection drops while reading the state
		dropped := gedetest.New(t)
		dropped.Handler = func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/order") {
				w.WriteHeader(http.StatusOK)
				return
			}
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("response writer cannot hijack")
				return
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
		}
		// the state report answers with an error status
		refused := gedetest.New(t)
		refused.Handler = func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/order") {
				w.WriteHeader(http.StatusOK)
				return
			}
			http.Error(w, "busy", http.StatusServiceUnavailable)
		}

		e := newTestExecutor(t, fakeResolver{
			1: {ID: 10, Address: dropped.Address()},
			2: {ID: 20, Address: refused.Address()},
		}, nil)
		run, err := e.RunBatch(ctx, BatchRequest{
			Meters:     []int64{1, 2},
			Order:      1,
			ActionTime: "2024-03-05T08:00:00Z",
		}, nil)
		require.NoError(t, err)
		require.Len(t, run.Items, 2)

		lost := run.Items[0]
		assert.False(t, lost.OK)
		require.NotNil(t, lost.Error)
		assert.Contains(t, *lost.Error, "relay state read")
		assert.Nil(t, lost.RelayState)
		require.NotNil(t, lost.Address)
		assert.Equal(t, dropped.Address(), *lost.Address)

		unknown := run.Items[1]
		assert.True(t, unknown.OK)
		assert.Nil(t, unknown.Error)
		assert.Nil(t, unknown.RelayState)
		assert.Nil(t, unknown.Status)

		_, _, logouts := dropped.Counts()
		assert.Equal(t, 1, logouts)
	})

	t.Run("Whole Call Errors", func(t *testing.T) {
		e := newTestExecutor(t, fakeResolver{}, nil)

		_, err := e.RunBatch(ctx, BatchRequest{Order: 1, ActionTime: "2024-03-05T08:00:00Z"}, nil)
		assert.ErrorIs(t, err, ErrNoMeters)

		_, err = e.RunBatch(ctx, BatchRequest{Meters: []int64{1}, Order: 1, ActionTime: "tomorrow"}, nil)
		assert.ErrorIs(t, err, gede.ErrInvalidTimestamp)

		_, err = e.RunBatch(ctx, BatchRequest{Meters: []int64{1}, Order: 3, ActionTime: "2024-03-05"}, nil)
		assert.ErrorIs(t, err, ErrInvalidOrder)
	})
}

func xlsxBytes(t *testing.T, rows ...[]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestParseMeterList(t *testing.T) {
	t.Run("Header", func(t *testing.T) {
		data := xlsxBytes(t,
			[]any{"NIS", "Medidor"},
			[]any{"A1", "CIR0141825620"},
			[]any{"A2", 141825621},
			[]any{"A3", "n/a"},
			[]any{"A4", 141825622.0},
		)
		keys, err := ParseMeterList(data)
		require.NoError(t, err)
		assert.Equal(t, []int64{141825620, 141825621, 141825622}, keys)
	})

	t.Run("No Header", func(t *testing.T) {
		data := xlsxBytes(t,
			[]any{141825620},
			[]any{141825620},
			[]any{"141825623"},
		)
		keys, err := ParseMeterList(data)
		require.NoError(t, err)
		assert.Equal(t, []int64{141825620, 141825620, 141825623}, keys)
	})

	t.Run("Unknown Header Uses First Column", func(t *testing.T) {
		data := xlsxBytes(t,
			[]any{"Numero", "Otro"},
			[]any{"77", "88"},
		)
		keys, err := ParseMeterList(data)
		require.NoError(t, err)
		assert.Equal(t, []int64{77}, keys)
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := ParseMeterList([]byte("not a workbook"))
		assert.ErrorIs(t, err, ErrInvalidUpload)
	})
}

func TestSpreadsheetCatalog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.xlsx")

	c := NewSpreadsheetCatalog(path)
	_, ok := c.Customer(ctx, 10)
	assert.False(t, ok)

	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"Cliente", "N.I.S", "CIR"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"Ana", " 1001 ", "CIR0000000010"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]any{"Bruno", 1002, 11}))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	cust, ok := c.Customer(ctx, 10)
	require.True(t, ok)
	assert.Equal(t, types.Customer{NIS: "1001", Name: "Ana"}, cust)

	cust, ok = c.Customer(ctx, 11)
	require.True(t, ok)
	assert.Equal(t, "Bruno", cust.Name)

	_, ok = c.Customer(ctx, 12)
	assert.False(t, ok)
}
