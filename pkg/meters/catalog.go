package meters

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/xuri/excelize/v2"

	"github.com/gedebridge/gedebridge/pkg/log"
	"github.com/gedebridge/gedebridge/pkg/meterid"
	"github.com/gedebridge/gedebridge/pkg/types"
)

// Catalog returns the customer attached to a meter.
type Catalog interface {
	Customer(ctx context.Context, meterKey int64) (types.Customer, bool)
}

var (
	catalogMeterColumns = []string{"medidor", "meter", "idmedidor", "cir"}
	catalogNISColumns   = []string{"nis", "n.i.s", "nº nis", "numero nis"}
	catalogNameColumns  = []string{"nombre", "name", "cliente"}
)

// SpreadsheetCatalog reads customers from the first sheet of an xlsx file
// with a header row. The file is read again when its modification time
// changes. A file that cannot be read yields an empty catalog.
type SpreadsheetCatalog struct {
	path string

	mu        sync.Mutex
	modTime   time.Time
	customers map[int64]types.Customer
}

// NewSpreadsheetCatalog creates a catalog for the spreadsheet at path.
func NewSpreadsheetCatalog(path string) *SpreadsheetCatalog {
	return &SpreadsheetCatalog{path: path}
}

// ConfiguredCatalog sets up the customer catalog from flags.
func ConfiguredCatalog() *SpreadsheetCatalog {
	path := lflag.String("catalog-file", "data/cadena_electrica_georreferenciacion.xlsx", "Spreadsheet with NIS and customer name per meter")

	c := &SpreadsheetCatalog{}
	lflag.Do(func() {
		c.path = *path
	})
	return c
}

// Customer implements Catalog.
func (c *SpreadsheetCatalog) Customer(ctx context.Context, meterKey int64) (types.Customer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refresh(ctx)
	cust, ok := c.customers[meterKey]
	return cust, ok
}

func (c *SpreadsheetCatalog) refresh(ctx context.Context) {
	if c.path == "" {
		c.customers = nil
		return
	}
	fi, err := os.Stat(c.path)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "customer catalog unavailable", slog.String("path", c.path), slog.Any("error", err))
		c.customers = nil
		c.modTime = time.Time{}
		return
	}
	if c.customers != nil && fi.ModTime().Equal(c.modTime) {
		return
	}

	customers, err := loadCatalog(c.path)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load customer catalog", slog.String("path", c.path), slog.Any("error", err))
		customers = map[int64]types.Customer{}
	}
	c.customers = customers
	c.modTime = fi.ModTime()
	log.Ctx(ctx).DebugContext(ctx, "loaded customer catalog", slog.String("path", c.path), slog.Int("customers", len(customers)))
}

func loadCatalog(path string) (map[int64]types.Customer, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := firstSheetRows(f)
	if err != nil {
		return nil, err
	}
	customers := make(map[int64]types.Customer)
	if len(rows) == 0 {
		return customers, nil
	}

	header := rows[0]
	meterCol := headerIndex(header, catalogMeterColumns...)
	if meterCol < 0 {
		return customers, nil
	}
	nisCol := headerIndex(header, catalogNISColumns...)
	nameCol := headerIndex(header, catalogNameColumns...)

	for _, row := range rows[1:] {
		key, ok := meterid.ParseCell(cellAt(row, meterCol))
		if !ok {
			continue
		}
		customers[key] = types.Customer{
			NIS:  strings.TrimSpace(cellAt(row, nisCol)),
			Name: strings.TrimSpace(cellAt(row, nameCol)),
		}
	}
	return customers, nil
}

// firstSheetRows returns the rows of the active sheet, falling back to the
// first sheet of the workbook.
func firstSheetRows(f *excelize.File) ([][]string, error) {
	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if sheet == "" {
		if list := f.GetSheetList(); len(list) > 0 {
			sheet = list[0]
		}
	}
	return f.GetRows(sheet, excelize.Options{RawCellValue: true})
}

// headerIndex returns the column of the first name found in header, compared
// case-insensitively, or -1.
func headerIndex(header []string, names ...string) int {
	low := make([]string, len(header))
	for i, h := range header {
		low[i] = strings.ToLower(strings.TrimSpace(h))
	}
	for _, n := range names {
		for i, h := range low {
			if h == n {
				return i
			}
		}
	}
	return -1
}

func cellAt(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return row[col]
}
