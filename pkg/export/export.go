// Package export renders massive order results and report rows as
// spreadsheets and PDFs.
package export

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"github.com/gedebridge/gedebridge/pkg/metrics"
	"github.com/gedebridge/gedebridge/pkg/normalize"
	"github.com/gedebridge/gedebridge/pkg/types"
)

const (
	FormatXLSX = "xlsx"
	FormatPDF  = "pdf"

	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	ContentTypePDF  = "application/pdf"
)

// ItemHeaders are the columns of a batch item table.
var ItemHeaders = []string{"NIS", "Nombre", "Medidor", "Accion", "Eacti", "Estado", "OK", "Error", "IP", "Concentrador"}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ItemRow returns the cells of one batch item in ItemHeaders order.
func ItemRow(it types.BatchItem) []string {
	conc := ""
	if it.ConcentratorID != nil {
		conc = strconv.FormatInt(*it.ConcentratorID, 10)
	}
	ok := "NO"
	if it.OK {
		ok = "SI"
	}
	return []string{
		deref(it.NIS),
		deref(it.Name),
		it.Meter,
		string(it.Action),
		deref(it.RelayState),
		deref(it.Status),
		ok,
		deref(it.Error),
		deref(it.Address),
		conc,
	}
}

func record(format string, err error) {
	if err != nil {
		metrics.IncExport(format, metrics.ResultError)
		return
	}
	metrics.IncExport(format, metrics.ResultSuccess)
}

// BatchXLSX renders a massive order as a workbook with a summary sheet and
// an items sheet.
func BatchXLSX(run types.BatchRun) (b []byte, err error) {
	defer func() { record(FormatXLSX, err) }()

	f := excelize.NewFile()
	defer f.Close()

	summarySheet := "summary"
	itemsSheet := "items"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(itemsSheet); err != nil {
		return nil, err
	}

	ok, failed := run.Totals()
	summary := [][]any{
		{"Orden masiva"},
		{},
		{"ID", run.ID},
		{"IdPet", run.RequestID},
		{"Accion", string(run.Action)},
		{"Fecha accion", run.ActionTime},
		{"Prioridad", run.Priority},
		{"Inicio", run.StartedAt.UTC().Format(time.RFC3339)},
		{"Fin", run.FinishedAt.UTC().Format(time.RFC3339)},
		{"OK", ok},
		{"Fallidos", failed},
	}
	for i, row := range summary {
		if err := f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", i+1), &row); err != nil {
			return nil, err
		}
	}

	if err := f.SetSheetRow(itemsSheet, "A1", &ItemHeaders); err != nil {
		return nil, err
	}
	for i, it := range run.Items {
		row := ItemRow(it)
		if err := f.SetSheetRow(itemsSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, err
		}
	}
	if err := boldHeader(f, itemsSheet, len(ItemHeaders)); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func boldHeader(f *excelize.File, sheet string, cols int) error {
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(cols, 1)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, "A1", last, style)
}

// ReportColumns returns the union of the row keys, sorted.
func ReportColumns(rows []normalize.Row) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// ReportXLSX renders the normalized rows of a report. A result without rows
// gets its raw body in A1 of the data sheet.
func ReportXLSX(res types.CommandResult) (b []byte, err error) {
	defer func() { record(FormatXLSX, err) }()

	f := excelize.NewFile()
	defer f.Close()

	sheet := res.Report
	if sheet == "" {
		sheet = "report"
	}
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	if len(res.Rows) == 0 {
		if err := f.SetCellValue(sheet, "A1", res.Raw); err != nil {
			return nil, err
		}
	} else {
		cols := ReportColumns(res.Rows)
		if err := f.SetSheetRow(sheet, "A1", &cols); err != nil {
			return nil, err
		}
		for i, r := range res.Rows {
			values := make([]any, len(cols))
			for j, c := range cols {
				values[j] = cellValue(r[c])
			}
			if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", i+2), &values); err != nil {
				return nil, err
			}
		}
		if err := boldHeader(f, sheet, len(cols)); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// cellValue keeps scalars and stringifies everything else.
func cellValue(v any) any {
	switch c := v.(type) {
	case nil:
		return nil
	case string, bool, int, int64, float64:
		return c
	case fmt.Stringer:
		return c.String()
	default:
		return fmt.Sprint(c)
	}
}

var pdfWidths = []float64{22, 40, 30, 20, 12, 24, 10, 70, 28, 24}

// BatchPDF renders a massive order as a landscape table.
func BatchPDF(run types.BatchRun) (b []byte, err error) {
	defer func() { record(FormatPDF, err) }()

	pdf := gofpdf.New("L", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	ok, failed := run.Totals()
	pdf.Cell(0, 8, tr(fmt.Sprintf("Orden masiva %s", run.ID)))
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, tr(fmt.Sprintf("Accion: %s   Fecha: %s   Prioridad: %d   IdPet: %d", run.Action, run.ActionTime, run.Priority, run.RequestID)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("OK: %d   Fallidos: %d", ok, failed))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 8)
	for i, h := range ItemHeaders {
		pdf.CellFormat(pdfWidths[i], 6, h, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 7)
	for _, it := range run.Items {
		for i, c := range ItemRow(it) {
			pdf.CellFormat(pdfWidths[i], 5, tr(fit(pdf, c, pdfWidths[i])), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fit cuts s so it fits in a cell of width w.
func fit(pdf *gofpdf.Fpdf, s string, w float64) string {
	r := []rune(s)
	for len(r) > 0 && pdf.GetStringWidth(string(r))+2 > w {
		r = r[:len(r)-1]
	}
	return string(r)
}
