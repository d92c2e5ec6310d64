package normalize

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
)

// Row is one normalized record from a concentrator response.
type Row map[string]any

// Format identifies which decoder produced the rows.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXML  Format = "xml"
	FormatRaw  Format = "raw"
)

// Result is the outcome of normalizing a response body. Rows is nil when the
// body could not be turned into a table and the caller should fall back to the
// raw text.
type Result struct {
	Rows   []Row
	Format Format
}

var delimiters = []rune{',', ';', '\t'}

// Normalize converts a raw response body into rows. Concentrators do not
// report a reliable content type so every decoder is attempted in order: JSON,
// then delimited text, then XML flattening.
func Normalize(body []byte) Result {
	if rows, ok := decodeJSON(body); ok {
		return Result{Rows: rows, Format: FormatJSON}
	}
	if rows := decodeDelimited(body); rows != nil {
		return Result{Rows: rows, Format: FormatCSV}
	}
	if rows := FlattenXML(body); rows != nil {
		return Result{Rows: rows, Format: FormatXML}
	}
	return Result{Format: FormatRaw}
}

func decodeJSON(body []byte) ([]Row, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	switch t := v.(type) {
	case map[string]any:
		return []Row{Row(t)}, true
	case []any:
		rows := make([]Row, 0, len(t))
		for _, el := range t {
			if m, ok := el.(map[string]any); ok {
				rows = append(rows, Row(m))
			} else {
				rows = append(rows, Row{"value": el})
			}
		}
		return rows, true
	default:
		return nil, false
	}
}

func decodeDelimited(body []byte) []Row {
	for _, delim := range delimiters {
		if rows := decodeWith(body, delim); rows != nil {
			return rows
		}
	}
	return nil
}

func decodeWith(body []byte, delim rune) []Row {
	r := csv.NewReader(bytes.NewReader(body))
	r.Comma = delim
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil || len(records) < 2 {
		return nil
	}
	header := records[0]
	distinct := make(map[string]struct{}, len(header))
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
		distinct[header[i]] = struct{}{}
	}
	if len(distinct) < 2 {
		return nil
	}

	rows := make([]Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(Row, len(header))
		for i, h := range header {
			if i < len(rec) {
				row[h] = rec[i]
			} else {
				row[h] = nil
			}
		}
		rows = append(rows, row)
	}
	return rows
}

const relayStateField = "Eacti"

// RelayState extracts the relay state indicator from the first row. The field
// is matched exactly first and then by a case-insensitive suffix so prefixed
// columns like Cnt.Eacti are also found.
func RelayState(rows []Row) (string, bool) {
	if len(rows) == 0 {
		return "", false
	}
	row := rows[0]
	if v, ok := row[relayStateField]; ok && v != nil {
		return stringify(v), true
	}
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	suffix := strings.ToLower(relayStateField)
	for _, k := range keys {
		if strings.HasSuffix(strings.ToLower(k), suffix) && row[k] != nil {
			return stringify(row[k]), true
		}
	}
	return "", false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
