package mapping

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/gedebridge/gedebridge/pkg/meterid"
)

// Sheet is a row-major view of one worksheet. Rows may be ragged.
type Sheet [][]string

const (
	// DefaultAddressRow and DefaultConcentratorRow are used when detection is
	// not confident. Rows are 1-based.
	DefaultAddressRow      = 3
	DefaultConcentratorRow = 9

	// MinScore is the number of matching cells a row needs to be accepted.
	MinScore = 2

	addressScanRows      = 60
	concentratorScanRows = 80

	// the first column usually holds labels
	firstDataCol = 1

	minConcentratorID = 100_000_000
)

var ipv4Re = regexp.MustCompile(`^\d{1,3}(?:\.\d{1,3}){3}$`)

// Candidate is the best scoring row for one kind of content.
type Candidate struct {
	Row   int
	Score int
}

// Layout is the detected position of the address and concentrator rows.
type Layout struct {
	AddressRow      int
	ConcentratorRow int
	Detected        bool
}

func (s Sheet) cell(row, col int) string {
	if row < 1 || row > len(s) {
		return ""
	}
	r := s[row-1]
	if col < 0 || col >= len(r) {
		return ""
	}
	return strings.TrimSpace(r[col])
}

func (s Sheet) width(row int) int {
	if row < 1 || row > len(s) {
		return 0
	}
	return len(s[row-1])
}

// cellInt parses a cell holding an integer. Numeric cells come back as
// "150000001" or "1.50000001E+08" depending on the writer.
func cellInt(v string) (int64, bool) {
	if v == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func scoreRows(s Sheet, limit int, defaultRow int, match func(string) bool) Candidate {
	best := Candidate{Row: defaultRow}
	for r := 1; r <= min(limit, len(s)); r++ {
		var score int
		for c := firstDataCol; c < s.width(r); c++ {
			if match(s.cell(r, c)) {
				score++
			}
		}
		if score > best.Score {
			best = Candidate{Row: r, Score: score}
		}
	}
	return best
}

// ScoreRows returns the best address row candidate (most IPv4 literals) and
// the best concentrator row candidate (most integers >= 10^8).
func ScoreRows(s Sheet) (address Candidate, concentrator Candidate) {
	address = scoreRows(s, addressScanRows, DefaultAddressRow, ipv4Re.MatchString)
	concentrator = scoreRows(s, concentratorScanRows, DefaultConcentratorRow, func(v string) bool {
		n, ok := cellInt(v)
		return ok && n >= minConcentratorID
	})
	return address, concentrator
}

// DetectRows picks the address and concentrator rows for a sheet, falling
// back to the default rows when a candidate scores below MinScore or when the
// concentrator row is not below the address row.
func DetectRows(s Sheet) Layout {
	address, concentrator := ScoreRows(s)
	l := Layout{
		AddressRow:      DefaultAddressRow,
		ConcentratorRow: DefaultConcentratorRow,
	}
	if address.Score >= MinScore {
		l.AddressRow = address.Row
	}
	if concentrator.Score >= MinScore {
		l.ConcentratorRow = concentrator.Row
	}
	if l.ConcentratorRow <= l.AddressRow {
		return Layout{AddressRow: DefaultAddressRow, ConcentratorRow: DefaultConcentratorRow}
	}
	l.Detected = address.Score >= MinScore || concentrator.Score >= MinScore
	return l
}

// Build derives the meter and address maps from the sheets of a workbook.
// Sheets are applied in order and later entries overwrite earlier ones.
func Build(sheets []Sheet) *Snapshot {
	snap := &Snapshot{
		meters:    make(map[int64]int64),
		addresses: make(map[int64]string),
	}
	for _, s := range sheets {
		snap.apply(s, DetectRows(s))
	}
	return snap
}

func (snap *Snapshot) apply(s Sheet, l Layout) {
	type column struct {
		col          int
		concentrator int64
	}
	var cols []column
	for c := firstDataCol; c < s.width(l.ConcentratorRow); c++ {
		if id, ok := cellInt(s.cell(l.ConcentratorRow, c)); ok {
			cols = append(cols, column{col: c, concentrator: id})
		}
	}
	if len(cols) == 0 {
		return
	}

	for _, c := range cols {
		if addr := s.cell(l.AddressRow, c.col); addr != "" {
			snap.addresses[c.concentrator] = addr
		}
	}
	for r := l.ConcentratorRow + 1; r <= len(s); r++ {
		for _, c := range cols {
			v := s.cell(r, c.col)
			if v == "" {
				continue
			}
			if key, ok := meterid.ParseCell(v); ok {
				snap.meters[key] = c.concentrator
			}
		}
	}
}
