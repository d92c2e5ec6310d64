package meterid

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Prefix is the fixed prefix every canonical meter identifier carries.
const Prefix = "CIR"

// ErrInvalidIdentifier is returned when a meter identifier cannot be normalized.
var ErrInvalidIdentifier = errors.New("invalid meter identifier")

// ID is a normalized meter identifier.
type ID struct {
	// Canonical is the prefix followed by the number zero-padded to 10 digits.
	Canonical string
	// Key is the numeric value without the prefix or leading zeros and is the
	// join key into the concentrator mapping.
	Key int64
}

func (id ID) String() string {
	return id.Canonical
}

// FromKey builds the ID for an already parsed meter key.
func FromKey(key int64) ID {
	return ID{
		Canonical: fmt.Sprintf("%s%010d", Prefix, key),
		Key:       key,
	}
}

// Normalize parses a bare numeric or prefixed meter identifier.
func Normalize(s string) (ID, error) {
	m := strings.TrimSpace(s)
	if m == "" {
		return ID{}, fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	body := m
	if len(m) >= len(Prefix) && strings.EqualFold(m[:len(Prefix)], Prefix) {
		body = strings.TrimSpace(m[len(Prefix):])
	}
	if body == "" || !isDigits(body) {
		return ID{}, fmt.Errorf("%w: %q must be %s followed by digits or a number", ErrInvalidIdentifier, m, Prefix)
	}
	key, err := strconv.ParseInt(body, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q: %w", ErrInvalidIdentifier, m, err)
	}
	return FromKey(key), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var (
	decimalRe    = regexp.MustCompile(`^\d+\.\d+$`)
	scientificRe = regexp.MustCompile(`^\d+(?:\.\d+)?[eE][+-]?\d+$`)
	nonDigitRe   = regexp.MustCompile(`\D`)
)

// ParseCell recovers a meter key from a spreadsheet cell. Cells can hold
// integers, floats, scientific notation or decorated strings. It returns false
// for blank, boolean and unparseable cells so callers can skip the row.
func ParseCell(v any) (int64, bool) {
	switch c := v.(type) {
	case nil, bool:
		return 0, false
	case int:
		return int64(c), true
	case int32:
		return int64(c), true
	case int64:
		return c, true
	case uint32:
		return int64(c), true
	case uint64:
		if c > math.MaxInt64 {
			return 0, false
		}
		return int64(c), true
	case float32:
		return roundFloat(float64(c))
	case float64:
		return roundFloat(c)
	case string:
		return parseCellString(c)
	case fmt.Stringer:
		return parseCellString(c.String())
	default:
		return 0, false
	}
}

func roundFloat(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	r := math.Round(f)
	if r > math.MaxInt64 || r < math.MinInt64 {
		return 0, false
	}
	return int64(r), true
}

func parseCellString(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	s = strings.TrimSpace(strings.NewReplacer(Prefix, "", strings.ToLower(Prefix), "").Replace(s))

	// excel hands back 142414721.0 for numeric cells, stripping the dot would
	// append a zero
	if decimalRe.MatchString(s) || scientificRe.MatchString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return roundFloat(f)
		}
	}
	if before, _, ok := strings.Cut(s, "."); ok {
		s = before
	}
	s = nonDigitRe.ReplaceAllString(s, "")
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
