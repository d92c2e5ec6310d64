package gede

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var deviceTimestampRe = regexp.MustCompile(`^\d{17}[A-Z]$`)

// layouts accepted for ISO-8601 input. Values without an offset are UTC.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// FormatDeviceTime renders t in the concentrator format YYYYMMDDHHMMSS000W
// after converting it to UTC.
func FormatDeviceTime(t time.Time) string {
	return t.UTC().Format("20060102150405") + "000W"
}

// DeviceTimestamp converts an ISO-8601 string to the concentrator format. A
// value already in the concentrator format is returned unchanged.
func DeviceTimestamp(s string) (string, error) {
	s = strings.TrimSpace(s)
	if deviceTimestampRe.MatchString(s) {
		return s, nil
	}
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return FormatDeviceTime(t), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}
