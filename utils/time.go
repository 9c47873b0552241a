package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatSRTTimestamp formats seconds to SRT timestamp format (HH:MM:SS,mmm)
func FormatSRTTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	// Round once on the millisecond total so 0.9996s becomes 00:00:01,000
	total := int64(math.Round(seconds * 1000))

	ms := total % 1000
	s := (total / 1000) % 60
	m := (total / 60000) % 60
	h := total / 3600000

	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// ParseSRTTimestamp parses an HH:MM:SS,mmm timestamp back into seconds
func ParseSRTTimestamp(ts string) (float64, error) {
	ts = strings.TrimSpace(ts)
	clock, msPart, ok := strings.Cut(ts, ",")
	if !ok {
		return 0, fmt.Errorf("invalid SRT timestamp %q: missing milliseconds", ts)
	}

	parts := strings.Split(clock, ":")
	if len(parts) != 3 || len(msPart) != 3 {
		return 0, fmt.Errorf("invalid SRT timestamp %q", ts)
	}

	var fields [4]int64
	for i, p := range append(parts, msPart) {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid SRT timestamp %q", ts)
		}
		fields[i] = v
	}
	if fields[1] > 59 || fields[2] > 59 {
		return 0, fmt.Errorf("invalid SRT timestamp %q: field out of range", ts)
	}

	totalMs := fields[0]*3600000 + fields[1]*60000 + fields[2]*1000 + fields[3]
	return float64(totalMs) / 1000, nil
}
