package utils

import (
	"strconv"
	"strings"
)

// ProgressUpdate is one parsed line of ffmpeg's -progress output
type ProgressUpdate struct {
	OutTimeSeconds float64
	Ended          bool
}

// Percent converts the update to percent of expected seconds, or -1 when unknown
func (u ProgressUpdate) Percent(expected float64) float64 {
	if u.Ended {
		return 100
	}
	if expected <= 0 {
		return -1
	}
	p := u.OutTimeSeconds / expected * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ParseProgressLine understands out_time_us, out_time_ms (also microseconds), out_time and progress=end
func ParseProgressLine(line string) (ProgressUpdate, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return ProgressUpdate{}, false
	}
	value = strings.TrimSpace(value)

	switch key {
	case "out_time_us", "out_time_ms":
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			return ProgressUpdate{}, false
		}
		return ProgressUpdate{OutTimeSeconds: float64(us) / 1e6}, true
	case "out_time":
		secs, ok := parseClock(value)
		if !ok {
			return ProgressUpdate{}, false
		}
		return ProgressUpdate{OutTimeSeconds: secs}, true
	case "progress":
		if value == "end" {
			return ProgressUpdate{Ended: true}, true
		}
	}
	return ProgressUpdate{}, false
}

// parseClock parses HH:MM:SS.micro
func parseClock(v string) (float64, bool) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	s, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil || h < 0 || m < 0 || s < 0 {
		return 0, false
	}
	return float64(h*3600+m*60) + s, true
}
