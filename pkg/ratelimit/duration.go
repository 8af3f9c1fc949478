package ratelimit

import (
	"math"
	"regexp"
	"strconv"
)

// durationPattern matches the vendor delay grammar: optional hours,
// minutes, seconds (possibly fractional) and milliseconds components,
// in that order, at least one present.
var durationPattern = regexp.MustCompile(`^(?:(\d+)h)?(?:(\d+)m)?(?:(\d+(?:\.\d+)?)s)?(?:(\d+)ms)?$`)

// ParseDelayDuration parses strings like "2h1m30s", "30s", "1.5s" or
// "250ms" into milliseconds. Fractional seconds are rounded up to
// whole seconds before summation.
func ParseDelayDuration(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	if m[1] == "" && m[2] == "" && m[3] == "" && m[4] == "" {
		return 0, false
	}

	var total int64
	if m[1] != "" {
		h, _ := strconv.ParseInt(m[1], 10, 64)
		total += h * 3600 * 1000
	}
	if m[2] != "" {
		min, _ := strconv.ParseInt(m[2], 10, 64)
		total += min * 60 * 1000
	}
	if m[3] != "" {
		sec, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			return 0, false
		}
		total += int64(math.Ceil(sec)) * 1000
	}
	if m[4] != "" {
		ms, _ := strconv.ParseInt(m[4], 10, 64)
		total += ms
	}
	return total, true
}
