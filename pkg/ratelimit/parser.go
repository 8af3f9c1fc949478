// Package ratelimit classifies vendor error responses and extracts a
// retry delay from the status, the Retry-After header, or the body.
package ratelimit

import (
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Reason categorizes why a response was throttled.
type Reason string

const (
	ReasonQuotaExhausted    Reason = "quota_exhausted"
	ReasonRateLimitExceeded Reason = "rate_limit_exceeded"
	ReasonServerError       Reason = "server_error"
	ReasonUnknown           Reason = "unknown"
)

// MinDelayMS is the floor applied to any extracted delay. Vendors
// occasionally report sub-second delays that are not worth honoring.
const MinDelayMS = 2000

// DefaultDelayMS maps a reason to the delay used when no extractor
// finds an explicit value in the response.
var DefaultDelayMS = map[Reason]int64{
	ReasonQuotaExhausted:    3600000,
	ReasonRateLimitExceeded: 30000,
	ReasonServerError:       20000,
	ReasonUnknown:           60000,
}

// Result is a recognized rate-limit response.
type Result struct {
	Reason       Reason
	RetryAfterMS int64
}

// Free-text fallback patterns, tried in order after the structured
// extractors. Each submatch yields whole seconds except the combined
// minutes+seconds form.
var (
	reMinSec       = regexp.MustCompile(`(?i)try again in (\d+)m\s*(\d+)s`)
	reSec          = regexp.MustCompile(`(?i)try again in (\d+(?:\.\d+)?)s`)
	reQuotaReset   = regexp.MustCompile(`(?i)quota will reset in (\d+) second`)
	reRetryAfter   = regexp.MustCompile(`(?i)retry after (\d+) second`)
	reWaitSuffixed = regexp.MustCompile(`(?i)\(wait (\d+)s\)`)
)

// Parse inspects a vendor error response. It returns the classified
// reason and retry delay, or ok=false when the response is not a
// rate-limit response at all (any status other than 429/500/503/529).
func Parse(status int, retryAfterHeader string, body string) (Result, bool) {
	var reason Reason
	switch status {
	case http.StatusTooManyRequests:
		reason = classifyBody(body)
	case http.StatusInternalServerError, http.StatusServiceUnavailable, 529:
		reason = ReasonServerError
	default:
		return Result{}, false
	}

	delay, found := extractDelay(retryAfterHeader, body)
	if !found {
		delay = DefaultDelayMS[reason]
	}
	if delay < MinDelayMS {
		delay = MinDelayMS
	}
	return Result{Reason: reason, RetryAfterMS: delay}, true
}

// classifyBody determines the 429 reason from the structured error
// detail when present, falling back to substring heuristics.
func classifyBody(body string) Reason {
	switch gjson.Get(body, "error.details.0.reason").String() {
	case "QUOTA_EXHAUSTED":
		return ReasonQuotaExhausted
	case "RATE_LIMIT_EXCEEDED":
		return ReasonRateLimitExceeded
	}

	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "exhausted"), strings.Contains(lower, "quota"):
		return ReasonQuotaExhausted
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		return ReasonRateLimitExceeded
	}
	return ReasonUnknown
}

// extractDelay runs the extractor chain; the first hit wins.
func extractDelay(retryAfterHeader, body string) (int64, bool) {
	if retryAfterHeader != "" {
		if secs, err := strconv.ParseInt(strings.TrimSpace(retryAfterHeader), 10, 64); err == nil {
			return secs * 1000, true
		}
	}

	for _, detail := range gjson.Get(body, "error.details").Array() {
		if ms, ok := ParseDelayDuration(detail.Get("metadata.quotaResetDelay").String()); ok {
			return ms, true
		}
	}

	for _, detail := range gjson.Get(body, "error.details").Array() {
		if !strings.Contains(detail.Get("@type").String(), "RetryInfo") {
			continue
		}
		if ms, ok := ParseDelayDuration(detail.Get("retryDelay").String()); ok {
			return ms, true
		}
	}

	if ra := gjson.Get(body, "error.retry_after"); ra.Exists() {
		if secs := ra.Float(); secs > 0 {
			return int64(math.Ceil(secs * 1000)), true
		}
	}

	return extractFreeText(body)
}

// extractFreeText scans human-readable messages for a delay hint.
func extractFreeText(body string) (int64, bool) {
	if m := reMinSec.FindStringSubmatch(body); m != nil {
		mins, _ := strconv.ParseInt(m[1], 10, 64)
		secs, _ := strconv.ParseInt(m[2], 10, 64)
		return (mins*60 + secs) * 1000, true
	}
	if m := reSec.FindStringSubmatch(body); m != nil {
		secs, _ := strconv.ParseFloat(m[1], 64)
		return int64(math.Ceil(secs)) * 1000, true
	}
	for _, re := range []*regexp.Regexp{reQuotaReset, reRetryAfter, reWaitSuffixed} {
		if m := re.FindStringSubmatch(body); m != nil {
			secs, _ := strconv.ParseInt(m[1], 10, 64)
			return secs * 1000, true
		}
	}
	return 0, false
}
