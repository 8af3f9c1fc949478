package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDelayDuration(t *testing.T) {
	tests := []struct {
		input  string
		wantMS int64
		wantOK bool
	}{
		{"2h1m30s", 7290000, true},
		{"30s", 30000, true},
		{"1m", 60000, true},
		{"250ms", 250, true},
		{"1.5s", 2000, true}, // fractional seconds round up
		{"0.2s", 1000, true},
		{"1h30s", 3630000, true},
		{"", 0, false},
		{"soon", 0, false},
		{"h", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			ms, ok := ParseDelayDuration(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantMS, ms)
		})
	}
}

func TestParseQuotaResetDelay(t *testing.T) {
	body := `{"error":{"details":[{"reason":"QUOTA_EXHAUSTED","metadata":{"quotaResetDelay":"2h1m30s"}}]}}`

	res, ok := Parse(429, "", body)
	require.True(t, ok)
	assert.Equal(t, ReasonQuotaExhausted, res.Reason)
	assert.Equal(t, int64(7290000), res.RetryAfterMS)
}

func TestParseFreeTextMinutesSeconds(t *testing.T) {
	res, ok := Parse(429, "", `please try again in 1m 20s`)
	require.True(t, ok)
	assert.Equal(t, ReasonUnknown, res.Reason)
	assert.Equal(t, int64(80000), res.RetryAfterMS)
}

func TestParseClampsShortDelays(t *testing.T) {
	body := `{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"500ms"}]}}`

	res, ok := Parse(429, "", body)
	require.True(t, ok)
	assert.Equal(t, int64(MinDelayMS), res.RetryAfterMS)
}

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Reason
	}{
		{
			name:   "structured quota reason",
			status: 429,
			body:   `{"error":{"details":[{"reason":"QUOTA_EXHAUSTED"}]}}`,
			want:   ReasonQuotaExhausted,
		},
		{
			name:   "structured rate limit reason",
			status: 429,
			body:   `{"error":{"details":[{"reason":"RATE_LIMIT_EXCEEDED"}]}}`,
			want:   ReasonRateLimitExceeded,
		},
		{
			name:   "substring quota",
			status: 429,
			body:   "resource quota reached",
			want:   ReasonQuotaExhausted,
		},
		{
			name:   "substring too many requests",
			status: 429,
			body:   "Too Many Requests, slow down",
			want:   ReasonRateLimitExceeded,
		},
		{
			name:   "unclassifiable 429",
			status: 429,
			body:   "nope",
			want:   ReasonUnknown,
		},
		{
			name:   "server error 503",
			status: 503,
			body:   "",
			want:   ReasonServerError,
		},
		{
			name:   "overloaded 529",
			status: 529,
			body:   "",
			want:   ReasonServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := Parse(tt.status, "", tt.body)
			require.True(t, ok)
			assert.Equal(t, tt.want, res.Reason)
		})
	}
}

func TestParseNonRateLimitStatuses(t *testing.T) {
	for _, status := range []int{200, 400, 401, 404, 502} {
		_, ok := Parse(status, "", "anything")
		assert.False(t, ok, "status %d", status)
	}
}

func TestParseDefaultsByReason(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		wantMS int64
	}{
		{"quota default one hour", 429, "quota exceeded", 3600000},
		{"rate limit default 30s", 429, "rate limit hit", 30000},
		{"server error default 20s", 500, "", 20000},
		{"unknown default 60s", 429, "mystery", 60000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := Parse(tt.status, "", tt.body)
			require.True(t, ok)
			assert.Equal(t, tt.wantMS, res.RetryAfterMS)
		})
	}
}

func TestParseExtractorPrecedence(t *testing.T) {
	// The header beats any body hint.
	body := `{"error":{"retry_after":120,"details":[{"metadata":{"quotaResetDelay":"10m"}}]}}`
	res, ok := Parse(429, "45", body)
	require.True(t, ok)
	assert.Equal(t, int64(45000), res.RetryAfterMS)

	// Without a header the quotaResetDelay wins over retry_after.
	res, ok = Parse(429, "", body)
	require.True(t, ok)
	assert.Equal(t, int64(600000), res.RetryAfterMS)

	// retry_after is used when no structured detail matches.
	res, ok = Parse(429, "", `{"error":{"retry_after":7}}`)
	require.True(t, ok)
	assert.Equal(t, int64(7000), res.RetryAfterMS)
}
