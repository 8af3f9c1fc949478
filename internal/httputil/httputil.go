// Package httputil provides small HTTP helpers shared by the relay and
// the response translators.
package httputil

import (
	"io"
	"net/http"
	"strings"
)

// DrainAndClose consumes the remainder of a response body and closes
// it so the underlying connection can be reused.
func DrainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}

// SSEData extracts the payload of an SSE data line, reporting whether
// the line was a data line at all.
func SSEData(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}

// CloneHeader deep-copies an http.Header.
func CloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
