package antigravity

import (
	"fmt"
	"net/http"
	"runtime"
)

// HeaderStyle selects which identification triple an outbound request
// carries. The backend behaves differently per client, so the values
// must be sent verbatim.
type HeaderStyle string

const (
	// StyleAntigravity is used on the Claude route.
	StyleAntigravity HeaderStyle = "antigravity"
	// StyleGeminiCLI is used on the Gemini route and, verbatim, by
	// the Qwen target.
	StyleGeminiCLI HeaderStyle = "gemini-cli"
)

const (
	antigravityVersion       = "1.16.5"
	antigravityAPIClient     = "google-cloud-sdk vscode_cloudshelleditor/0.1"
	antigravityClientMeta    = `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`
	geminiCLIUserAgent       = "google-api-nodejs-client/9.15.1"
	geminiCLIAPIClient       = "gl-node/22.12.0"
	geminiCLIClientMeta      = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"
	interleavedThinkingBeta  = "interleaved-thinking-2025-05-14"
	anthropicBetaHeader      = "anthropic-beta"
)

// AntigravityUserAgent is the User-Agent of the Claude route and of
// the request envelope's userAgent field.
func AntigravityUserAgent() string {
	return fmt.Sprintf("antigravity/%s %s/%s", antigravityVersion, runtime.GOOS, runtime.GOARCH)
}

// ApplyHeaders sets the identification triple for the given style.
func ApplyHeaders(h http.Header, style HeaderStyle) {
	switch style {
	case StyleGeminiCLI:
		h.Set("User-Agent", geminiCLIUserAgent)
		h.Set("X-Goog-Api-Client", geminiCLIAPIClient)
		h.Set("Client-Metadata", geminiCLIClientMeta)
	default:
		h.Set("User-Agent", AntigravityUserAgent())
		h.Set("X-Goog-Api-Client", antigravityAPIClient)
		h.Set("Client-Metadata", antigravityClientMeta)
	}
}
