// Package antigravity translates between the host's request shape and
// the Antigravity backend's v1internal Gemini envelope, in both
// directions, including the SSE stream.
package antigravity

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/laomeifun/llm-relay/pkg/schema"
	"github.com/laomeifun/llm-relay/pkg/types"
)

// Thinking budgets keyed by the model id's tier suffix.
const (
	budgetLow    = 8192
	budgetMedium = 16384
	budgetHigh   = 32768
)

// interleavedThinkingHint is appended to the system instruction when a
// thinking Claude model is called with tools.
const interleavedThinkingHint = "Interleaved thinking is enabled. You may think between tool calls before producing a final answer."

// ModelInfo is the outcome of resolving a raw model id.
type ModelInfo struct {
	// BaseModel is what the API receives: prefix and tier suffix
	// removed.
	BaseModel string
	// ThinkingBudget is 0 when the id carried no tier suffix.
	ThinkingBudget int
	RequestType    types.RequestType
}

// ResolveModel strips the provider prefix and the -low/-medium/-high
// tier suffix from a model id and maps the suffix to a thinking
// budget.
func ResolveModel(model string) ModelInfo {
	base := types.StripModelPrefix(model)

	budget := 0
	for suffix, b := range map[string]int{
		"-low":    budgetLow,
		"-medium": budgetMedium,
		"-high":   budgetHigh,
	} {
		if strings.HasSuffix(base, suffix) {
			base = strings.TrimSuffix(base, suffix)
			budget = b
			break
		}
	}

	return ModelInfo{
		BaseModel:      base,
		ThinkingBudget: budget,
		RequestType:    types.DetectRequestType(base),
	}
}

// BuiltRequest is a fully formed outbound request minus the
// Authorization header, which the relay adds per selected account.
type BuiltRequest struct {
	URL     string
	Header  http.Header
	Body    []byte
	Stream  bool
	Model   ModelInfo
	Session string
}

// BuildRequest rewrites a Gemini-shaped host request body into the
// v1internal envelope for one endpoint. body must be a JSON object
// with the usual contents/systemInstruction/tools/generationConfig
// fields.
func BuildRequest(endpoint, projectID, model string, body []byte, stream bool) (*BuiltRequest, error) {
	info := ResolveModel(model)

	var request map[string]any
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, types.NewTransformError(types.VendorAntigravity, "request body is not a JSON object").WithOriginalErr(err)
	}

	hasTools := sanitizeTools(request)
	isClaude := info.RequestType == types.RequestClaude

	if isClaude {
		if hasTools {
			setPath(request, map[string]any{"mode": "VALIDATED"}, "toolConfig", "functionCallingConfig")
		} else {
			delete(request, "toolConfig")
			delete(request, "tools")
		}
	}

	if isClaude && info.ThinkingBudget > 0 {
		setPath(request, map[string]any{
			"include_thoughts": true,
			"thinking_budget":  info.ThinkingBudget,
		}, "generationConfig", "thinkingConfig")
		if hasTools {
			appendSystemText(request, interleavedThinkingHint)
		}
	}

	session := uuid.NewString()
	request["session_id"] = session

	envelope := map[string]any{
		"project":   projectID,
		"model":     info.BaseModel,
		"request":   request,
		"userAgent": AntigravityUserAgent(),
		"requestId": uuid.NewString(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request envelope: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	style := StyleGeminiCLI
	if isClaude {
		style = StyleAntigravity
	}
	ApplyHeaders(header, style)
	if stream {
		header.Set("Accept", "text/event-stream")
	}
	if isClaude && info.ThinkingBudget > 0 {
		header.Set(anthropicBetaHeader, interleavedThinkingBeta)
	}

	return &BuiltRequest{
		URL:     RequestURL(endpoint, stream),
		Header:  header,
		Body:    payload,
		Stream:  stream,
		Model:   info,
		Session: session,
	}, nil
}

// RequestURL builds the v1internal route for an endpoint.
func RequestURL(endpoint string, stream bool) string {
	if stream {
		return endpoint + "/v1internal:streamGenerateContent?alt=sse"
	}
	return endpoint + "/v1internal:generateContent"
}

// sanitizeTools runs the shared schema sanitizer over every function
// declaration and reports whether any tool is defined.
func sanitizeTools(request map[string]any) bool {
	tools, ok := request["tools"].([]any)
	if !ok || len(tools) == 0 {
		return false
	}

	found := false
	for _, tool := range tools {
		toolMap, ok := tool.(map[string]any)
		if !ok {
			continue
		}
		decls, ok := toolMap["functionDeclarations"].([]any)
		if !ok {
			continue
		}
		for _, decl := range decls {
			declMap, ok := decl.(map[string]any)
			if !ok {
				continue
			}
			found = true
			if params, ok := declMap["parameters"].(map[string]any); ok {
				declMap["parameters"] = schema.Sanitize(params)
			}
		}
	}
	return found
}

// appendSystemText adds a text part to systemInstruction.parts,
// creating the instruction if absent.
func appendSystemText(request map[string]any, text string) {
	si, ok := request["systemInstruction"].(map[string]any)
	if !ok {
		si = map[string]any{}
		request["systemInstruction"] = si
	}
	parts, _ := si["parts"].([]any)
	si["parts"] = append(parts, map[string]any{"text": text})
}

// setPath writes value at the nested key path, creating intermediate
// objects as needed.
func setPath(m map[string]any, value any, path ...string) {
	for _, key := range path[:len(path)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[key] = next
		}
		m = next
	}
	m[path[len(path)-1]] = value
}
