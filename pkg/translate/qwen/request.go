// Package qwen translates between the host's Responses dialect and the
// Qwen Chat Completions dialect, in both directions, including the
// re-materialization of buffered responses from a forced stream.
package qwen

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/laomeifun/llm-relay/pkg/schema"
	"github.com/laomeifun/llm-relay/pkg/types"
)

// defaultMaxTokens is applied when the caller sets no output limit.
const defaultMaxTokens = 8192

// dummyTool neutralizes a model misbehavior: without any tool defined
// the model emits stray tool-call tokens. Declaring one and pinning
// tool_choice to "none" suppresses them.
var dummyTool = map[string]any{
	"type": "function",
	"function": map[string]any{
		"name":        "do_not_call_this_tool",
		"description": "Do not call this tool. It exists for protocol compatibility only.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"_placeholder": map[string]any{
					"type":        "boolean",
					"description": "Placeholder. Always pass true.",
				},
			},
			"required": []any{"_placeholder"},
		},
	},
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`

	// pendingName carries the tool name from a function_call_output
	// item until continuity normalization runs. Unexported, so it
	// never reaches the wire.
	pendingName string
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionSpec `json:"function"`
}

type functionSpec struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// TranslatedRequest is the outcome of rewriting one host request.
type TranslatedRequest struct {
	Path string
	Body []byte

	// Stream is what goes upstream; OriginalStream is what the
	// caller asked for. They differ when streaming was forced to
	// keep tool calls reliable.
	Stream                  bool
	OriginalStream          bool
	ForcedStreamingForTools bool

	// ToolNames are the real tools defined on this request, used by
	// the response translator to fill tool-name gaps in the stream.
	ToolNames []string
}

// TranslateRequest rewrites a Responses-dialect request into Chat
// Completions shape for the Qwen backend.
func TranslateRequest(path string, body []byte) (*TranslatedRequest, error) {
	var in map[string]any
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, types.NewTransformError(types.VendorQwen, "request body is not a JSON object").WithOriginalErr(err)
	}

	messages := buildMessages(in)
	messages = normalizeToolContinuity(messages)
	messages = ensureViableMessages(messages)

	out := map[string]any{
		"model":    in["model"],
		"messages": messages,
	}

	tools, toolNames := normalizeTools(in["tools"])
	if len(tools) > 0 {
		out["tools"] = tools
		if tc, ok := in["tool_choice"]; ok {
			out["tool_choice"] = tc
		}
	} else {
		out["tools"] = []any{dummyTool}
		out["tool_choice"] = "none"
	}

	copyKnobs(in, out)

	stream, _ := in["stream"].(bool)
	forced := false
	if !stream && len(toolNames) > 0 {
		stream = true
		forced = true
	}
	out["stream"] = stream
	if stream {
		out["stream_options"] = map[string]any{"include_usage": true}
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	return &TranslatedRequest{
		Path:                    RewritePath(path),
		Body:                    payload,
		Stream:                  stream,
		OriginalStream:          stream && !forced,
		ForcedStreamingForTools: forced,
		ToolNames:               toolNames,
	}, nil
}

// RewritePath maps the host's Responses routes onto Chat Completions.
func RewritePath(path string) string {
	switch {
	case strings.HasSuffix(path, "/responses"):
		return strings.TrimSuffix(path, "/responses") + "/chat/completions"
	case strings.HasSuffix(path, "/chat/completions"):
		return path
	case strings.HasSuffix(path, "/completions"):
		return strings.TrimSuffix(path, "/completions") + "/chat/completions"
	default:
		return path
	}
}

// buildMessages maps the Responses input array onto chat messages.
func buildMessages(in map[string]any) []chatMessage {
	var messages []chatMessage

	if instructions, ok := in["instructions"].(string); ok && instructions != "" {
		messages = append(messages, chatMessage{Role: "system", Content: instructions})
	}

	switch input := in["input"].(type) {
	case string:
		messages = append(messages, chatMessage{Role: "user", Content: input})
	case []any:
		for _, raw := range input {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if msg := convertItem(item); msg != nil {
				messages = append(messages, *msg)
			}
		}
	}
	return messages
}

// convertItem maps one typed input item to a chat message, or nil for
// items that are consumed during normalization.
func convertItem(item map[string]any) *chatMessage {
	switch item["type"] {
	case "message", nil:
		role, _ := item["role"].(string)
		if role == "developer" {
			role = "system"
		}
		if role == "" {
			return nil
		}
		return &chatMessage{Role: role, Content: simplifyContent(item["content"])}

	case "function_call":
		callID, _ := item["call_id"].(string)
		name, _ := item["name"].(string)
		return &chatMessage{
			Role:    "assistant",
			Content: nil,
			ToolCalls: []toolCall{{
				ID:       callID,
				Type:     "function",
				Function: functionSpec{Name: name, Arguments: stringify(item["arguments"])},
			}},
		}

	case "function_call_output":
		callID, _ := item["call_id"].(string)
		msg := &chatMessage{Role: "tool", ToolCallID: callID, Content: stringify(item["output"])}
		// Carried along so a stub function_call can be synthesized
		// with the right name; stripped before serialization.
		if name, ok := item["name"].(string); ok {
			msg.pendingName = name
		}
		return msg

	case "item_reference":
		return nil

	default:
		return nil
	}
}

// simplifyContent converts input_text/output_text parts to plain text
// parts and collapses an all-text array into a single string.
func simplifyContent(content any) any {
	parts, ok := content.([]any)
	if !ok {
		return content
	}

	allText := true
	texts := make([]string, 0, len(parts))
	converted := make([]any, 0, len(parts))
	for _, raw := range parts {
		part, ok := raw.(map[string]any)
		if !ok {
			allText = false
			converted = append(converted, raw)
			continue
		}
		switch part["type"] {
		case "input_text", "output_text", "text":
			text, _ := part["text"].(string)
			texts = append(texts, text)
			converted = append(converted, map[string]any{"type": "text", "text": text})
		default:
			allText = false
			converted = append(converted, part)
		}
	}

	if allText {
		return strings.Join(texts, "\n")
	}
	return converted
}

// normalizeToolContinuity enforces the invariant that every tool
// message directly follows an assistant message carrying a matching
// tool call. Missing calls get stub assistant messages, consecutive
// assistant tool-call messages are merged, and tool messages that
// still have no matching call are demoted to user messages.
func normalizeToolContinuity(messages []chatMessage) []chatMessage {
	seen := map[string]bool{}
	var out []chatMessage

	for _, msg := range messages {
		switch {
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			for _, tc := range msg.ToolCalls {
				seen[tc.ID] = true
			}
			out = append(out, msg)

		case msg.Role == "tool":
			if !seen[msg.ToolCallID] {
				name := msg.pendingName
				out = append(out, chatMessage{
					Role:    "assistant",
					Content: nil,
					ToolCalls: []toolCall{{
						ID:       msg.ToolCallID,
						Type:     "function",
						Function: functionSpec{Name: name, Arguments: "{}"},
					}},
				})
				seen[msg.ToolCallID] = true
			}
			msg.pendingName = ""
			out = append(out, msg)

		default:
			out = append(out, msg)
		}
	}

	out = mergeAssistantToolCalls(out)
	return demoteOrphanTools(out)
}

// mergeAssistantToolCalls folds consecutive assistant tool-call
// messages into one message carrying all the calls.
func mergeAssistantToolCalls(messages []chatMessage) []chatMessage {
	var out []chatMessage
	for _, msg := range messages {
		if len(out) > 0 && msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			prev := &out[len(out)-1]
			if prev.Role == "assistant" && len(prev.ToolCalls) > 0 {
				prev.ToolCalls = append(prev.ToolCalls, msg.ToolCalls...)
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

// demoteOrphanTools rewrites tool messages whose call is not in the
// immediately preceding assistant message.
func demoteOrphanTools(messages []chatMessage) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != "tool" {
			out = append(out, msg)
			continue
		}

		matched := false
		if len(out) > 0 {
			prev := out[len(out)-1]
			if prev.Role == "tool" && len(out) > 1 {
				// Several results for one assistant turn: look past
				// the sibling tool messages.
				for i := len(out) - 1; i >= 0; i-- {
					if out[i].Role != "tool" {
						prev = out[i]
						break
					}
				}
			}
			if prev.Role == "assistant" {
				for _, tc := range prev.ToolCalls {
					if tc.ID == msg.ToolCallID {
						matched = true
						break
					}
				}
			}
		}

		if matched {
			out = append(out, msg)
			continue
		}
		out = append(out, chatMessage{
			Role:    "user",
			Content: fmt.Sprintf("[Tool result; call_id=%s]: %s", msg.ToolCallID, stringify(msg.Content)),
		})
	}
	return out
}

// ensureViableMessages guarantees a non-empty conversation whose last
// message the model can respond to.
func ensureViableMessages(messages []chatMessage) []chatMessage {
	if len(messages) == 0 {
		return []chatMessage{{Role: "user", Content: "Hello"}}
	}

	last := messages[len(messages)-1]
	switch last.Role {
	case "user", "tool", "function":
		return messages
	case "assistant":
		if len(last.ToolCalls) > 0 {
			return messages
		}
	}
	return append(messages, chatMessage{Role: "user", Content: "Continue."})
}

// normalizeTools accepts both Chat and Responses tool shapes and
// returns Chat-shaped tools with sanitized parameter schemas, plus the
// declared names.
func normalizeTools(raw any) ([]any, []string) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, nil
	}

	var tools []any
	var names []string
	for _, item := range list {
		tool, ok := item.(map[string]any)
		if !ok {
			continue
		}

		var name, description string
		var params map[string]any
		if fn, ok := tool["function"].(map[string]any); ok {
			name, _ = fn["name"].(string)
			description, _ = fn["description"].(string)
			params, _ = fn["parameters"].(map[string]any)
		} else {
			name, _ = tool["name"].(string)
			description, _ = tool["description"].(string)
			params, _ = tool["parameters"].(map[string]any)
		}
		if name == "" {
			continue
		}

		fn := map[string]any{"name": name}
		if description != "" {
			fn["description"] = description
		}
		if params != nil {
			fn["parameters"] = schema.Sanitize(params)
		}
		tools = append(tools, map[string]any{"type": "function", "function": fn})
		names = append(names, name)
	}
	return tools, names
}

// copyKnobs carries sampling parameters across, renaming
// max_output_tokens and defaulting max_tokens.
func copyKnobs(in, out map[string]any) {
	for _, key := range []string{"temperature", "top_p", "stop"} {
		if v, ok := in[key]; ok {
			out[key] = v
		}
	}
	if v, ok := in["max_output_tokens"]; ok {
		out["max_tokens"] = v
	} else if v, ok := in["max_tokens"]; ok {
		out["max_tokens"] = v
	} else {
		out["max_tokens"] = defaultMaxTokens
	}
}

// stringify renders a value as the string the chat dialect expects.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
