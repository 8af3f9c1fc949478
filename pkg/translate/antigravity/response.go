package antigravity

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// TranslateBody rewrites a buffered backend response. The outer
// {response: ...} envelope is unwrapped when present; toResponses
// additionally maps the Gemini candidates into the host's Responses
// shape. A body that fails to parse is returned unchanged.
func TranslateBody(body []byte, toResponses bool) []byte {
	var outer map[string]any
	if err := json.Unmarshal(body, &outer); err != nil {
		return body
	}

	inner := outer
	if wrapped, ok := outer["response"].(map[string]any); ok {
		inner = wrapped
	}

	if toResponses {
		inner = toResponsesObject(inner)
	}

	out, err := json.Marshal(inner)
	if err != nil {
		return body
	}
	return out
}

// TransformStream re-emits a backend SSE stream. Non-data lines pass
// through unchanged; each data payload is unwrapped (and optionally
// mapped) before being written as a fresh data line. A chunk that
// fails to parse passes through raw.
func TransformStream(r io.Reader, w io.Writer, toResponses bool) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if werr := transformLine(w, line, toResponses); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func transformLine(w io.Writer, line string, toResponses bool) error {
	trimmed := strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(trimmed, "data:") {
		_, err := io.WriteString(w, line)
		return err
	}

	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
	if payload == "[DONE]" {
		_, err := io.WriteString(w, line)
		return err
	}

	out := TranslateBody([]byte(payload), toResponses)
	_, err := fmt.Fprintf(w, "data: %s\n", out)
	return err
}

// toResponsesObject maps a Gemini generateContent result into the
// host's Responses object shape: text parts become one assistant
// message, functionCall parts become function_call items, and the
// usage metadata is renamed.
func toResponsesObject(gemini map[string]any) map[string]any {
	out := map[string]any{"object": "response"}

	var output []any
	var textParts []any

	if parts := candidateParts(gemini); parts != nil {
		for _, p := range parts {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if thought, _ := part["thought"].(bool); thought {
				continue
			}
			if text, ok := part["text"].(string); ok {
				textParts = append(textParts, map[string]any{"type": "output_text", "text": text})
				continue
			}
			if fc, ok := part["functionCall"].(map[string]any); ok {
				output = append(output, functionCallItem(fc))
			}
		}
	}

	if len(textParts) > 0 {
		message := map[string]any{
			"type":    "message",
			"role":    "assistant",
			"content": textParts,
		}
		output = append([]any{message}, output...)
	}
	out["output"] = output

	if usage, ok := gemini["usageMetadata"].(map[string]any); ok {
		out["usage"] = map[string]any{
			"input_tokens":  usage["promptTokenCount"],
			"output_tokens": usage["candidatesTokenCount"],
		}
	}
	return out
}

func functionCallItem(fc map[string]any) map[string]any {
	callID, _ := fc["id"].(string)
	if callID == "" {
		callID = "call_" + uuid.NewString()
	}
	args := "{}"
	if rawArgs, ok := fc["args"]; ok {
		if data, err := json.Marshal(rawArgs); err == nil {
			args = string(data)
		}
	}
	name, _ := fc["name"].(string)
	return map[string]any{
		"type":      "function_call",
		"call_id":   callID,
		"name":      name,
		"arguments": args,
	}
}

func candidateParts(gemini map[string]any) []any {
	candidates, ok := gemini["candidates"].([]any)
	if !ok || len(candidates) == 0 {
		return nil
	}
	first, ok := candidates[0].(map[string]any)
	if !ok {
		return nil
	}
	content, ok := first["content"].(map[string]any)
	if !ok {
		return nil
	}
	parts, _ := content["parts"].([]any)
	return parts
}
