package qwen

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/laomeifun/llm-relay/internal/httputil"
)

type chatChunk struct {
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage"`
}

type chatChoice struct {
	Delta        chatDelta  `json:"delta"`
	Message      *chatDelta `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type chatDelta struct {
	Content   any             `json:"content"`
	ToolCalls []chunkToolCall `json:"tool_calls"`
}

type chunkToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type toolState struct {
	callID      string
	name        string
	args        []byte
	outputIndex int
	finalized   bool
}

// StreamTranslator converts a Chat Completions SSE stream into the
// host's Responses event stream, one chunk at a time.
type StreamTranslator struct {
	w         io.Writer
	toolNames []string

	responseID string
	created    bool
	seq        int

	messageID      string
	messageOpen    bool
	messageEverSet bool
	partAdded      bool
	text           []byte
	messageIndex   int

	toolOrder   []int
	tools       map[int]*toolState
	nextIndex   int
	usage       *chatUsage
	finalOutput []any
	finished    bool
}

// NewStreamTranslator writes translated events to w. toolNames are the
// tool names declared on the originating request, used to fill name
// gaps the backend leaves in its tool-call chunks.
func NewStreamTranslator(w io.Writer, toolNames []string) *StreamTranslator {
	return &StreamTranslator{
		w:          w,
		toolNames:  toolNames,
		responseID: "resp_" + uuid.NewString(),
		tools:      map[int]*toolState{},
	}
}

// ProcessChunk consumes one decoded SSE data payload. Chunks that fail
// to parse are dropped rather than aborting the stream.
func (t *StreamTranslator) ProcessChunk(data []byte) error {
	var chunk chatChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil
	}
	if chunk.Usage != nil {
		t.usage = chunk.Usage
	}
	if len(chunk.Choices) == 0 && chunk.Usage == nil {
		return nil
	}

	if err := t.ensureCreated(); err != nil {
		return err
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]

	if text, ok := choice.Delta.Content.(string); ok && text != "" {
		if err := t.appendText(text); err != nil {
			return err
		}
	}

	if len(choice.Delta.ToolCalls) > 0 {
		// The message item opens on the first delta of either kind, so
		// a stream that starts straight with a tool call still carries
		// one, matching the buffered shape.
		if !t.messageEverSet {
			if err := t.openMessage(); err != nil {
				return err
			}
		}
		if err := t.closeMessage(); err != nil {
			return err
		}
		for _, tc := range choice.Delta.ToolCalls {
			if err := t.appendToolCall(tc); err != nil {
				return err
			}
		}
	}

	if choice.FinishReason == "tool_calls" || choice.FinishReason == "function_call" {
		if err := t.finalizeTools(); err != nil {
			return err
		}
	}
	return nil
}

// Finish closes whatever is still open and emits response.completed.
func (t *StreamTranslator) Finish() error {
	if t.finished {
		return nil
	}
	t.finished = true

	if err := t.ensureCreated(); err != nil {
		return err
	}
	if err := t.closeMessage(); err != nil {
		return err
	}
	if err := t.finalizeTools(); err != nil {
		return err
	}

	response := t.composeResponse()
	return t.emit("response.completed", map[string]any{"response": response})
}

// Response returns the composed response object. Valid after Finish.
func (t *StreamTranslator) Response() map[string]any {
	return t.composeResponse()
}

func (t *StreamTranslator) ensureCreated() error {
	if t.created {
		return nil
	}
	t.created = true
	return t.emit("response.created", map[string]any{
		"response": map[string]any{
			"id":     t.responseID,
			"object": "response",
			"status": "in_progress",
			"output": []any{},
		},
	})
}

func (t *StreamTranslator) openMessage() error {
	if t.messageOpen {
		return nil
	}
	t.messageOpen = true
	t.messageEverSet = true
	t.messageID = fmt.Sprintf("msg_%d", time.Now().UnixMilli())
	t.messageIndex = t.nextIndex
	t.nextIndex++
	return t.emit("response.output_item.added", map[string]any{
		"output_index": t.messageIndex,
		"item": map[string]any{
			"id":      t.messageID,
			"type":    "message",
			"role":    "assistant",
			"status":  "in_progress",
			"content": []any{},
		},
	})
}

func (t *StreamTranslator) appendText(text string) error {
	if err := t.openMessage(); err != nil {
		return err
	}
	if !t.partAdded {
		t.partAdded = true
		if err := t.emit("response.content_part.added", map[string]any{
			"item_id":       t.messageID,
			"output_index":  t.messageIndex,
			"content_index": 0,
			"part":          map[string]any{"type": "output_text", "text": ""},
		}); err != nil {
			return err
		}
	}
	t.text = append(t.text, text...)
	return t.emit("response.output_text.delta", map[string]any{
		"item_id":       t.messageID,
		"output_index":  t.messageIndex,
		"content_index": 0,
		"delta":         text,
	})
}

func (t *StreamTranslator) closeMessage() error {
	if !t.messageOpen {
		return nil
	}
	t.messageOpen = false

	if t.partAdded {
		if err := t.emit("response.output_text.done", map[string]any{
			"item_id":       t.messageID,
			"output_index":  t.messageIndex,
			"content_index": 0,
			"text":          string(t.text),
		}); err != nil {
			return err
		}
		if err := t.emit("response.content_part.done", map[string]any{
			"item_id":       t.messageID,
			"output_index":  t.messageIndex,
			"content_index": 0,
			"part":          map[string]any{"type": "output_text", "text": string(t.text)},
		}); err != nil {
			return err
		}
	}
	return t.emit("response.output_item.done", map[string]any{
		"output_index": t.messageIndex,
		"item":         t.messageItem(),
	})
}

func (t *StreamTranslator) appendToolCall(tc chunkToolCall) error {
	st, ok := t.tools[tc.Index]
	if !ok {
		callID := tc.ID
		if callID == "" {
			// The first chunk for this slot carried no id. The
			// synthesized one stays even if a later chunk names one,
			// so the delta events and the final item agree.
			callID = "call_" + uuid.NewString()
		}
		st = &toolState{callID: callID, outputIndex: t.nextIndex}
		t.nextIndex++
		t.tools[tc.Index] = st
		t.toolOrder = append(t.toolOrder, tc.Index)
		if tc.Function.Name != "" {
			st.name = tc.Function.Name
		}
		if err := t.emit("response.output_item.added", map[string]any{
			"output_index": st.outputIndex,
			"item": map[string]any{
				"id":        "fc_" + st.callID,
				"type":      "function_call",
				"call_id":   st.callID,
				"name":      st.name,
				"arguments": "",
				"status":    "in_progress",
			},
		}); err != nil {
			return err
		}
	} else if st.name == "" && tc.Function.Name != "" {
		st.name = tc.Function.Name
	}

	if tc.Function.Arguments != "" {
		st.args = append(st.args, tc.Function.Arguments...)
		return t.emit("response.function_call_arguments.delta", map[string]any{
			"item_id":      "fc_" + st.callID,
			"output_index": st.outputIndex,
			"delta":        tc.Function.Arguments,
		})
	}
	return nil
}

func (t *StreamTranslator) finalizeTools() error {
	for _, idx := range t.toolOrder {
		st := t.tools[idx]
		if st.finalized {
			continue
		}
		st.finalized = true
		st.name = t.resolveToolName(idx, st.name)
		if len(st.args) == 0 {
			st.args = []byte("{}")
		}

		if err := t.emit("response.function_call_arguments.done", map[string]any{
			"item_id":      "fc_" + st.callID,
			"output_index": st.outputIndex,
			"arguments":    string(st.args),
		}); err != nil {
			return err
		}
		if err := t.emit("response.output_item.done", map[string]any{
			"output_index": st.outputIndex,
			"item":         toolItem(st),
		}); err != nil {
			return err
		}
	}
	return nil
}

// resolveToolName fills a missing tool name from the request-time
// declaration at the same index, or from the sole declared tool.
func (t *StreamTranslator) resolveToolName(index int, name string) string {
	if name != "" {
		return name
	}
	if index >= 0 && index < len(t.toolNames) {
		return t.toolNames[index]
	}
	if len(t.toolNames) == 1 {
		return t.toolNames[0]
	}
	return name
}

func (t *StreamTranslator) messageItem() map[string]any {
	return map[string]any{
		"id":     t.messageID,
		"type":   "message",
		"role":   "assistant",
		"status": "completed",
		"content": []any{
			map[string]any{"type": "output_text", "text": string(t.text)},
		},
	}
}

func toolItem(st *toolState) map[string]any {
	return map[string]any{
		"id":        "fc_" + st.callID,
		"type":      "function_call",
		"call_id":   st.callID,
		"name":      st.name,
		"arguments": string(st.args),
		"status":    "completed",
	}
}

func (t *StreamTranslator) composeResponse() map[string]any {
	var output []any
	if t.messageEverSet {
		output = append(output, t.messageItem())
	}
	for _, idx := range t.toolOrder {
		output = append(output, toolItem(t.tools[idx]))
	}
	if output == nil {
		output = []any{}
	}

	response := map[string]any{
		"id":     t.responseID,
		"object": "response",
		"status": "completed",
		"output": output,
	}
	if t.usage != nil {
		response["usage"] = usageObject(t.usage)
	}
	return response
}

func usageObject(u *chatUsage) map[string]any {
	usage := map[string]any{
		"input_tokens":  u.PromptTokens,
		"output_tokens": u.CompletionTokens,
		"total_tokens":  u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		usage["cached_input_tokens"] = u.PromptTokensDetails.CachedTokens
	}
	return usage
}

func (t *StreamTranslator) emit(eventType string, payload map[string]any) error {
	payload["type"] = eventType
	payload["sequence_number"] = t.seq
	t.seq++

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	_, err = fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}

// TransformStream pumps a Chat Completions SSE body through a
// StreamTranslator until EOF.
func TransformStream(r io.Reader, w io.Writer, toolNames []string) error {
	t := NewStreamTranslator(w, toolNames)
	if err := pump(r, t); err != nil {
		return err
	}
	return t.Finish()
}

// BufferedFromStream consumes a forced stream internally and returns
// the composed response as a single JSON body, so a caller that asked
// for a non-streaming response still gets one.
func BufferedFromStream(r io.Reader, toolNames []string) ([]byte, error) {
	t := NewStreamTranslator(io.Discard, toolNames)
	if err := pump(r, t); err != nil {
		return nil, err
	}
	if err := t.Finish(); err != nil {
		return nil, err
	}
	return json.Marshal(t.Response())
}

func pump(r io.Reader, t *StreamTranslator) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if payload, ok := httputil.SSEData(line); ok && payload != "[DONE]" {
			if perr := t.ProcessChunk([]byte(payload)); perr != nil {
				return perr
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

// TranslateBody maps a buffered Chat Completions response into the
// host's Responses object shape. A body that fails to parse is
// returned unchanged.
func TranslateBody(body []byte, toolNames []string) []byte {
	var completion chatChunk
	if err := json.Unmarshal(body, &completion); err != nil || len(completion.Choices) == 0 {
		return body
	}
	msg := completion.Choices[0].Message
	if msg == nil {
		return body
	}

	text, _ := msg.Content.(string)
	output := []any{
		map[string]any{
			"id":     fmt.Sprintf("msg_%d", time.Now().UnixMilli()),
			"type":   "message",
			"role":   "assistant",
			"status": "completed",
			"content": []any{
				map[string]any{"type": "output_text", "text": text},
			},
		},
	}
	for i, tc := range msg.ToolCalls {
		callID := tc.ID
		if callID == "" {
			callID = "call_" + uuid.NewString()
		}
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		name := tc.Function.Name
		if name == "" && i < len(toolNames) {
			name = toolNames[i]
		}
		output = append(output, map[string]any{
			"id":        "fc_" + callID,
			"type":      "function_call",
			"call_id":   callID,
			"name":      name,
			"arguments": args,
			"status":    "completed",
		})
	}

	response := map[string]any{
		"id":     "resp_" + uuid.NewString(),
		"object": "response",
		"status": "completed",
		"output": output,
	}
	if completion.Usage != nil {
		response["usage"] = usageObject(completion.Usage)
	}

	out, err := json.Marshal(response)
	if err != nil {
		return body
	}
	return out
}
