package qwen

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewritePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/v1/responses", "/v1/chat/completions"},
		{"/v1/completions", "/v1/chat/completions"},
		{"/v1/chat/completions", "/v1/chat/completions"},
		{"/v1/models", "/v1/models"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RewritePath(tt.in))
	}
}

func translate(t *testing.T, body map[string]any) (*TranslatedRequest, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	tr, err := TranslateRequest("/v1/responses", raw)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(tr.Body, &out))
	return tr, out
}

func messagesOf(t *testing.T, out map[string]any) []map[string]any {
	t.Helper()
	raw := out["messages"].([]any)
	msgs := make([]map[string]any, len(raw))
	for i, m := range raw {
		msgs[i] = m.(map[string]any)
	}
	return msgs
}

func TestTranslateRequestBasicMessage(t *testing.T) {
	_, out := translate(t, map[string]any{
		"model": "qwen3-coder-plus",
		"input": []any{
			map[string]any{"type": "message", "role": "developer", "content": "be terse"},
			map[string]any{
				"type": "message",
				"role": "user",
				"content": []any{
					map[string]any{"type": "input_text", "text": "hello"},
				},
			},
		},
	})

	msgs := messagesOf(t, out)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0]["role"])
	assert.Equal(t, "be terse", msgs[0]["content"])
	assert.Equal(t, "user", msgs[1]["role"])
	assert.Equal(t, "hello", msgs[1]["content"], "an all-text content array collapses to a string")
}

func TestTranslateRequestMixedContentKeepsArray(t *testing.T) {
	_, out := translate(t, map[string]any{
		"model": "qwen3-coder-plus",
		"input": []any{
			map[string]any{
				"type": "message",
				"role": "user",
				"content": []any{
					map[string]any{"type": "input_text", "text": "what is this"},
					map[string]any{"type": "input_image", "image_url": "https://example.com/x.png"},
				},
			},
		},
	})

	content := messagesOf(t, out)[0]["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, "text", content[0].(map[string]any)["type"])
	assert.Equal(t, "input_image", content[1].(map[string]any)["type"])
}

func TestTranslateRequestFunctionCallRoundTrip(t *testing.T) {
	_, out := translate(t, map[string]any{
		"model": "qwen3-coder-plus",
		"input": []any{
			map[string]any{"type": "message", "role": "user", "content": "weather?"},
			map[string]any{"type": "function_call", "call_id": "c1", "name": "get_weather", "arguments": `{"city":"Berlin"}`},
			map[string]any{"type": "function_call_output", "call_id": "c1", "output": "sunny"},
		},
	})

	msgs := messagesOf(t, out)
	require.Len(t, msgs, 3)

	assistant := msgs[1]
	assert.Equal(t, "assistant", assistant["role"])
	calls := assistant["tool_calls"].([]any)
	require.Len(t, calls, 1)
	call := calls[0].(map[string]any)
	assert.Equal(t, "c1", call["id"])
	fn := call["function"].(map[string]any)
	assert.Equal(t, "get_weather", fn["name"])
	assert.JSONEq(t, `{"city":"Berlin"}`, fn["arguments"].(string))

	tool := msgs[2]
	assert.Equal(t, "tool", tool["role"])
	assert.Equal(t, "c1", tool["tool_call_id"])
	assert.Equal(t, "sunny", tool["content"])
}

func TestTranslateRequestSynthesizesStubForOrphanOutput(t *testing.T) {
	_, out := translate(t, map[string]any{
		"model": "qwen3-coder-plus",
		"input": []any{
			map[string]any{"type": "item_reference", "id": "x"},
			map[string]any{"type": "function_call_output", "call_id": "x", "name": "fn", "output": "ok"},
		},
	})

	msgs := messagesOf(t, out)
	require.Len(t, msgs, 2)

	stub := msgs[0]
	assert.Equal(t, "assistant", stub["role"])
	calls := stub["tool_calls"].([]any)
	require.Len(t, calls, 1)
	call := calls[0].(map[string]any)
	assert.Equal(t, "x", call["id"])
	fn := call["function"].(map[string]any)
	assert.Equal(t, "fn", fn["name"])
	assert.Equal(t, "{}", fn["arguments"])

	tool := msgs[1]
	assert.Equal(t, "tool", tool["role"])
	assert.Equal(t, "x", tool["tool_call_id"])
	assert.Equal(t, "ok", tool["content"])
}

func TestTranslateRequestMergesConsecutiveToolCallMessages(t *testing.T) {
	_, out := translate(t, map[string]any{
		"model": "qwen3-coder-plus",
		"input": []any{
			map[string]any{"type": "function_call", "call_id": "a", "name": "f1", "arguments": "{}"},
			map[string]any{"type": "function_call", "call_id": "b", "name": "f2", "arguments": "{}"},
			map[string]any{"type": "function_call_output", "call_id": "a", "output": "ra"},
			map[string]any{"type": "function_call_output", "call_id": "b", "output": "rb"},
		},
	})

	msgs := messagesOf(t, out)
	require.Len(t, msgs, 3)
	assert.Len(t, msgs[0]["tool_calls"], 2)
	assert.Equal(t, "tool", msgs[1]["role"])
	assert.Equal(t, "tool", msgs[2]["role"])
}

func TestTranslateRequestDemotesOrphanToolMessage(t *testing.T) {
	_, out := translate(t, map[string]any{
		"model": "qwen3-coder-plus",
		"input": []any{
			map[string]any{"type": "function_call", "call_id": "a", "name": "f", "arguments": "{}"},
			map[string]any{"type": "function_call_output", "call_id": "a", "output": "ra"},
			map[string]any{"type": "message", "role": "user", "content": "and then"},
			// Output whose call sits behind the user turn, so the
			// adjacency invariant cannot hold.
			map[string]any{"type": "function_call_output", "call_id": "a", "output": "late"},
		},
	})

	msgs := messagesOf(t, out)
	last := msgs[len(msgs)-1]
	assert.Equal(t, "user", last["role"])
	assert.Equal(t, "[Tool result; call_id=a]: late", last["content"])
}

func TestTranslateRequestEmptyInputGetsHello(t *testing.T) {
	_, out := translate(t, map[string]any{"model": "qwen3-coder-plus"})

	msgs := messagesOf(t, out)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0]["role"])
	assert.Equal(t, "Hello", msgs[0]["content"])
}

func TestTranslateRequestTrailingAssistantTextGetsContinue(t *testing.T) {
	_, out := translate(t, map[string]any{
		"model": "qwen3-coder-plus",
		"input": []any{
			map[string]any{"type": "message", "role": "assistant", "content": "half a thought"},
		},
	})

	msgs := messagesOf(t, out)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[1]["role"])
	assert.Equal(t, "Continue.", msgs[1]["content"])
}

func TestTranslateRequestDummyToolWhenNoneDeclared(t *testing.T) {
	tr, out := translate(t, map[string]any{
		"model": "qwen3-coder-plus",
		"input": "hi",
	})

	assert.Empty(t, tr.ToolNames)
	assert.Equal(t, "none", out["tool_choice"])
	tools := out["tools"].([]any)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "do_not_call_this_tool", fn["name"])
}

func TestTranslateRequestNormalizesResponsesShapedTools(t *testing.T) {
	tr, out := translate(t, map[string]any{
		"model":  "qwen3-coder-plus",
		"input":  "hi",
		"stream": true,
		"tools": []any{
			map[string]any{
				"type": "function",
				"name": "lookup",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"q": map[string]any{"type": "string", "minLength": float64(2)},
					},
				},
			},
		},
	})

	assert.Equal(t, []string{"lookup"}, tr.ToolNames)
	assert.False(t, tr.ForcedStreamingForTools)
	assert.True(t, tr.OriginalStream)

	fn := out["tools"].([]any)[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "lookup", fn["name"])
	q := fn["parameters"].(map[string]any)["properties"].(map[string]any)["q"].(map[string]any)
	assert.NotContains(t, q, "minLength", "parameter schemas run through the sanitizer")
}

func TestTranslateRequestForcesStreamingForTools(t *testing.T) {
	tr, out := translate(t, map[string]any{
		"model": "qwen3-coder-plus",
		"input": "hi",
		"tools": []any{
			map[string]any{
				"type":     "function",
				"function": map[string]any{"name": "f", "parameters": map[string]any{"type": "object", "properties": map[string]any{"a": map[string]any{"type": "string"}}}},
			},
		},
	})

	assert.True(t, tr.Stream)
	assert.False(t, tr.OriginalStream)
	assert.True(t, tr.ForcedStreamingForTools)
	assert.Equal(t, true, out["stream"])
	so := out["stream_options"].(map[string]any)
	assert.Equal(t, true, so["include_usage"])
}

func TestTranslateRequestKnobs(t *testing.T) {
	_, out := translate(t, map[string]any{
		"model":             "qwen3-coder-plus",
		"input":             "hi",
		"temperature":       0.2,
		"top_p":             0.9,
		"stop":              []any{"END"},
		"max_output_tokens": float64(512),
	})

	assert.EqualValues(t, 0.2, out["temperature"])
	assert.EqualValues(t, 0.9, out["top_p"])
	assert.Equal(t, []any{"END"}, out["stop"])
	assert.EqualValues(t, 512, out["max_tokens"])
	assert.NotContains(t, out, "max_output_tokens")
}

func TestTranslateRequestDefaultMaxTokens(t *testing.T) {
	_, out := translate(t, map[string]any{"model": "qwen3-coder-plus", "input": "hi"})
	assert.EqualValues(t, defaultMaxTokens, out["max_tokens"])
}

func TestTranslateRequestInstructionsBecomeSystem(t *testing.T) {
	_, out := translate(t, map[string]any{
		"model":        "qwen3-coder-plus",
		"instructions": "you are a pirate",
		"input":        "hi",
	})

	msgs := messagesOf(t, out)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0]["role"])
	assert.Equal(t, "you are a pirate", msgs[0]["content"])
}

func TestTranslateRequestRejectsNonObjectBody(t *testing.T) {
	_, err := TranslateRequest("/v1/responses", []byte("not json"))
	assert.Error(t, err)
}
