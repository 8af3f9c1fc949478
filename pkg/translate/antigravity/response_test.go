package antigravity

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateBodyUnwrapsEnvelope(t *testing.T) {
	body := []byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}}`)

	out := TranslateBody(body, false)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Contains(t, m, "candidates")
	assert.NotContains(t, m, "response")
}

func TestTranslateBodyPassesThroughUnwrapped(t *testing.T) {
	body := []byte(`{"candidates":[]}`)
	out := TranslateBody(body, false)
	assert.JSONEq(t, string(body), string(out))
}

func TestTranslateBodyMalformedPassesThroughRaw(t *testing.T) {
	body := []byte(`this is not json`)
	assert.Equal(t, body, TranslateBody(body, true))
}

func TestTranslateBodyToResponses(t *testing.T) {
	body := []byte(`{"response":{
		"candidates":[{"content":{"parts":[
			{"thought":true,"text":"thinking..."},
			{"text":"Hello"},
			{"functionCall":{"id":"call_1","name":"get_weather","args":{"city":"Berlin"}}}
		]}}],
		"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":34}
	}}`)

	out := TranslateBody(body, true)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))

	output := m["output"].([]any)
	require.Len(t, output, 2)

	message := output[0].(map[string]any)
	assert.Equal(t, "message", message["type"])
	assert.Equal(t, "assistant", message["role"])
	content := message["content"].([]any)
	require.Len(t, content, 1, "thought parts must be dropped")
	assert.Equal(t, "Hello", content[0].(map[string]any)["text"])

	fc := output[1].(map[string]any)
	assert.Equal(t, "function_call", fc["type"])
	assert.Equal(t, "call_1", fc["call_id"])
	assert.Equal(t, "get_weather", fc["name"])
	assert.JSONEq(t, `{"city":"Berlin"}`, fc["arguments"].(string))

	usage := m["usage"].(map[string]any)
	assert.EqualValues(t, 12, usage["input_tokens"])
	assert.EqualValues(t, 34, usage["output_tokens"])
}

func TestTransformStream(t *testing.T) {
	in := strings.Join([]string{
		": keepalive",
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"a"}]}}]}}`,
		"",
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"b"}]}}]}}`,
		"data: [DONE]",
		"",
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, TransformStream(strings.NewReader(in), &out, false))

	lines := strings.Split(out.String(), "\n")
	assert.Equal(t, ": keepalive", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "data: "))
	assert.Contains(t, lines[1], `"candidates"`)
	assert.NotContains(t, lines[1], `"response"`)
	assert.Contains(t, out.String(), "data: [DONE]")
}

func TestTransformStreamMalformedChunkPassesThrough(t *testing.T) {
	in := "data: {broken json\n"

	var out bytes.Buffer
	require.NoError(t, TransformStream(strings.NewReader(in), &out, true))
	assert.Equal(t, "data: {broken json\n", out.String())
}
