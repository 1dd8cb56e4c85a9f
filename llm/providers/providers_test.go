package providers

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/llm"
)

func TestRegistered(t *testing.T) {
	for _, name := range []string{"anthropic", "ollama", "openai"} {
		assert.NotNil(t, llm.GetProvider(name), name)
	}
}

func TestChatProviders_BuildURL(t *testing.T) {
	tests := []struct {
		name     string
		provider llm.Provider
		baseURL  string
		want     string
	}{
		{"ollama default", &OllamaProvider{}, "", "http://localhost:11434/v1/chat/completions"},
		{"ollama trailing slash", &OllamaProvider{}, "http://gpu:11434/v1/", "http://gpu:11434/v1/chat/completions"},
		{"ollama full endpoint", &OllamaProvider{}, "http://gpu/v1/chat/completions", "http://gpu/v1/chat/completions"},
		{"openai default", &OpenAIProvider{}, "", "https://api.openai.com/v1/chat/completions"},
		{"openrouter", &OpenAIProvider{}, "https://openrouter.ai/api/v1", "https://openrouter.ai/api/v1/chat/completions"},
		{"anthropic default", &AnthropicProvider{}, "", "https://api.anthropic.com/v1/messages"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.provider.BuildURL(tt.baseURL))
		})
	}
}

func TestOllamaProvider_RequestAndResponse(t *testing.T) {
	p := &OllamaProvider{}
	temp := 0.0
	body, err := p.BuildRequestBody("qwen", []llm.Message{{Role: "user", Content: "pick"}}, &temp, 256)
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "qwen", req["model"])
	assert.Equal(t, float64(0), req["temperature"], "zero temperature is sent")
	assert.Equal(t, float64(256), req["max_tokens"])
	assert.Equal(t, map[string]any{"type": "json_object"}, req["response_format"])

	resp, err := p.ParseResponse([]byte(`{"model":"qwen","choices":[{"message":{"content":"{}"},"finish_reason":"stop"}],"usage":{"total_tokens":9}}`))
	require.NoError(t, err)
	assert.Equal(t, "{}", resp.Content)
	assert.Equal(t, 9, resp.Usage.TotalTokens)

	_, err = p.ParseResponse([]byte(`{"choices":[]}`))
	assert.Error(t, err)
}

func TestOllamaProvider_OmitsUnsetOptions(t *testing.T) {
	body, err := (&OllamaProvider{}).BuildRequestBody("m", nil, nil, 0)
	require.NoError(t, err)
	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.NotContains(t, req, "temperature")
	assert.NotContains(t, req, "max_tokens")
}

func TestHeaders(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	t.Setenv("OPENROUTER_SITE_NAME", "semflow")

	req := httptest.NewRequest("POST", "/", nil)
	(&OpenAIProvider{}).SetHeaders(req, "")
	assert.Equal(t, "Bearer env-key", req.Header.Get("Authorization"))
	assert.Equal(t, "semflow", req.Header.Get("X-Title"))

	req = httptest.NewRequest("POST", "/", nil)
	(&OllamaProvider{}).SetHeaders(req, "explicit")
	assert.Equal(t, "Bearer explicit", req.Header.Get("Authorization"))

	req = httptest.NewRequest("POST", "/", nil)
	(&AnthropicProvider{}).SetHeaders(req, "ak")
	assert.Equal(t, "ak", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))
}

func TestAnthropicProvider_RequestAndResponse(t *testing.T) {
	p := &AnthropicProvider{}
	body, err := p.BuildRequestBody("claude", []llm.Message{
		{Role: "system", Content: "rules"},
		{Role: "user", Content: "pick"},
	}, nil, 0)
	require.NoError(t, err)

	var req anthropicRequest
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "rules", req.System)
	assert.Equal(t, 4096, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)

	resp, err := p.ParseResponse([]byte(`{"model":"claude","content":[{"type":"text","text":"{\"kind\":"},{"type":"text","text":"\"wait\"}"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":4}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"wait"}`, resp.Content)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}
