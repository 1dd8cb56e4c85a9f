package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoProvider is a minimal provider for client tests.
type echoProvider struct{}

func (echoProvider) Name() string { return "echo-test" }

func (echoProvider) BuildURL(baseURL string) string { return strings.TrimSuffix(baseURL, "/") + "/complete" }

func (echoProvider) SetHeaders(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

func (echoProvider) BuildRequestBody(model string, messages []Message, _ *float64, maxTokens int) ([]byte, error) {
	return json.Marshal(map[string]any{"model": model, "messages": messages, "max_tokens": maxTokens})
}

func (echoProvider) ParseResponse(body []byte) (*Response, error) {
	var out struct {
		Text  string `json:"text"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return &Response{Content: out.Text, Model: out.Model}, nil
}

func init() {
	RegisterProvider(echoProvider{})
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: 5 * time.Millisecond}
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(Endpoint{Provider: "echo-test", URL: url, Model: "m1", APIKey: "k", MaxTokens: 64},
		WithRetryConfig(fastRetry()))
	require.NoError(t, err)
	return c
}

func userMsg(s string) []Message { return []Message{{Role: "user", Content: s}} }

func TestClient_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/complete", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "m1", body["model"])
		assert.Equal(t, float64(64), body["max_tokens"])
		_, _ = w.Write([]byte(`{"text":"hello","model":"m1"}`))
	}))
	defer server.Close()

	resp, err := newTestClient(t, server.URL).Complete(context.Background(), Request{Messages: userMsg("hi")})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 1, resp.Attempts)
	assert.NotEmpty(t, resp.RequestID)
}

func TestClient_Complete_RetryOnTransientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"text":"ok","model":"m1"}`))
	}))
	defer server.Close()

	resp, err := newTestClient(t, server.URL).Complete(context.Background(), Request{Messages: userMsg("hi")})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_Complete_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Complete(context.Background(), Request{Messages: userMsg("hi")})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_Complete_NoRetryOnFatalError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("bad key"))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Complete(context.Background(), Request{Messages: userMsg("hi")})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Complete_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c, err := NewClient(Endpoint{Provider: "echo-test", URL: server.URL, Model: "m1"},
		WithRetryConfig(RetryConfig{MaxAttempts: 5, BackoffBase: time.Second, BackoffMultiplier: 1}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Complete(ctx, Request{Messages: userMsg("hi")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Validation(t *testing.T) {
	_, err := NewClient(Endpoint{Provider: "nope", Model: "m"})
	assert.Error(t, err)
	_, err = NewClient(Endpoint{Provider: "echo-test"})
	assert.Error(t, err)

	c := newTestClient(t, "http://127.0.0.1:1")
	_, err = c.Complete(context.Background(), Request{})
	assert.True(t, IsFatal(err))
}

func TestRetryConfig_Backoff(t *testing.T) {
	r := RetryConfig{BackoffBase: 100 * time.Millisecond, BackoffMultiplier: 2, MaxBackoff: 300 * time.Millisecond}
	assert.InDelta(t, float64(100*time.Millisecond), float64(r.Backoff(1)), float64(25*time.Millisecond))
	assert.InDelta(t, float64(200*time.Millisecond), float64(r.Backoff(2)), float64(50*time.Millisecond))
	assert.InDelta(t, float64(300*time.Millisecond), float64(r.Backoff(5)), float64(75*time.Millisecond))
}

func TestClassifyHTTPError(t *testing.T) {
	assert.True(t, IsTransient(classifyHTTPError(http.StatusTooManyRequests, nil)))
	assert.True(t, IsTransient(classifyHTTPError(http.StatusInternalServerError, nil)))
	assert.True(t, IsFatal(classifyHTTPError(http.StatusBadRequest, nil)))
	assert.True(t, IsFatal(classifyHTTPError(http.StatusForbidden, []byte(strings.Repeat("x", 500)))))
}
