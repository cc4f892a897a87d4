//go:build unit

package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestVendorBInvokeSuccess(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("x-api-key"))
		require.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		body, _ := io.ReadAll(r.Body)
		gotBody = body
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}],
			"usage":{"input_tokens":50,"output_tokens":75}
		}`))
	}))
	defer server.Close()

	adapter := NewVendorBAdapter(VendorBOptions{
		BaseURL:   server.URL,
		APIKey:    "test-key",
		Model:     "vb-messages-1",
		MaxTokens: 512,
		Client:    server.Client(),
	})

	resp, err := adapter.Invoke(context.Background(), &Request{
		SystemPrompt: "be terse",
		Messages:     []Message{{Role: "user", Content: "hello"}},
		EnabledTools: []string{"lookup"},
	})

	require.NoError(t, err)
	require.Equal(t, "part one part two", resp.Text)
	require.Equal(t, 50, resp.TokensIn)
	require.Equal(t, 75, resp.TokensOut)

	require.Equal(t, "vb-messages-1", gjson.GetBytes(gotBody, "model").String())
	require.Equal(t, "be terse", gjson.GetBytes(gotBody, "system").String())
	require.Equal(t, int64(512), gjson.GetBytes(gotBody, "max_tokens").Int())
	require.Equal(t, "lookup", gjson.GetBytes(gotBody, "tools.0.name").String())
}

func TestVendorBRateLimitCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	adapter := NewVendorBAdapter(VendorBOptions{BaseURL: server.URL, Client: server.Client()})

	_, err := adapter.Invoke(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}})

	failure := new(Failure)
	require.ErrorAs(t, err, &failure)
	require.Equal(t, 429, failure.StatusCode)
	require.Equal(t, "rate_limit_error", failure.ErrorCode)
	require.Equal(t, int64(2000), failure.RetryAfterMs)
	require.True(t, failure.Retryable())
}

func TestVendorBServerErrorNoRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
	}))
	defer server.Close()

	adapter := NewVendorBAdapter(VendorBOptions{BaseURL: server.URL, Client: server.Client()})

	_, err := adapter.Invoke(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}})

	failure := new(Failure)
	require.ErrorAs(t, err, &failure)
	require.Equal(t, 500, failure.StatusCode)
	require.Zero(t, failure.RetryAfterMs)
	require.True(t, failure.Retryable())
}

func TestRetryAfterMsParsing(t *testing.T) {
	h := http.Header{}
	require.Zero(t, retryAfterMs(h))

	h.Set("Retry-After", "3")
	require.Equal(t, int64(3000), retryAfterMs(h))

	h.Set("Retry-After", "0")
	require.Zero(t, retryAfterMs(h))

	h.Set("Retry-After", "garbage")
	require.Zero(t, retryAfterMs(h))
}
