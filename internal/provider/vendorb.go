package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agentgate/agentgate/internal/domain"
)

// VendorBAdapter speaks the messages wire shape: system prompt is a
// top-level field, content arrives as typed blocks, and rate limits carry a
// Retry-After header.
type VendorBAdapter struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

type VendorBOptions struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Client    *http.Client
}

func NewVendorBAdapter(opts VendorBOptions) *VendorBAdapter {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &VendorBAdapter{
		baseURL:   opts.BaseURL,
		apiKey:    opts.APIKey,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		client:    client,
	}
}

func (b *VendorBAdapter) Name() string { return domain.ProviderVendorB }

type vendorBMessagesRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []Message     `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
	Tools     []vendorBTool `json:"tools,omitempty"`
}

type vendorBTool struct {
	Name        string         `json:"name"`
	InputSchema map[string]any `json:"input_schema"`
}

func (b *VendorBAdapter) Invoke(ctx context.Context, req *Request) (*Response, error) {
	maxTokens := b.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	payload := vendorBMessagesRequest{
		Model:     b.model,
		System:    req.SystemPrompt,
		Messages:  req.Messages,
		MaxTokens: maxTokens,
	}
	for _, tool := range req.EnabledTools {
		payload.Tools = append(payload.Tools, vendorBTool{
			Name:        tool,
			InputSchema: map[string]any{"type": "object"},
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Failure{StatusCode: 500, ErrorCode: ErrorCodeUnknown, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &Failure{StatusCode: 500, ErrorCode: ErrorCodeUnknown, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	if b.apiKey != "" {
		httpReq.Header.Set("x-api-key", b.apiKey)
	}

	start := time.Now()
	resp, err := b.client.Do(httpReq)
	latencyMs := time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		return nil, FailureFromTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		return nil, FailureFromTransport(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, FailureFromStatus(resp.StatusCode, respBody, retryAfterMs(resp.Header))
	}

	text := collectVendorBText(respBody)
	if text == "" {
		return nil, &Failure{
			StatusCode: 500,
			ErrorCode:  ErrorCodeUnknown,
			Message:    fmt.Sprintf("vendorB returned no text content (status %d)", resp.StatusCode),
		}
	}

	tokensIn := int(gjson.GetBytes(respBody, "usage.input_tokens").Int())
	tokensOut := int(gjson.GetBytes(respBody, "usage.output_tokens").Int())
	if tokensIn <= 0 {
		tokensIn = estimateTokens(promptChars(req))
	}
	if tokensOut <= 0 {
		tokensOut = estimateTokens(len(text))
	}

	return &Response{
		Text:      text,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		LatencyMs: latencyMs,
	}, nil
}

func collectVendorBText(body []byte) string {
	var sb strings.Builder
	gjson.GetBytes(body, "content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			sb.WriteString(block.Get("text").String())
		}
		return true
	})
	return sb.String()
}

// retryAfterMs reads the Retry-After header as delta seconds or an HTTP
// date; zero means absent or unparseable.
func retryAfterMs(h http.Header) int64 {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0
		}
		return int64(seconds) * 1000
	}
	if at, err := http.ParseTime(raw); err == nil {
		ms := time.Until(at).Milliseconds()
		if ms > 0 {
			return ms
		}
	}
	return 0
}
