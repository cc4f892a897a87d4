package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agentgate/agentgate/internal/domain"
)

const maxProviderResponseBytes = 2 << 20

// VendorAAdapter speaks the chat-completions wire shape: system prompt is
// the leading message, token usage arrives as prompt/completion counts.
type VendorAAdapter struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

type VendorAOptions struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Client    *http.Client
}

func NewVendorAAdapter(opts VendorAOptions) *VendorAAdapter {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &VendorAAdapter{
		baseURL:   opts.BaseURL,
		apiKey:    opts.APIKey,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		client:    client,
	}
}

func (a *VendorAAdapter) Name() string { return domain.ProviderVendorA }

type vendorAChatRequest struct {
	Model     string        `json:"model"`
	Messages  []Message     `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Tools     []vendorATool `json:"tools,omitempty"`
}

type vendorATool struct {
	Type     string          `json:"type"`
	Function vendorAFunction `json:"function"`
}

type vendorAFunction struct {
	Name string `json:"name"`
}

func (a *VendorAAdapter) Invoke(ctx context.Context, req *Request) (*Response, error) {
	payload := vendorAChatRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
	}
	if req.MaxTokens > 0 {
		payload.MaxTokens = req.MaxTokens
	}
	if req.SystemPrompt != "" {
		payload.Messages = append(payload.Messages, Message{Role: "system", Content: req.SystemPrompt})
	}
	payload.Messages = append(payload.Messages, req.Messages...)
	for _, tool := range req.EnabledTools {
		payload.Tools = append(payload.Tools, vendorATool{
			Type:     "function",
			Function: vendorAFunction{Name: tool},
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Failure{StatusCode: 500, ErrorCode: ErrorCodeUnknown, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Failure{StatusCode: 500, ErrorCode: ErrorCodeUnknown, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	start := time.Now()
	resp, err := a.client.Do(httpReq)
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
		return nil, FailureFromStatus(resp.StatusCode, respBody, 0)
	}

	text := gjson.GetBytes(respBody, "choices.0.message.content").String()
	if text == "" {
		return nil, &Failure{
			StatusCode: 500,
			ErrorCode:  ErrorCodeUnknown,
			Message:    fmt.Sprintf("vendorA returned no completion (status %d)", resp.StatusCode),
		}
	}

	tokensIn := int(gjson.GetBytes(respBody, "usage.prompt_tokens").Int())
	tokensOut := int(gjson.GetBytes(respBody, "usage.completion_tokens").Int())
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

// estimateTokens approximates token counts when the vendor omits usage.
// Four characters per token is the usual English-text rule of thumb.
func estimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	tokens := chars / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

func promptChars(req *Request) int {
	total := len(req.SystemPrompt)
	for _, m := range req.Messages {
		total += len(m.Content)
	}
	return total
}
