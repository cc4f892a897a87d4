// Package provider contains the vendor adapters and the retry/failover
// machinery that drives them.
//
// Adapters translate one normalized request into a vendor-specific wire
// call and normalize both success and failure shapes; callers cannot tell
// vendors apart except by name. Vendor failures are values, not panics:
// they flow through the retry engine as *Failure.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/tidwall/gjson"
)

// Failure error codes synthesized by adapters when the vendor body does not
// carry one.
const (
	ErrorCodeTimeout        = "TIMEOUT"
	ErrorCodeUnknown        = "UNKNOWN_ERROR"
	ErrorCodeServerError    = "SERVER_ERROR"
	ErrorCodeRateLimited    = "RATE_LIMITED"
	ErrorCodeInvalidRequest = "INVALID_REQUEST"
)

// Message is one turn of the transcript sent to a vendor.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the vendor-neutral input shape assembled by the send pipeline.
type Request struct {
	SystemPrompt string
	Messages     []Message
	EnabledTools []string
	// MaxTokens caps the completion; zero lets the adapter default apply.
	MaxTokens int
}

// Response is the vendor-neutral success shape.
type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
	// LatencyMs is measured by the adapter at call boundaries.
	LatencyMs int64
}

// Failure is the vendor-neutral error shape. StatusCode and ErrorCode follow
// a fixed taxonomy: 5xx and timeouts are retryable, 429 is retryable with an
// optional hold time, remaining 4xx are not retryable.
type Failure struct {
	StatusCode int
	ErrorCode  string
	Message    string
	// RetryAfterMs is the vendor-communicated rate-limit hold time;
	// zero means the vendor did not supply one.
	RetryAfterMs int64
}

func (f *Failure) Error() string {
	return fmt.Sprintf("provider failure: status=%d code=%s message=%s", f.StatusCode, f.ErrorCode, f.Message)
}

// Retryable reports whether the retry engine may try again after this failure.
func (f *Failure) Retryable() bool {
	if f.StatusCode >= 500 {
		return true
	}
	return f.StatusCode == 429
}

// Adapter is one vendor integration. Implementations are stateless with
// respect to a send and safe for concurrent use.
type Adapter interface {
	Name() string
	// Invoke performs a single vendor call. A non-nil error is either a
	// *Failure or a context error when ctx was canceled mid-call.
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// FailureFromStatus builds a Failure for a non-2xx vendor reply, pulling the
// error code and message out of the body when the vendor provides them.
func FailureFromStatus(status int, body []byte, retryAfterMs int64) *Failure {
	code := strings.TrimSpace(gjson.GetBytes(body, "error.code").String())
	if code == "" {
		code = strings.TrimSpace(gjson.GetBytes(body, "error.type").String())
	}
	if code == "" {
		switch {
		case status == 429:
			code = ErrorCodeRateLimited
		case status >= 500:
			code = ErrorCodeServerError
		default:
			code = ErrorCodeInvalidRequest
		}
	}
	message := strings.TrimSpace(gjson.GetBytes(body, "error.message").String())
	if message == "" {
		message = strings.TrimSpace(gjson.GetBytes(body, "message").String())
	}
	return &Failure{
		StatusCode:   status,
		ErrorCode:    code,
		Message:      message,
		RetryAfterMs: retryAfterMs,
	}
}

// FailureFromTransport normalizes transport-level errors: deadline overruns
// become {504, TIMEOUT}, anything else {500, UNKNOWN_ERROR}. Context
// cancellation is not a vendor failure and is returned as-is by adapters.
func FailureFromTransport(err error) *Failure {
	if isTimeoutError(err) {
		return &Failure{
			StatusCode: 504,
			ErrorCode:  ErrorCodeTimeout,
			Message:    "provider call timed out",
		}
	}
	return &Failure{
		StatusCode: 500,
		ErrorCode:  ErrorCodeUnknown,
		Message:    err.Error(),
	}
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
