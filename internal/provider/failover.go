package provider

import (
	"context"
	"fmt"
)

// Result is the outcome of a send routed through primary and, when
// configured, fallback.
type Result struct {
	// Provider is the vendor that produced Response.
	Provider string
	Response *Response
	// PrimaryAttempted and FallbackAttempted name what was actually tried;
	// FallbackAttempted is empty when no fallback was configured or reached.
	PrimaryAttempted  string
	FallbackAttempted string
	FallbackUsed      bool
	// Attempts is the full audit across both vendors, invocation order
	// preserved, retry indices dense per vendor.
	Attempts []Attempt
}

// ExhaustedError reports that every configured vendor failed. The attempt
// audit travels with it so callers can surface what was tried.
type ExhaustedError struct {
	Primary  string
	Fallback string
	Attempts []Attempt
	cause    error
}

func (e *ExhaustedError) Error() string {
	if e.Fallback != "" {
		return fmt.Sprintf("all providers failed: primary=%s fallback=%s attempts=%d", e.Primary, e.Fallback, len(e.Attempts))
	}
	return fmt.Sprintf("all providers failed: primary=%s attempts=%d", e.Primary, len(e.Attempts))
}

func (e *ExhaustedError) Unwrap() error { return e.cause }

// Orchestrator routes one request through the retry engine: primary always
// first, fallback only after total primary failure.
type Orchestrator struct {
	registry *Registry
	caller   *Caller
}

func NewOrchestrator(registry *Registry, caller *Caller) *Orchestrator {
	return &Orchestrator{registry: registry, caller: caller}
}

// Send runs primary through the retry engine and, if it exhausts, the
// fallback. fallback may be empty for none. The combined attempt list
// preserves invocation order: primary attempts first, then fallback.
func (o *Orchestrator) Send(ctx context.Context, primary, fallback string, req *Request, observe AttemptObserver) (*Result, error) {
	primaryAdapter, ok := o.registry.Get(primary)
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", primary)
	}

	resp, attempts, err := o.caller.Do(ctx, primaryAdapter, req, observe)
	if err == nil {
		return &Result{
			Provider:         primary,
			Response:         resp,
			PrimaryAttempted: primary,
			Attempts:         attempts,
		}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if fallback == "" {
		return nil, &ExhaustedError{Primary: primary, Attempts: attempts, cause: err}
	}

	fallbackAdapter, ok := o.registry.Get(fallback)
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", fallback)
	}

	fbResp, fbAttempts, fbErr := o.caller.Do(ctx, fallbackAdapter, req, observe)
	combined := append(attempts, fbAttempts...)
	if fbErr == nil {
		return &Result{
			Provider:          fallback,
			Response:          fbResp,
			PrimaryAttempted:  primary,
			FallbackAttempted: fallback,
			FallbackUsed:      true,
			Attempts:          combined,
		}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, &ExhaustedError{
		Primary:  primary,
		Fallback: fallback,
		Attempts: combined,
		cause:    fbErr,
	}
}
