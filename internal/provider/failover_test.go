//go:build unit

package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/domain"
)

func newTestOrchestrator(t *testing.T, adapters ...Adapter) (*Orchestrator, *[]time.Duration) {
	t.Helper()
	registry := NewRegistry()
	for _, a := range adapters {
		require.NoError(t, registry.Register(a))
	}
	caller, sleeps := newTestCaller(fastPolicy())
	return NewOrchestrator(registry, caller), sleeps
}

func TestOrchestratorPrimarySuccessSkipsFallback(t *testing.T) {
	primary := &scriptedAdapter{
		name: domain.ProviderVendorA,
		outcomes: []scriptedOutcome{
			{resp: &Response{Text: "hello back", TokensIn: 100, TokensOut: 200}},
		},
	}
	fallback := &scriptedAdapter{name: domain.ProviderVendorB}
	orch, _ := newTestOrchestrator(t, primary, fallback)

	result, err := orch.Send(context.Background(), domain.ProviderVendorA, domain.ProviderVendorB, &Request{}, nil)

	require.NoError(t, err)
	require.Equal(t, domain.ProviderVendorA, result.Provider)
	require.False(t, result.FallbackUsed)
	require.Equal(t, domain.ProviderVendorA, result.PrimaryAttempted)
	require.Empty(t, result.FallbackAttempted)
	require.Len(t, result.Attempts, 1)
	require.Equal(t, 0, fallback.calls)
}

func TestOrchestratorFallsBackAfterPrimaryExhausts(t *testing.T) {
	serverErr := &Failure{StatusCode: 500, ErrorCode: ErrorCodeServerError, Message: "down"}
	primary := &scriptedAdapter{
		name:     domain.ProviderVendorA,
		outcomes: []scriptedOutcome{{err: serverErr}, {err: serverErr}, {err: serverErr}},
	}
	fallback := &scriptedAdapter{
		name: domain.ProviderVendorB,
		outcomes: []scriptedOutcome{
			{resp: &Response{Text: "rescued", TokensIn: 10, TokensOut: 20}},
		},
	}
	orch, _ := newTestOrchestrator(t, primary, fallback)

	var observed []Attempt
	result, err := orch.Send(context.Background(), domain.ProviderVendorA, domain.ProviderVendorB, &Request{}, func(_ context.Context, a Attempt) {
		observed = append(observed, a)
	})

	require.NoError(t, err)
	require.Equal(t, domain.ProviderVendorB, result.Provider)
	require.True(t, result.FallbackUsed)
	require.Equal(t, domain.ProviderVendorA, result.PrimaryAttempted)
	require.Equal(t, domain.ProviderVendorB, result.FallbackAttempted)
	require.Len(t, result.Attempts, 4)
	require.Equal(t, result.Attempts, observed)

	for i := 0; i < 3; i++ {
		require.Equal(t, domain.ProviderVendorA, result.Attempts[i].Provider)
		require.Equal(t, domain.AttemptStatusFailed, result.Attempts[i].Status)
		require.Equal(t, i, result.Attempts[i].RetryIndex)
	}
	last := result.Attempts[3]
	require.Equal(t, domain.ProviderVendorB, last.Provider)
	require.Equal(t, domain.AttemptStatusSuccess, last.Status)
	require.Equal(t, 0, last.RetryIndex)
}

func TestOrchestratorNoFallbackReturnsPrimaryAttempts(t *testing.T) {
	serverErr := &Failure{StatusCode: 503, ErrorCode: ErrorCodeServerError}
	primary := &scriptedAdapter{
		name:     domain.ProviderVendorA,
		outcomes: []scriptedOutcome{{err: serverErr}, {err: serverErr}, {err: serverErr}},
	}
	orch, _ := newTestOrchestrator(t, primary)

	result, err := orch.Send(context.Background(), domain.ProviderVendorA, "", &Request{}, nil)

	require.Nil(t, result)
	exhausted := new(ExhaustedError)
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, domain.ProviderVendorA, exhausted.Primary)
	require.Empty(t, exhausted.Fallback)
	require.Len(t, exhausted.Attempts, 3)

	failure := new(Failure)
	require.ErrorAs(t, err, &failure)
	require.Equal(t, 503, failure.StatusCode)
}

func TestOrchestratorBothVendorsExhaust(t *testing.T) {
	errA := &Failure{StatusCode: 500, ErrorCode: ErrorCodeServerError}
	errB := &Failure{StatusCode: 503, ErrorCode: ErrorCodeServerError}
	primary := &scriptedAdapter{
		name:     domain.ProviderVendorA,
		outcomes: []scriptedOutcome{{err: errA}, {err: errA}, {err: errA}},
	}
	fallback := &scriptedAdapter{
		name:     domain.ProviderVendorB,
		outcomes: []scriptedOutcome{{err: errB}, {err: errB}, {err: errB}},
	}
	orch, _ := newTestOrchestrator(t, primary, fallback)

	result, err := orch.Send(context.Background(), domain.ProviderVendorA, domain.ProviderVendorB, &Request{}, nil)

	require.Nil(t, result)
	exhausted := new(ExhaustedError)
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, domain.ProviderVendorA, exhausted.Primary)
	require.Equal(t, domain.ProviderVendorB, exhausted.Fallback)
	require.Len(t, exhausted.Attempts, 6)
	// Order preserved: primary attempts first, then fallback, indices dense
	// per vendor.
	for i := 0; i < 3; i++ {
		require.Equal(t, domain.ProviderVendorA, exhausted.Attempts[i].Provider)
		require.Equal(t, i, exhausted.Attempts[i].RetryIndex)
	}
	for i := 3; i < 6; i++ {
		require.Equal(t, domain.ProviderVendorB, exhausted.Attempts[i].Provider)
		require.Equal(t, i-3, exhausted.Attempts[i].RetryIndex)
	}
}

func TestOrchestratorUnknownProvider(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	result, err := orch.Send(context.Background(), "vendorZ", "", &Request{}, nil)

	require.Nil(t, result)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not registered")
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&scriptedAdapter{name: domain.ProviderVendorA}))
	require.Error(t, registry.Register(&scriptedAdapter{name: domain.ProviderVendorA}))

	_, ok := registry.Get(domain.ProviderVendorA)
	require.True(t, ok)
	_, ok = registry.Get("vendorZ")
	require.False(t, ok)
	require.Equal(t, []string{domain.ProviderVendorA}, registry.Names())
}
