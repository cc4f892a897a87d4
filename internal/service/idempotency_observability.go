package service

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// IdempotencyMetrics holds process-local counters for the idempotency
// protocol, exposed through the system status endpoint.
type IdempotencyMetrics struct {
	claims                atomic.Int64
	replays               atomic.Int64
	conflicts             atomic.Int64
	reclaims              atomic.Int64
	completions           atomic.Int64
	fingerprintMismatches atomic.Int64
	leaseLosses           atomic.Int64
	storeUnavailable      atomic.Int64
	swept                 atomic.Int64
}

func newIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{}
}

// IdempotencyMetricsSnapshot is the wire shape of the counters.
type IdempotencyMetricsSnapshot struct {
	Claims                int64 `json:"claims"`
	Replays               int64 `json:"replays"`
	Conflicts             int64 `json:"conflicts"`
	Reclaims              int64 `json:"reclaims"`
	Completions           int64 `json:"completions"`
	FingerprintMismatches int64 `json:"fingerprint_mismatches"`
	LeaseLosses           int64 `json:"lease_losses"`
	StoreUnavailable      int64 `json:"store_unavailable"`
	SweptRecords          int64 `json:"swept_records"`
}

func (m *IdempotencyMetrics) Snapshot() IdempotencyMetricsSnapshot {
	if m == nil {
		return IdempotencyMetricsSnapshot{}
	}
	return IdempotencyMetricsSnapshot{
		Claims:                m.claims.Load(),
		Replays:               m.replays.Load(),
		Conflicts:             m.conflicts.Load(),
		Reclaims:              m.reclaims.Load(),
		Completions:           m.completions.Load(),
		FingerprintMismatches: m.fingerprintMismatches.Load(),
		LeaseLosses:           m.leaseLosses.Load(),
		StoreUnavailable:      m.storeUnavailable.Load(),
		SweptRecords:          m.swept.Load(),
	}
}

// idemLogFields keeps log context to identifiers; stored response bodies
// never reach the logs.
func idemLogFields(tenantID, scope, key string) []zap.Field {
	return []zap.Field{
		zap.String("component", "service.idempotency"),
		zap.String("tenant_id", tenantID),
		zap.String("scope", scope),
		zap.String("idempotency_key", key),
	}
}
