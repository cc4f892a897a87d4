package provider

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/domain"
)

// Policy bounds how one adapter is retried.
type Policy struct {
	// MaxAttempts is the total tries against one adapter, first call included.
	MaxAttempts       int
	PerAttemptTimeout time.Duration
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	// JitterFraction widens each backoff multiplicatively, e.g. 0.1 = ±10%.
	JitterFraction float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		PerAttemptTimeout: 2 * time.Second,
		BaseBackoff:       200 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		JitterFraction:    0.1,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.PerAttemptTimeout <= 0 {
		p.PerAttemptTimeout = def.PerAttemptTimeout
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = def.BaseBackoff
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.JitterFraction < 0 || p.JitterFraction >= 1 {
		p.JitterFraction = def.JitterFraction
	}
	return p
}

// Attempt is one vendor invocation as recorded in the audit trail.
type Attempt struct {
	Provider     string
	Status       string
	HTTPStatus   int
	LatencyMs    int64
	RetryIndex   int
	ErrorCode    string
	ErrorMessage string
}

// AttemptObserver sees each attempt as it finishes, before any backoff
// sleep, so a crash mid-send still leaves a truthful partial audit.
type AttemptObserver func(ctx context.Context, attempt Attempt)

// Caller runs one adapter under the retry policy.
type Caller struct {
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error

	randMu sync.Mutex
	rnd    *rand.Rand
}

func NewCaller(policy Policy) *Caller {
	return &Caller{
		policy: policy.normalized(),
		sleep:  sleepWithContext,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Caller) Policy() Policy { return c.policy }

// Do invokes the adapter until it succeeds, attempts run out, or a
// non-retryable failure occurs. Attempts are returned in invocation order
// with dense retry indices from 0; the same records reach the observer as
// they happen. On exhaustion the returned error is the last *Failure; on
// upstream cancellation it is the context error and no synthetic attempt is
// recorded for the cancellation itself.
func (c *Caller) Do(ctx context.Context, adapter Adapter, req *Request, observe AttemptObserver) (*Response, []Attempt, error) {
	attempts := make([]Attempt, 0, c.policy.MaxAttempts)

	record := func(a Attempt) {
		attempts = append(attempts, a)
		if observe != nil {
			observe(ctx, a)
		}
	}

	var lastFailure *Failure
	for i := 0; i < c.policy.MaxAttempts; i++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.policy.PerAttemptTimeout)
		start := time.Now()
		resp, err := adapter.Invoke(attemptCtx, req)
		latencyMs := time.Since(start).Milliseconds()
		cancel()

		if err == nil {
			if resp.LatencyMs <= 0 {
				resp.LatencyMs = latencyMs
			}
			record(Attempt{
				Provider:   adapter.Name(),
				Status:     domain.AttemptStatusSuccess,
				HTTPStatus: 200,
				LatencyMs:  latencyMs,
				RetryIndex: i,
			})
			return resp, attempts, nil
		}

		// Upstream cancellation aborts without a synthetic attempt record.
		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}

		failure := new(Failure)
		if !errors.As(err, &failure) {
			failure = FailureFromTransport(err)
		}
		record(Attempt{
			Provider:     adapter.Name(),
			Status:       domain.AttemptStatusFailed,
			HTTPStatus:   failure.StatusCode,
			LatencyMs:    latencyMs,
			RetryIndex:   i,
			ErrorCode:    failure.ErrorCode,
			ErrorMessage: failure.Message,
		})
		lastFailure = failure

		if i == c.policy.MaxAttempts-1 || !failure.Retryable() {
			return nil, attempts, failure
		}
		if err := c.sleep(ctx, c.backoffDelay(i, failure)); err != nil {
			return nil, attempts, err
		}
	}
	return nil, attempts, lastFailure
}

// backoffDelay computes the wait before attempt i+1. A vendor-supplied
// Retry-After is honored verbatim with no jitter; otherwise exponential
// backoff capped at MaxBackoff with ±JitterFraction applied.
func (c *Caller) backoffDelay(i int, failure *Failure) time.Duration {
	if failure != nil && failure.RetryAfterMs > 0 {
		return time.Duration(failure.RetryAfterMs) * time.Millisecond
	}
	delay := c.policy.BaseBackoff * time.Duration(1<<uint(i))
	if delay <= 0 || delay > c.policy.MaxBackoff {
		delay = c.policy.MaxBackoff
	}
	if c.policy.JitterFraction <= 0 {
		return delay
	}
	c.randMu.Lock()
	f := c.rnd.Float64()
	c.randMu.Unlock()
	jitter := time.Duration(float64(delay) * c.policy.JitterFraction * (f*2 - 1))
	sleepFor := delay + jitter
	if sleepFor < 0 {
		sleepFor = 0
	}
	return sleepFor
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
