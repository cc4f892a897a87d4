package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/agentgate/agentgate/internal/domain"
	infraerrors "github.com/agentgate/agentgate/internal/pkg/errors"
	"github.com/agentgate/agentgate/internal/pkg/logger"
)

var (
	ErrIdempotencyKeyRequired  = infraerrors.BadRequest("IDEMPOTENCY_KEY_REQUIRED", "idempotency key is required")
	ErrIdempotencyKeyInvalid   = infraerrors.BadRequest("IDEMPOTENCY_KEY_INVALID", "idempotency key is invalid")
	ErrIdempotencyKeyConflict  = infraerrors.Conflict("IDEMPOTENCY_KEY_CONFLICT", "idempotency key reused with different payload")
	ErrIdempotencyInProgress   = infraerrors.Conflict("IDEMPOTENCY_IN_PROGRESS", "idempotent request is still processing")
	ErrIdempotencyStoreUnavail = infraerrors.ServiceUnavailable("IDEMPOTENCY_STORE_UNAVAILABLE", "idempotency store unavailable")
)

// IdempotencyRecord is the per-(tenant, scope, key) row that makes sends
// replay-safe. It is inserted with a null response at the start of
// processing; the response is set exactly once on completion and the row is
// otherwise never mutated. LockedUntil is the in-flight lease: while it is
// in the future and the response is null, some request owns the key.
// LeaseOwner names the holder; every lease mutation is conditioned on it, so
// a reclaimed owner cannot complete, extend or release behind the new one.
type IdempotencyRecord struct {
	ID                 int64
	TenantID           string
	Scope              string
	IdempotencyKey     string
	SessionID          *string
	RequestFingerprint string
	ResponseBody       *string
	LockedUntil        *time.Time
	LeaseOwner         string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Completed reports whether the response has been materialized.
func (r *IdempotencyRecord) Completed() bool {
	return r.ResponseBody != nil
}

type IdempotencyRepository interface {
	// Insert claims (tenantID, scope, key) via the unique index. It reports
	// false without error when the key already exists.
	Insert(ctx context.Context, record *IdempotencyRecord) (bool, error)
	// Get returns nil, nil when no record exists.
	Get(ctx context.Context, tenantID, scope, key string) (*IdempotencyRecord, error)
	// TryReclaim takes over a pending record whose lease expired, installing
	// owner as the new holder. At most one caller wins; the conditional
	// UPDATE is the arbiter.
	TryReclaim(ctx context.Context, id int64, owner string, now, newLockedUntil time.Time) (bool, error)
	// ExtendLease pushes out the lease of a pending record still held by
	// owner. It reports false when ownership was lost to a reclaim or the
	// record completed.
	ExtendLease(ctx context.Context, id int64, owner string, newLockedUntil time.Time) (bool, error)
	// Complete sets the response exactly once, guarded on owner; it reports
	// false when the record was already completed or reclaimed.
	Complete(ctx context.Context, id int64, owner, responseBody string, completedAt time.Time) (bool, error)
	// ReleaseLease clears the lease of a pending record still held by owner
	// so the key becomes immediately retriable after a terminal failure.
	ReleaseLease(ctx context.Context, id int64, owner string, releasedAt time.Time) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// IdempotencyOptions tunes the protocol; zero values fall back to defaults.
type IdempotencyOptions struct {
	// LeaseTTL is how long a claim marks the key in-flight. A crash leaves
	// the lease to expire, after which the key is reclaimable.
	LeaseTTL time.Duration
	// StrictFingerprint fails closed when a key is reused with a different
	// payload. Off by default: the fingerprint is stored and logged only.
	StrictFingerprint bool
}

func (o IdempotencyOptions) normalized() IdempotencyOptions {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	return o
}

// IdempotencyClaim is the verdict on a key at the start of a send.
type IdempotencyClaim struct {
	// Replayed carries the stored envelope with the replayed flag already
	// flipped; the other fields are zero.
	Replayed bool
	Response []byte
	// Record is the pending row this request owns when Replayed is false.
	Record *IdempotencyRecord
}

// IdempotencyService implements the claim/complete protocol of the send
// pipeline. The unique (tenant_id, scope, key) index in the store is the
// only synchronization primitive; the service itself holds no locks.
type IdempotencyService struct {
	repo IdempotencyRepository
	opts IdempotencyOptions
	obs  *IdempotencyMetrics
}

func NewIdempotencyService(repo IdempotencyRepository, opts IdempotencyOptions) *IdempotencyService {
	return &IdempotencyService{
		repo: repo,
		opts: opts.normalized(),
		obs:  newIdempotencyMetrics(),
	}
}

func (s *IdempotencyService) Metrics() *IdempotencyMetrics { return s.obs }

// NormalizeIdempotencyKey trims and validates a client-supplied key: it is
// required, at most 256 characters and printable ASCII.
func NormalizeIdempotencyKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return "", ErrIdempotencyKeyRequired
	}
	if len(key) > domain.MaxIdempotencyKeyLength {
		return "", ErrIdempotencyKeyInvalid
	}
	for _, r := range key {
		if r < 33 || r > 126 {
			return "", ErrIdempotencyKeyInvalid
		}
	}
	return key, nil
}

// SendFingerprint hashes the normalized send payload. It is stored on every
// record; enforcement on mismatch sits behind StrictFingerprint.
func SendFingerprint(tenantID, sessionID, content string) string {
	sum := sha256.Sum256([]byte(tenantID + "\x00" + sessionID + "\x00" + content))
	return hex.EncodeToString(sum[:])
}

// Claim resolves key ownership: a completed record replays, a pending one
// with an active lease conflicts, an expired lease is reclaimed, and an
// absent record is inserted. The unique-violation loser re-reads exactly
// once.
func (s *IdempotencyService) Claim(ctx context.Context, tenantID, scope, key, sessionID, fingerprint string) (*IdempotencyClaim, error) {
	now := time.Now().UTC()

	claim, decided, err := s.resolveExisting(ctx, tenantID, scope, key, fingerprint, now)
	if err != nil {
		return nil, err
	}
	if decided {
		return claim, nil
	}

	lockedUntil := now.Add(s.opts.LeaseTTL)
	record := &IdempotencyRecord{
		TenantID:           tenantID,
		Scope:              scope,
		IdempotencyKey:     key,
		SessionID:          &sessionID,
		RequestFingerprint: fingerprint,
		LockedUntil:        &lockedUntil,
		LeaseOwner:         uuid.NewString(),
	}
	inserted, err := s.repo.Insert(ctx, record)
	if err != nil {
		s.obs.storeUnavailable.Add(1)
		return nil, ErrIdempotencyStoreUnavail.WithCause(err)
	}
	if inserted {
		s.obs.claims.Add(1)
		return &IdempotencyClaim{Record: record}, nil
	}

	// Lost the insert race: the winner's row must exist now, so a single
	// re-read decides between replay, conflict and reclaim.
	claim, decided, err = s.resolveExisting(ctx, tenantID, scope, key, fingerprint, now)
	if err != nil {
		return nil, err
	}
	if !decided {
		s.obs.storeUnavailable.Add(1)
		return nil, ErrIdempotencyStoreUnavail
	}
	return claim, nil
}

// resolveExisting inspects the current record for the key. decided=false
// means no record exists and the caller should insert.
func (s *IdempotencyService) resolveExisting(ctx context.Context, tenantID, scope, key, fingerprint string, now time.Time) (*IdempotencyClaim, bool, error) {
	existing, err := s.repo.Get(ctx, tenantID, scope, key)
	if err != nil {
		s.obs.storeUnavailable.Add(1)
		return nil, false, ErrIdempotencyStoreUnavail.WithCause(err)
	}
	if existing == nil {
		return nil, false, nil
	}

	if existing.RequestFingerprint != fingerprint {
		s.obs.fingerprintMismatches.Add(1)
		if s.opts.StrictFingerprint {
			return nil, false, ErrIdempotencyKeyConflict
		}
		logger.FromContext(ctx).Warn("idempotency key reused with different payload",
			idemLogFields(tenantID, scope, key)...)
	}

	if existing.Completed() {
		replay, err := markEnvelopeReplayed([]byte(*existing.ResponseBody))
		if err != nil {
			s.obs.storeUnavailable.Add(1)
			return nil, false, ErrIdempotencyStoreUnavail.WithCause(err)
		}
		s.obs.replays.Add(1)
		return &IdempotencyClaim{Replayed: true, Response: replay}, true, nil
	}

	if existing.LockedUntil != nil && existing.LockedUntil.After(now) {
		s.obs.conflicts.Add(1)
		return nil, false, conflictWithRetryAfter(ErrIdempotencyInProgress, *existing.LockedUntil, now)
	}

	// Pending with no live lease: the previous owner failed or crashed.
	newLockedUntil := now.Add(s.opts.LeaseTTL)
	owner := uuid.NewString()
	taken, err := s.repo.TryReclaim(ctx, existing.ID, owner, now, newLockedUntil)
	if err != nil {
		s.obs.storeUnavailable.Add(1)
		return nil, false, ErrIdempotencyStoreUnavail.WithCause(err)
	}
	if !taken {
		s.obs.conflicts.Add(1)
		return nil, false, conflictWithRetryAfter(ErrIdempotencyInProgress, newLockedUntil, now)
	}
	s.obs.reclaims.Add(1)
	existing.LockedUntil = &newLockedUntil
	existing.LeaseOwner = owner
	return &IdempotencyClaim{Record: existing}, true, nil
}

// Complete materializes the response. This commit is the visibility point:
// until it lands, replays of the key do not see a completed response.
func (s *IdempotencyService) Complete(ctx context.Context, record *IdempotencyRecord, responseBody []byte) error {
	set, err := s.repo.Complete(ctx, record.ID, record.LeaseOwner, string(responseBody), time.Now().UTC())
	if err != nil {
		s.obs.storeUnavailable.Add(1)
		return ErrIdempotencyStoreUnavail.WithCause(err)
	}
	if !set {
		// The response field is written exactly once and only by the lease
		// owner; a failed write means the record completed elsewhere or the
		// lease was reclaimed mid-flight.
		s.obs.leaseLosses.Add(1)
		return infraerrors.InternalServer("IDEMPOTENCY_ALREADY_COMPLETED",
			fmt.Sprintf("idempotency record %d was completed or reclaimed by another owner", record.ID))
	}
	s.obs.completions.Add(1)
	body := string(responseBody)
	record.ResponseBody = &body
	record.LockedUntil = nil
	return nil
}

// Release clears the lease after a terminal failure so an immediate client
// retry with the same key may succeed. Best-effort: a lost release only
// delays the retry until the lease expires.
func (s *IdempotencyService) Release(ctx context.Context, record *IdempotencyRecord) {
	if record == nil || record.ID == 0 {
		return
	}
	if err := s.repo.ReleaseLease(ctx, record.ID, record.LeaseOwner, time.Now().UTC()); err != nil {
		logger.FromContext(ctx).Warn("idempotency lease release failed",
			idemLogFields(record.TenantID, record.Scope, record.IdempotencyKey)...)
		return
	}
	record.LockedUntil = nil
}

// ConfirmOwnership re-verifies the lease before side effects that must not
// run twice (billing, transcript writes). The conditional extend is a CAS on
// the owner token: success also grants a fresh TTL, so a reclaim is
// impossible while the confirmed work runs inside it.
func (s *IdempotencyService) ConfirmOwnership(ctx context.Context, record *IdempotencyRecord) error {
	newLockedUntil := time.Now().UTC().Add(s.opts.LeaseTTL)
	held, err := s.repo.ExtendLease(ctx, record.ID, record.LeaseOwner, newLockedUntil)
	if err != nil {
		s.obs.storeUnavailable.Add(1)
		return ErrIdempotencyStoreUnavail.WithCause(err)
	}
	if !held {
		s.obs.leaseLosses.Add(1)
		logger.FromContext(ctx).Warn("idempotency lease lost mid-flight",
			idemLogFields(record.TenantID, record.Scope, record.IdempotencyKey)...)
		return ErrIdempotencyInProgress
	}
	return nil
}

// KeepLeaseAlive renews the lease in the background while a slow upstream
// call runs, so a healthy owner never lapses into reclaimability. The
// returned stop function must be called when the work finishes; renewal
// halts on its own if ownership is lost. The record is never mutated here.
func (s *IdempotencyService) KeepLeaseAlive(ctx context.Context, record *IdempotencyRecord) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	stop = func() { once.Do(func() { close(done) }) }

	interval := s.opts.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				newLockedUntil := time.Now().UTC().Add(s.opts.LeaseTTL)
				held, err := s.repo.ExtendLease(ctx, record.ID, record.LeaseOwner, newLockedUntil)
				if err != nil {
					logger.FromContext(ctx).Warn("idempotency lease renewal failed",
						idemLogFields(record.TenantID, record.Scope, record.IdempotencyKey)...)
					continue
				}
				if !held {
					return
				}
			}
		}
	}()
	return stop
}

// SweepExpired deletes records older than the retention horizon.
// Correctness never depends on the sweep; it only bounds table growth.
func (s *IdempotencyService) SweepExpired(ctx context.Context, retention time.Duration, batch int) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	deleted, err := s.repo.DeleteOlderThan(ctx, cutoff, batch)
	if err != nil {
		return 0, err
	}
	s.obs.swept.Add(deleted)
	return deleted, nil
}

// markEnvelopeReplayed flips metadata.idempotency.replayed on the stored
// bytes without re-marshaling the envelope, so replays stay byte-identical
// to the original except for that one field.
func markEnvelopeReplayed(body []byte) ([]byte, error) {
	out, err := sjson.SetBytes(body, "metadata.idempotency.replayed", true)
	if err != nil {
		return nil, fmt.Errorf("mark envelope replayed: %w", err)
	}
	return out, nil
}

func conflictWithRetryAfter(base *infraerrors.ApplicationError, lockedUntil, now time.Time) error {
	sec := int(lockedUntil.Sub(now).Seconds())
	if sec <= 0 {
		sec = 1
	}
	return base.WithMetadata(map[string]string{"retry_after": strconv.Itoa(sec)})
}

// RetryAfterSecondsFromError extracts the retry hint carried by conflict
// errors, for the transport to surface as a Retry-After header.
func RetryAfterSecondsFromError(err error) int {
	appErr := infraerrors.FromError(err)
	if appErr == nil || appErr.Metadata == nil {
		return 0
	}
	seconds, convErr := strconv.Atoi(strings.TrimSpace(appErr.Metadata["retry_after"]))
	if convErr != nil || seconds <= 0 {
		return 0
	}
	return seconds
}

