// Package keypackage implements the key-package pool (component D): publish,
// reserve, consume, release, and per-device capping, with at-most-once
// consumption as the central invariant. Grounded in the teacher's
// internal/encryption/service.go key-package handlers and
// internal/federation/mls.go's atomic claim query, generalized from a
// single-shot claim into the explicit reserve(ttl)/consume(holder)/release
// state machine this package specifies.
package keypackage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/models"
)

// DefaultReservationTTL matches this service's stated default.
const DefaultReservationTTL = 30 * time.Second

// DefaultMaxPerDevice matches /6's stated default.
const DefaultMaxPerDevice = 200

// Pool is the authoritative-side key-package store for this instance's own
// devices. Cross-DS fetches go through internal/dispatch to the owner's
// Pool via the ds.fetchKeyPackage federation endpoint.
type Pool struct {
	db             *pgxpool.Pool
	maxPerDevice   int
	parseSemaphore chan struct{}
}

// New builds a Pool. parseConcurrency bounds the number of KeyPackages
// validated/parsed concurrently // KEY_PACKAGE_PARSE_CONCURRENCY), defaulting to CPU count at the call site.
func New(db *pgxpool.Pool, maxPerDevice, parseConcurrency int) *Pool {
	if maxPerDevice <= 0 {
		maxPerDevice = DefaultMaxPerDevice
	}
	if parseConcurrency <= 0 {
		parseConcurrency = 1
	}
	return &Pool{db: db, maxPerDevice: maxPerDevice, parseSemaphore: make(chan struct{}, parseConcurrency)}
}

// ContentHash returns the stable identity of a KeyPackage's bytes, used as
// both the at-most-once consumption key and the dedupe key on publish.
func ContentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Publish stores newly-uploaded KeyPackages for a device, deduping by
// content hash, enforcing the per-device cap by evicting the oldest
// Available package first, and rejecting already-expired packages. Each
// package's parse/validation work is bounded by the parse semaphore.
func (p *Pool) Publish(ctx context.Context, userDID, deviceID string, packages []models.KeyPackage) (int, error) {
	now := time.Now()
	accepted := 0

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, apierror.Internalf(err, "begin publish transaction")
	}
	defer tx.Rollback(ctx)

	for _, kp := range packages {
		if !kp.ExpiresAt.After(now) {
			continue // reject expired packages silently; not a batch failure
		}

		select {
		case p.parseSemaphore <- struct{}{}:
		case <-ctx.Done():
			return accepted, apierror.Internalf(ctx.Err(), "publish canceled")
		}
		hash := ContentHash(kp.Bytes)
		<-p.parseSemaphore

		tag, err := tx.Exec(ctx, `
			INSERT INTO key_packages (content_hash, user_did, device_id, cipher_suite, bytes, state, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, 'available', $6, $7)
			ON CONFLICT (content_hash) DO NOTHING
		`, hash, userDID, deviceID, kp.CipherSuite, kp.Bytes, now, kp.ExpiresAt)
		if err != nil {
			return accepted, apierror.Internalf(err, "inserting key package")
		}
		if tag.RowsAffected() > 0 {
			accepted++
		}
	}

	if err := p.enforceCapTx(ctx, tx, userDID, deviceID); err != nil {
		return accepted, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, apierror.Internalf(err, "commit publish transaction")
	}
	return accepted, nil
}

func (p *Pool) enforceCapTx(ctx context.Context, tx pgx.Tx, userDID, deviceID string) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM key_packages
		WHERE content_hash IN (
			SELECT content_hash FROM key_packages
			WHERE user_did = $1 AND device_id = $2 AND state = 'available'
			ORDER BY created_at DESC
			OFFSET $3
		)
	`, userDID, deviceID, p.maxPerDevice)
	if err != nil {
		return apierror.Internalf(err, "enforcing per-device key package cap")
	}
	return nil
}

// Reserve atomically transitions up to count Available packages for
// userDID to Reserved(holderToken, now+ttl). Fewer than count may be
// returned; a zero-length result is a distinct, non-error outcome.
func (p *Pool) Reserve(ctx context.Context, userDID string, count int, holderToken string, ttl time.Duration) ([]models.KeyPackage, error) {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	now := time.Now()
	deadline := now.Add(ttl)

	// The self-clearing reservation rule: an expired Reserved row is treated
	// as Available for the purposes of this UPDATE's WHERE clause, so a
	// package whose holder never called consume/release becomes eligible
	// again without a separate sweep.
	rows, err := p.db.Query(ctx, `
		WITH candidates AS (
			SELECT content_hash FROM key_packages
			WHERE user_did = $1
			  AND (state = 'available' OR (state = 'reserved' AND reserved_until < $2))
			  AND expires_at > $2
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE key_packages kp
		SET state = 'reserved', reserved_by = $4, reserved_until = $5
		FROM candidates
		WHERE kp.content_hash = candidates.content_hash
		RETURNING kp.content_hash, kp.user_did, kp.device_id, kp.cipher_suite, kp.bytes, kp.created_at, kp.expires_at
	`, userDID, now, count, holderToken, deadline)
	if err != nil {
		return nil, apierror.Internalf(err, "reserving key packages")
	}
	defer rows.Close()

	var out []models.KeyPackage
	for rows.Next() {
		var kp models.KeyPackage
		if err := rows.Scan(&kp.ContentHash, &kp.UserDID, &kp.DeviceID, &kp.CipherSuite, &kp.Bytes, &kp.CreatedAt, &kp.ExpiresAt); err != nil {
			return nil, apierror.Internalf(err, "scanning reserved key package")
		}
		kp.State = models.KeyPackageReserved
		kp.ReservedBy = holderToken
		kp.ReservedUntil = deadline
		out = append(out, kp)
	}
	return out, rows.Err()
}

// FetchAvailable returns up to count Available KeyPackages for userDID
// without reserving them, for a caller that only needs to inspect bytes to
// build an MLS Add proposal (getKeyPackages, ds.fetchKeyPackage). Selecting
// one of these and committing with it goes through ReserveSpecific, not
// this method.
func (p *Pool) FetchAvailable(ctx context.Context, userDID string, count int) ([]models.KeyPackage, error) {
	rows, err := p.db.Query(ctx, `
		SELECT content_hash, user_did, device_id, cipher_suite, bytes, created_at, expires_at
		FROM key_packages
		WHERE user_did = $1 AND state = 'available' AND expires_at > now()
		ORDER BY created_at ASC
		LIMIT $2
	`, userDID, count)
	if err != nil {
		return nil, apierror.Internalf(err, "fetching available key packages")
	}
	defer rows.Close()

	var out []models.KeyPackage
	for rows.Next() {
		var kp models.KeyPackage
		if err := rows.Scan(&kp.ContentHash, &kp.UserDID, &kp.DeviceID, &kp.CipherSuite, &kp.Bytes, &kp.CreatedAt, &kp.ExpiresAt); err != nil {
			return nil, apierror.Internalf(err, "scanning available key package")
		}
		kp.State = models.KeyPackageAvailable
		out = append(out, kp)
	}
	return out, rows.Err()
}

// ReserveSpecific atomically transitions exactly the given content hashes
// from Available to Reserved(holderToken), all-or-nothing: if any hash is
// no longer Available (already reserved or consumed by a concurrent
// winner), the whole call fails and nothing is reserved. This is the
// counterpart to Reserve for a caller that already knows which exact
// KeyPackages it wants — the commitGroupChange handler calls this with
// holderToken == convoID+":"+commitHash immediately before submitting the
// commit to the sequencer, so the sequencer's own Consume call (which uses
// that same holderToken) finds them already reserved under it.
func (p *Pool) ReserveSpecific(ctx context.Context, hashes []string, holderToken string, ttl time.Duration) (bool, error) {
	if len(hashes) == 0 {
		return true, nil
	}
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	now := time.Now()
	deadline := now.Add(ttl)

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return false, apierror.Internalf(err, "begin reserve-specific transaction")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE key_packages
		SET state = 'reserved', reserved_by = $1, reserved_until = $2
		WHERE content_hash = ANY($3)
		  AND (state = 'available' OR (state = 'reserved' AND reserved_until < $4))
		  AND expires_at > $4
	`, holderToken, deadline, hashes, now)
	if err != nil {
		return false, apierror.Internalf(err, "reserving specific key packages")
	}
	if int(tag.RowsAffected()) != len(hashes) {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, apierror.Internalf(err, "commit reserve-specific transaction")
	}
	return true, nil
}

// ConsumeResult is the outcome of a Consume call: the whole batch either
// fully commits or fully fails.
type ConsumeResult struct {
	OK bool
}

// Consume transitions Reserved -> Consumed for every content hash in
// hashes, only if each row's holder_token matches holderToken and its
// deadline has not passed. Any single mismatch fails the whole batch
// atomically — no partial consumption.
func (p *Pool) Consume(ctx context.Context, hashes []string, holderToken, convoID string) (ConsumeResult, error) {
	if len(hashes) == 0 {
		return ConsumeResult{OK: true}, nil
	}
	now := time.Now()

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return ConsumeResult{}, apierror.Internalf(err, "begin consume transaction")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE key_packages
		SET state = 'consumed', consumed_by_convo = $1, consumed_at = $2, reserved_by = NULL, reserved_until = NULL
		WHERE content_hash = ANY($3)
		  AND state = 'reserved'
		  AND reserved_by = $4
		  AND reserved_until >= $2
	`, convoID, now, hashes, holderToken)
	if err != nil {
		return ConsumeResult{}, apierror.Internalf(err, "consuming key packages")
	}
	if int(tag.RowsAffected()) != len(hashes) {
		// Partial match means at least one hash had already expired, been
		// released, or been consumed by a concurrent winner: the whole
		// batch is rejected and the transaction rolls back.
		return ConsumeResult{OK: false}, apierror.New(apierror.Conflict, apierror.CodeKeyPackageGone,
			"one or more key packages are no longer reserved by this holder")
	}

	if err := tx.Commit(ctx); err != nil {
		return ConsumeResult{}, apierror.Internalf(err, "commit consume transaction")
	}
	return ConsumeResult{OK: true}, nil
}

// Release cancels a set of reservations back to Available, but only the
// ones still held by holderToken — a stale release (e.g. after the deadline
// already cleared it) is a no-op, not an error.
func (p *Pool) Release(ctx context.Context, hashes []string, holderToken string) error {
	if len(hashes) == 0 {
		return nil
	}
	_, err := p.db.Exec(ctx, `
		UPDATE key_packages
		SET state = 'available', reserved_by = NULL, reserved_until = NULL
		WHERE content_hash = ANY($1) AND state = 'reserved' AND reserved_by = $2
	`, hashes, holderToken)
	if err != nil {
		return apierror.Internalf(err, "releasing key packages")
	}
	return nil
}

// Status reports aggregate key-package counts, named after the original
// delivery service's getKeyPackageStatus response
// (server/src/handlers/get_key_package_status.rs). It carries no
// per-package consumption history.
type Status struct {
	TotalUploaded int64
	Available     int64
	Consumed      int64
	Reserved      int64
}

var ErrNoRows = errors.New("keypackage: no rows")

// Status returns aggregate counts for a user's key packages.
func (p *Pool) Status(ctx context.Context, userDID string) (Status, error) {
	var s Status
	err := p.db.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE true),
		       count(*) FILTER (WHERE state = 'available'),
		       count(*) FILTER (WHERE state = 'consumed'),
		       count(*) FILTER (WHERE state = 'reserved')
		FROM key_packages WHERE user_did = $1
	`, userDID).Scan(&s.TotalUploaded, &s.Available, &s.Consumed, &s.Reserved)
	if err != nil {
		return Status{}, apierror.Internalf(err, "querying key package status")
	}
	return s, nil
}
