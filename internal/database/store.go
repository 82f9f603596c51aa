package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/models"
	"github.com/mlsds/mlsds/internal/sequencer"
)

// Store is the pgxpool-backed implementation of every Store/Lookup seam the
// domain packages declare (internal/sequencer.Store,
// internal/transfer.Store, internal/fanout.Store, internal/janitor.Store,
// internal/policy.MembershipLookup, internal/policy.OptInLookup). One
// concrete type backs all of them because they all read and write the same
// handful of tables; splitting by interface would only add indirection.
type Store struct {
	db *DB
}

// NewStore wraps db for use as every domain package's storage seam.
func NewStore(db *DB) *Store { return &Store{db: db} }

// GetConversation implements internal/sequencer.Store and
// internal/transfer.Store.
func (s *Store) GetConversation(ctx context.Context, convoID string) (models.Conversation, error) {
	var c models.Conversation
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, creator_did, current_epoch, sequencer_did, group_info_epoch,
		       COALESCE(group_info_updated_at, to_timestamp(0)),
		       allow_external_commits, prevent_removing_last_admin, max_members,
		       created_at, updated_at
		FROM conversations WHERE id = $1
	`, convoID).Scan(
		&c.ID, &c.CreatorDID, &c.CurrentEpoch, &c.SequencerDID, &c.GroupInfoEpoch,
		&c.GroupInfoAt, &c.Policy.AllowExternalCommits, &c.Policy.PreventRemovingLastAdmin,
		&c.Policy.MaxMembers, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return models.Conversation{}, apierror.ErrConvoNotFound
	}
	if err != nil {
		return models.Conversation{}, apierror.Internalf(err, "querying conversation")
	}
	return c, nil
}

// GetReceiptByHash implements internal/sequencer.Store, the idempotency
// check every accept-commit call makes before doing any other work.
func (s *Store) GetReceiptByHash(ctx context.Context, convoID, commitHash string) (models.SequencerReceipt, bool, error) {
	var r models.SequencerReceipt
	err := s.db.Pool.QueryRow(ctx, `
		SELECT convo_id, epoch, sequencer_did, accepted_at, commit_hash
		FROM sequencer_receipts WHERE convo_id = $1 AND commit_hash = $2
	`, convoID, commitHash).Scan(&r.ConvoID, &r.Epoch, &r.SequencerDID, &r.AcceptedAt, &r.CommitHash)
	if err == pgx.ErrNoRows {
		return models.SequencerReceipt{}, false, nil
	}
	if err != nil {
		return models.SequencerReceipt{}, false, apierror.Internalf(err, "querying sequencer receipt")
	}
	return r, true, nil
}

// ActiveMemberDevices implements internal/sequencer.Store and is reused by
// the policy gate's max_members check.
func (s *Store) ActiveMemberDevices(ctx context.Context, convoID string) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT device_id FROM memberships WHERE convo_id = $1 AND left_at IS NULL
	`, convoID)
	if err != nil {
		return nil, apierror.Internalf(err, "querying active member devices")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, apierror.Internalf(err, "scanning member device")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ActiveAdminCount implements internal/sequencer.Store and
// internal/policy.MembershipLookup.
func (s *Store) ActiveAdminCount(ctx context.Context, convoID string) (int, error) {
	var n int
	err := s.db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM memberships WHERE convo_id = $1 AND left_at IS NULL AND is_admin
	`, convoID).Scan(&n)
	if err != nil {
		return 0, apierror.Internalf(err, "counting active admins")
	}
	return n, nil
}

// PersistCommit implements internal/sequencer.Store: the entire
// accept-commit transaction in one round trip to storage, so the calling
// actor never holds the convo lock across multiple network round trips.
func (s *Store) PersistCommit(ctx context.Context, req sequencer.CommitRequest) (sequencer.CommitOutcome, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return sequencer.CommitOutcome{}, apierror.Internalf(err, "begin commit transaction")
	}
	defer tx.Rollback(ctx)

	newEpoch := req.ExpectedEpoch + 1
	now := time.Now()

	if _, err := tx.Exec(ctx, `
		UPDATE conversations SET current_epoch = $1, updated_at = $2
		WHERE id = $3 AND current_epoch = $4
	`, newEpoch, now, req.ConvoID, req.ExpectedEpoch); err != nil {
		return sequencer.CommitOutcome{}, apierror.Internalf(err, "bumping conversation epoch")
	}

	if req.GroupInfo != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE conversations SET group_info = $1, group_info_epoch = $2, group_info_updated_at = $3
			WHERE id = $4
		`, req.GroupInfo, req.GroupInfoEpoch, now, req.ConvoID); err != nil {
			return sequencer.CommitOutcome{}, apierror.Internalf(err, "updating group info")
		}
	}

	for _, removed := range req.RemovedMembers {
		if _, err := tx.Exec(ctx, `
			UPDATE memberships SET left_at = $1 WHERE convo_id = $2 AND user_did = $3 AND left_at IS NULL
		`, now, req.ConvoID, removed); err != nil {
			return sequencer.CommitOutcome{}, apierror.Internalf(err, "recording member removal")
		}
	}

	for _, added := range req.AddedMembers {
		if _, err := tx.Exec(ctx, `
			INSERT INTO memberships (convo_id, user_did, device_id, joined_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (convo_id, user_did, device_id) DO UPDATE SET left_at = NULL, joined_at = $4
		`, req.ConvoID, added.UserDID, added.DeviceID, now); err != nil {
			return sequencer.CommitOutcome{}, apierror.Internalf(err, "recording member addition")
		}
	}

	envelopeID := req.ConvoID + ":" + req.CommitHash
	var cursor int64
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(max(sequence_cursor), 0) + 1 FROM envelopes WHERE convo_id = $1
	`, req.ConvoID).Scan(&cursor); err != nil {
		return sequencer.CommitOutcome{}, apierror.Internalf(err, "computing next cursor")
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO envelopes (envelope_id, convo_id, sender_did, kind, epoch, ciphertext, created_at, sequence_cursor)
		VALUES ($1, $2, $3, 'commit', $4, $5, $6, $7)
	`, envelopeID, req.ConvoID, req.SenderDevice, newEpoch, req.CommitBytes, now, cursor); err != nil {
		return sequencer.CommitOutcome{}, apierror.Internalf(err, "appending commit envelope")
	}

	recipients, err := s.activeMemberDevicesTx(ctx, tx, req.ConvoID)
	if err != nil {
		return sequencer.CommitOutcome{}, err
	}
	for _, recipient := range recipients {
		if _, err := tx.Exec(ctx, `
			INSERT INTO deliveries (envelope_id, recipient_did, state)
			VALUES ($1, $2, 'pending')
			ON CONFLICT (envelope_id, recipient_did) DO NOTHING
		`, envelopeID, recipient); err != nil {
			return sequencer.CommitOutcome{}, apierror.Internalf(err, "enqueuing delivery")
		}
	}

	if req.CommitHash != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO sequencer_receipts (convo_id, epoch, sequencer_did, commit_hash, accepted_at)
			VALUES ($1, $2, (SELECT sequencer_did FROM conversations WHERE id = $1), $3, $4)
			ON CONFLICT (convo_id, commit_hash) DO NOTHING
		`, req.ConvoID, newEpoch, req.CommitHash, now); err != nil {
			return sequencer.CommitOutcome{}, apierror.Internalf(err, "appending sequencer receipt")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return sequencer.CommitOutcome{}, apierror.Internalf(err, "commit accept-commit transaction")
	}

	return sequencer.CommitOutcome{NewEpoch: newEpoch, EnvelopeID: envelopeID, Cursor: cursor}, nil
}

// ActiveMemberUserDIDs returns the user DIDs of a conversation's active
// members, the recipient set internal/xrpc's message-sending handlers fan an
// envelope out to. Distinct from ActiveMemberDevices, which counts devices
// for the policy gate's max_members check.
func (s *Store) ActiveMemberUserDIDs(ctx context.Context, convoID string) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT DISTINCT user_did FROM memberships WHERE convo_id = $1 AND left_at IS NULL`, convoID)
	if err != nil {
		return nil, apierror.Internalf(err, "querying active member user dids")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, apierror.Internalf(err, "scanning active member user did")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) activeMemberDevicesTx(ctx context.Context, tx pgx.Tx, convoID string) ([]string, error) {
	rows, err := tx.Query(ctx, `SELECT user_did FROM memberships WHERE convo_id = $1 AND left_at IS NULL`, convoID)
	if err != nil {
		return nil, apierror.Internalf(err, "querying active members for delivery fan-out")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, apierror.Internalf(err, "scanning delivery recipient")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CASSequencer implements internal/transfer.Store.
func (s *Store) CASSequencer(ctx context.Context, convoID, oldSequencerDID, newSequencerDID string, atEpoch int64) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE conversations SET sequencer_did = $1, updated_at = now()
		WHERE id = $2 AND sequencer_did = $3 AND current_epoch = $4
	`, newSequencerDID, convoID, oldSequencerDID, atEpoch)
	if err != nil {
		return false, apierror.Internalf(err, "updating conversation sequencer")
	}
	return tag.RowsAffected() == 1, nil
}

// IsActiveMember implements internal/policy.MembershipLookup.
func (s *Store) IsActiveMember(ctx context.Context, convoID, userDID string) (bool, error) {
	var exists bool
	err := s.db.Pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM memberships WHERE convo_id = $1 AND user_did = $2 AND left_at IS NULL)
	`, convoID, userDID).Scan(&exists)
	if err != nil {
		return false, apierror.Internalf(err, "checking active membership")
	}
	return exists, nil
}

// IsAdmin implements internal/policy.MembershipLookup.
func (s *Store) IsAdmin(ctx context.Context, convoID, userDID string) (bool, error) {
	var isAdmin bool
	err := s.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(bool_or(is_admin), false) FROM memberships
		WHERE convo_id = $1 AND user_did = $2 AND left_at IS NULL
	`, convoID, userDID).Scan(&isAdmin)
	if err != nil {
		return false, apierror.Internalf(err, "checking admin status")
	}
	return isAdmin, nil
}

// IsOptedIn implements internal/policy.OptInLookup.
func (s *Store) IsOptedIn(ctx context.Context, userDID string) (bool, error) {
	var optedIn bool
	err := s.db.Pool.QueryRow(ctx, `SELECT COALESCE(opted_in, false) FROM opt_ins WHERE user_did = $1`, userDID).Scan(&optedIn)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apierror.Internalf(err, "checking opt-in status")
	}
	return optedIn, nil
}

// HasMutualBlock implements internal/policy.OptInLookup.
func (s *Store) HasMutualBlock(ctx context.Context, userDID, otherDID string) (bool, error) {
	var blocked bool
	err := s.db.Pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM blocks
			WHERE (blocker_did = $1 AND blocked_did = $2) OR (blocker_did = $2 AND blocked_did = $1)
		)
	`, userDID, otherDID).Scan(&blocked)
	if err != nil {
		return false, apierror.Internalf(err, "checking mutual block")
	}
	return blocked, nil
}

// EnvelopesSince implements internal/fanout.Store.
func (s *Store) EnvelopesSince(ctx context.Context, convoID string, afterCursor int64, limit int) ([]models.Envelope, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT envelope_id, convo_id, sender_did, kind, epoch, ciphertext, created_at, sequence_cursor
		FROM envelopes WHERE convo_id = $1 AND sequence_cursor > $2
		ORDER BY sequence_cursor ASC LIMIT $3
	`, convoID, afterCursor, limit)
	if err != nil {
		return nil, apierror.Internalf(err, "querying envelopes since cursor")
	}
	defer rows.Close()

	var out []models.Envelope
	for rows.Next() {
		var e models.Envelope
		if err := rows.Scan(&e.EnvelopeID, &e.ConvoID, &e.SenderDID, &e.Kind, &e.Epoch, &e.Ciphertext, &e.CreatedAt, &e.SequenceCursor); err != nil {
			return nil, apierror.Internalf(err, "scanning envelope")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AckDelivery implements internal/fanout.Store, idempotent by design: a
// second ack of the same (envelope, recipient) pair is a no-op that reports
// alreadyAcked=true rather than an error.
func (s *Store) AckDelivery(ctx context.Context, envelopeID, recipientDID string) (bool, error) {
	var alreadyAcked bool
	err := s.db.Pool.QueryRow(ctx, `SELECT acked_at IS NOT NULL FROM deliveries WHERE envelope_id = $1 AND recipient_did = $2`,
		envelopeID, recipientDID).Scan(&alreadyAcked)
	if err == pgx.ErrNoRows {
		return false, apierror.ErrDeviceNotFound
	}
	if err != nil {
		return false, apierror.Internalf(err, "checking delivery ack state")
	}
	if alreadyAcked {
		return true, nil
	}

	_, err = s.db.Pool.Exec(ctx, `
		UPDATE deliveries SET state = 'acked', acked_at = now()
		WHERE envelope_id = $1 AND recipient_did = $2
	`, envelopeID, recipientDID)
	if err != nil {
		return false, apierror.Internalf(err, "recording delivery ack")
	}
	return false, nil
}

// DeleteExpiredKeyPackages implements internal/janitor.Store.
func (s *Store) DeleteExpiredKeyPackages(ctx context.Context) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM key_packages WHERE expires_at < now() AND state != 'consumed'`)
	if err != nil {
		return 0, apierror.Internalf(err, "deleting expired key packages")
	}
	return tag.RowsAffected(), nil
}

// DeleteConsumedKeyPackages implements internal/janitor.Store.
func (s *Store) DeleteConsumedKeyPackages(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		DELETE FROM key_packages WHERE state = 'consumed' AND consumed_at < now() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, apierror.Internalf(err, "deleting consumed key packages")
	}
	return tag.RowsAffected(), nil
}

// DeleteStaleUnconsumedKeyPackages implements internal/janitor.Store.
func (s *Store) DeleteStaleUnconsumedKeyPackages(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		DELETE FROM key_packages WHERE state != 'consumed' AND created_at < now() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, apierror.Internalf(err, "deleting stale unconsumed key packages")
	}
	return tag.RowsAffected(), nil
}

// EnforceKeyPackageLimit implements internal/janitor.Store: a
// connection-wide sweep over every device's cap, distinct from
// internal/keypackage.Pool.enforceCapTx which enforces the same cap inline
// on every publish for the one device just written to.
func (s *Store) EnforceKeyPackageLimit(ctx context.Context, maxPerDevice int) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		DELETE FROM key_packages
		WHERE content_hash IN (
			SELECT content_hash FROM (
				SELECT content_hash,
				       row_number() OVER (PARTITION BY user_did, device_id ORDER BY created_at DESC) AS rn
				FROM key_packages WHERE state = 'available'
			) ranked WHERE rn > $1
		)
	`, maxPerDevice)
	if err != nil {
		return 0, apierror.Internalf(err, "enforcing key package limit")
	}
	return tag.RowsAffected(), nil
}

// DeleteOldDeliveryAcks implements internal/janitor.Store.
func (s *Store) DeleteOldDeliveryAcks(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		DELETE FROM deliveries WHERE acked_at IS NOT NULL AND acked_at < now() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, apierror.Internalf(err, "deleting old delivery acks")
	}
	return tag.RowsAffected(), nil
}

// CompactMessages implements internal/janitor.Store: hard-deletes
// application envelopes older than messageTTL, plus Welcome envelopes older
// than welcomeConsumedTTL once every recipient the Welcome was addressed to
// has acked delivery (a Welcome with any pending/un-acked delivery row is
// kept regardless of age, since the device it was meant for hasn't joined
// yet).
func (s *Store) CompactMessages(ctx context.Context, messageTTL, welcomeConsumedTTL time.Duration) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		DELETE FROM envelopes
		WHERE kind = 'application' AND created_at < now() - $1::interval
	`, messageTTL.String())
	if err != nil {
		return 0, apierror.Internalf(err, "compacting application envelopes")
	}
	removed := tag.RowsAffected()

	tag, err = s.db.Pool.Exec(ctx, `
		DELETE FROM envelopes e
		WHERE e.kind = 'welcome'
		  AND e.created_at < now() - $1::interval
		  AND NOT EXISTS (
			  SELECT 1 FROM deliveries d
			  WHERE d.envelope_id = e.envelope_id AND d.acked_at IS NULL
		  )
	`, welcomeConsumedTTL.String())
	if err != nil {
		return removed, apierror.Internalf(err, "compacting consumed welcome envelopes")
	}
	return removed + tag.RowsAffected(), nil
}

// CompactEventLog implements internal/janitor.Store: hard-deletes the
// protocol event stream (Commit, Proposal, EphemeralSignal envelopes) older
// than olderThan. Application and Welcome envelopes have their own TTL via
// CompactMessages and are excluded here.
func (s *Store) CompactEventLog(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		DELETE FROM envelopes
		WHERE kind IN ('commit', 'proposal', 'ephemeral') AND created_at < now() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, apierror.Internalf(err, "compacting event log envelopes")
	}
	return tag.RowsAffected(), nil
}
