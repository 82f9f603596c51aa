package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/models"
)

// The methods in this file back internal/xrpc's handlers directly; unlike
// store.go's methods they aren't required by any domain package's injected
// interface, since xrpc talks to *Store concretely rather than through a
// seam another package owns.

// RegisterDevice upserts a device row, clearing any prior soft-delete.
func (s *Store) RegisterDevice(ctx context.Context, userDID, deviceID, displayName string) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO devices (user_did, device_id, display_name, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_did, device_id) DO UPDATE SET display_name = $3, deleted_at = NULL
	`, userDID, deviceID, displayName)
	if err != nil {
		return apierror.Internalf(err, "registering device")
	}
	return nil
}

// DeleteDevice soft-deletes a device; it does not remove its historical
// memberships or key packages, which the janitor reaps on its own schedule.
func (s *Store) DeleteDevice(ctx context.Context, userDID, deviceID string) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE devices SET deleted_at = now() WHERE user_did = $1 AND device_id = $2 AND deleted_at IS NULL
	`, userDID, deviceID)
	if err != nil {
		return apierror.Internalf(err, "deleting device")
	}
	if tag.RowsAffected() == 0 {
		return apierror.ErrDeviceNotFound
	}
	return nil
}

// Device is a registered device row returned to the owning user.
type Device struct {
	UserDID     string    `json:"userDid"`
	DeviceID    string    `json:"deviceId"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ListDevices returns every non-deleted device for a user.
func (s *Store) ListDevices(ctx context.Context, userDID string) ([]Device, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT user_did, device_id, display_name, created_at
		FROM devices WHERE user_did = $1 AND deleted_at IS NULL ORDER BY created_at ASC
	`, userDID)
	if err != nil {
		return nil, apierror.Internalf(err, "listing devices")
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.UserDID, &d.DeviceID, &d.DisplayName, &d.CreatedAt); err != nil {
			return nil, apierror.Internalf(err, "scanning device")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateConversation inserts a new conversation with the creator as its
// first active admin member and itself as the initial sequencer DS.
func (s *Store) CreateConversation(ctx context.Context, convo models.Conversation, creatorDeviceID string) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return apierror.Internalf(err, "begin create-conversation transaction")
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	if _, err := tx.Exec(ctx, `
		INSERT INTO conversations (id, creator_did, current_epoch, sequencer_did,
			allow_external_commits, prevent_removing_last_admin, max_members, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $4, $5, $6, $7, $7)
	`, convo.ID, convo.CreatorDID, convo.SequencerDID, convo.Policy.AllowExternalCommits,
		convo.Policy.PreventRemovingLastAdmin, convo.Policy.MaxMembers, now); err != nil {
		return apierror.Internalf(err, "inserting conversation")
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO memberships (convo_id, user_did, device_id, joined_at, is_admin)
		VALUES ($1, $2, $3, $4, true)
	`, convo.ID, convo.CreatorDID, creatorDeviceID, now); err != nil {
		return apierror.Internalf(err, "inserting creator membership")
	}

	return commitOrInternal(ctx, tx, "create-conversation")
}

func commitOrInternal(ctx context.Context, tx pgx.Tx, what string) error {
	if err := tx.Commit(ctx); err != nil {
		return apierror.Internalf(err, "commit %s transaction", what)
	}
	return nil
}

// ListConversations returns every conversation the given user actively
// belongs to, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, userDID string) ([]models.Conversation, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT c.id, c.creator_did, c.current_epoch, c.sequencer_did, c.group_info_epoch,
		       COALESCE(c.group_info_updated_at, to_timestamp(0)),
		       c.allow_external_commits, c.prevent_removing_last_admin, c.max_members,
		       c.created_at, c.updated_at
		FROM conversations c
		JOIN memberships m ON m.convo_id = c.id
		WHERE m.user_did = $1 AND m.left_at IS NULL
		ORDER BY c.updated_at DESC
	`, userDID)
	if err != nil {
		return nil, apierror.Internalf(err, "listing conversations")
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.CreatorDID, &c.CurrentEpoch, &c.SequencerDID, &c.GroupInfoEpoch,
			&c.GroupInfoAt, &c.Policy.AllowExternalCommits, &c.Policy.PreventRemovingLastAdmin,
			&c.Policy.MaxMembers, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, apierror.Internalf(err, "scanning conversation")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConvoPolicy patches a conversation's policy fields; only an admin
// caller should ever reach this (internal/xrpc checks that via
// policy.MembershipLookup.IsAdmin before calling).
func (s *Store) UpdateConvoPolicy(ctx context.Context, convoID string, policy models.ConvoPolicy) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE conversations SET allow_external_commits = $1, prevent_removing_last_admin = $2,
			max_members = $3, updated_at = now()
		WHERE id = $4
	`, policy.AllowExternalCommits, policy.PreventRemovingLastAdmin, policy.MaxMembers, convoID)
	if err != nil {
		return apierror.Internalf(err, "updating conversation policy")
	}
	if tag.RowsAffected() == 0 {
		return apierror.ErrConvoNotFound
	}
	return nil
}

// LeaveConversation marks the calling user's membership as left. It does not
// run the last-admin protection — a self-initiated leave is explicit intent,
// distinct from a commit-driven removal that policy.CheckRemoval guards.
func (s *Store) LeaveConversation(ctx context.Context, convoID, userDID string) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE memberships SET left_at = now() WHERE convo_id = $1 AND user_did = $2 AND left_at IS NULL
	`, convoID, userDID)
	if err != nil {
		return apierror.Internalf(err, "leaving conversation")
	}
	if tag.RowsAffected() == 0 {
		return apierror.New(apierror.NotFound, apierror.CodeDeviceNotFound, "not an active member of this conversation")
	}
	return nil
}

// GetGroupInfo returns the cached GroupInfo object and the epoch it was
// captured at, for clients joining via external commit.
func (s *Store) GetGroupInfo(ctx context.Context, convoID string) ([]byte, int64, error) {
	var groupInfo []byte
	var epoch int64
	err := s.db.Pool.QueryRow(ctx, `SELECT group_info, group_info_epoch FROM conversations WHERE id = $1`, convoID).
		Scan(&groupInfo, &epoch)
	if err == pgx.ErrNoRows {
		return nil, 0, apierror.ErrConvoNotFound
	}
	if err != nil {
		return nil, 0, apierror.Internalf(err, "querying group info")
	}
	return groupInfo, epoch, nil
}

// AppendEnvelope durably inserts a single non-commit envelope (application
// message or ephemeral-adjacent Welcome resend) and its per-recipient
// delivery rows, returning the assigned cursor. Commit envelopes go through
// Store.PersistCommit instead, which folds this same shape into the larger
// accept-commit transaction.
func (s *Store) AppendEnvelope(ctx context.Context, convoID, senderDID string, kind models.EnvelopeKind, epoch int64, ciphertext []byte, recipients []string) (models.Envelope, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return models.Envelope{}, apierror.Internalf(err, "begin append-envelope transaction")
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	var cursor int64
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(max(sequence_cursor), 0) + 1 FROM envelopes WHERE convo_id = $1
	`, convoID).Scan(&cursor); err != nil {
		return models.Envelope{}, apierror.Internalf(err, "computing next cursor")
	}

	envelopeID := convoID + ":" + string(kind) + ":" + now.Format(time.RFC3339Nano)
	if _, err := tx.Exec(ctx, `
		INSERT INTO envelopes (envelope_id, convo_id, sender_did, kind, epoch, ciphertext, created_at, sequence_cursor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, envelopeID, convoID, senderDID, string(kind), epoch, ciphertext, now, cursor); err != nil {
		return models.Envelope{}, apierror.Internalf(err, "inserting envelope")
	}

	for _, recipient := range recipients {
		if _, err := tx.Exec(ctx, `
			INSERT INTO deliveries (envelope_id, recipient_did, state)
			VALUES ($1, $2, 'pending') ON CONFLICT (envelope_id, recipient_did) DO NOTHING
		`, envelopeID, recipient); err != nil {
			return models.Envelope{}, apierror.Internalf(err, "enqueuing delivery")
		}
	}

	if err := commitOrInternal(ctx, tx, "append-envelope"); err != nil {
		return models.Envelope{}, err
	}

	return models.Envelope{
		EnvelopeID: envelopeID, ConvoID: convoID, SenderDID: senderDID, Kind: kind,
		Epoch: epoch, Ciphertext: ciphertext, CreatedAt: now, SequenceCursor: cursor,
	}, nil
}

// UpdateCursor persists a device's last-acknowledged read position,
// independent of delivery-ack bookkeeping (component G); this is the
// client-reported high-watermark used to resume catch-up after a restart.
func (s *Store) UpdateCursor(ctx context.Context, convoID, userDID, deviceID string, cursor int64) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE memberships SET last_seen_cursor = $1
		WHERE convo_id = $2 AND user_did = $3 AND device_id = $4 AND left_at IS NULL
	`, cursor, convoID, userDID, deviceID)
	if err != nil {
		return apierror.Internalf(err, "updating cursor")
	}
	if tag.RowsAffected() == 0 {
		return apierror.New(apierror.NotFound, apierror.CodeDeviceNotFound, "not an active member of this conversation")
	}
	return nil
}

// SetOptIn records a user's opt-in/opt-out preference for being added to
// new conversations by others.
func (s *Store) SetOptIn(ctx context.Context, userDID string, optedIn bool) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO opt_ins (user_did, opted_in, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (user_did) DO UPDATE SET opted_in = $2, updated_at = now()
	`, userDID, optedIn)
	if err != nil {
		return apierror.Internalf(err, "setting opt-in status")
	}
	return nil
}

// SetBlock records (or clears) a one-directional block from blocker against
// blocked. HasMutualBlock in store.go checks both directions.
func (s *Store) SetBlock(ctx context.Context, blockerDID, blockedDID string, blocked bool) error {
	if blocked {
		_, err := s.db.Pool.Exec(ctx, `
			INSERT INTO blocks (blocker_did, blocked_did, created_at) VALUES ($1, $2, now())
			ON CONFLICT (blocker_did, blocked_did) DO NOTHING
		`, blockerDID, blockedDID)
		if err != nil {
			return apierror.Internalf(err, "recording block")
		}
		return nil
	}
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM blocks WHERE blocker_did = $1 AND blocked_did = $2`, blockerDID, blockedDID)
	if err != nil {
		return apierror.Internalf(err, "clearing block")
	}
	return nil
}

// CreateReport records an abuse report. id is caller-supplied (a ULID, per
// the same convention internal/middleware uses for request IDs) so report
// submission is naturally idempotent under retry.
func (s *Store) CreateReport(ctx context.Context, id, reporterDID, subjectDID, convoID, envelopeID, reason string) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO reports (id, reporter_did, subject_did, convo_id, envelope_id, reason, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, now())
		ON CONFLICT (id) DO NOTHING
	`, id, reporterDID, subjectDID, convoID, envelopeID, reason)
	if err != nil {
		return apierror.Internalf(err, "creating report")
	}
	return nil
}

// Report mirrors models.FederationPeer's role for the reports table: a
// lightweight view shaped for the xrpc response, not a full domain model
// since no other component consumes reports.
type Report struct {
	ID          string    `json:"id"`
	ReporterDID string    `json:"reporterDid"`
	SubjectDID  string    `json:"subjectDid"`
	ConvoID     string    `json:"convoId,omitempty"`
	EnvelopeID  string    `json:"envelopeId,omitempty"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ListReportsAgainst returns reports filed against subjectDID, newest first.
func (s *Store) ListReportsAgainst(ctx context.Context, subjectDID string) ([]Report, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, reporter_did, subject_did, COALESCE(convo_id, ''), COALESCE(envelope_id, ''), reason, created_at
		FROM reports WHERE subject_did = $1 ORDER BY created_at DESC
	`, subjectDID)
	if err != nil {
		return nil, apierror.Internalf(err, "listing reports")
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var r Report
		if err := rows.Scan(&r.ID, &r.ReporterDID, &r.SubjectDID, &r.ConvoID, &r.EnvelopeID, &r.Reason, &r.CreatedAt); err != nil {
			return nil, apierror.Internalf(err, "scanning report")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetPeer implements internal/dispatch.PeerStore.
func (s *Store) GetPeer(ctx context.Context, peerDID string) (models.FederationPeer, error) {
	var p models.FederationPeer
	err := s.db.Pool.QueryRow(ctx, `
		SELECT peer_did, endpoint, trust_state, failure_budget, COALESCE(last_outcome_at, to_timestamp(0))
		FROM federation_peers WHERE peer_did = $1
	`, peerDID).Scan(&p.PeerDID, &p.Endpoint, &p.TrustState, &p.FailureBudget, &p.LastOutcomeAt)
	if err == pgx.ErrNoRows {
		// An unknown peer starts Allowed with an empty endpoint; the
		// dispatcher's identity.Resolver supplies the real endpoint from the
		// directory, not this table — this table only tracks trust state.
		return models.FederationPeer{PeerDID: peerDID, TrustState: models.TrustAllowed}, nil
	}
	if err != nil {
		return models.FederationPeer{}, apierror.Internalf(err, "querying federation peer")
	}
	return p, nil
}

// UpdatePeerTrust implements internal/dispatch.PeerStore.
func (s *Store) UpdatePeerTrust(ctx context.Context, peerDID string, state models.TrustState, failureBudget int, at time.Time) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO federation_peers (peer_did, endpoint, trust_state, failure_budget, last_outcome_at)
		VALUES ($1, '', $2, $3, $4)
		ON CONFLICT (peer_did) DO UPDATE SET trust_state = $2, failure_budget = $3, last_outcome_at = $4
	`, peerDID, state, failureBudget, at)
	if err != nil {
		return apierror.Internalf(err, "updating peer trust")
	}
	return nil
}
