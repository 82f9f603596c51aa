// Package transfer implements the sequencer-transfer protocol (component F):
// moving a conversation's write authority from one delivery service to
// another. Grounded directly on the original delivery service's
// accept_transfer handler (server/src/handlers/ds/transfer_sequencer.rs),
// which is considerably more precise than a prose description of the
// failure modes — this package follows its verify-then-CAS sequence and its
// TransferError variants (ConversationNotFound, NotCurrentSequencer,
// NotAuthorized) one-for-one.
package transfer

import (
	"context"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/models"
)

// Store is the durable seam transfer needs: read the conversation's current
// sequencer/epoch and perform the single compare-and-swap that moves
// authority, matching the original's "verify caller is current sequencer,
// then CAS sequencer_did and bump a transfer generation" sequence.
type Store interface {
	GetConversation(ctx context.Context, convoID string) (models.Conversation, error)
	// CASSequencer updates convo's sequencer_did to newSequencerDID only if
	// it is still oldSequencerDID and the epoch has not advanced past
	// atEpoch. ok is false if the row had already moved (lost the race).
	CASSequencer(ctx context.Context, convoID, oldSequencerDID, newSequencerDID string, atEpoch int64) (ok bool, err error)
}

// PeerAuthenticator verifies that the caller claiming to be newSequencerDID
// actually holds that identity's service-auth credentials — the transfer
// request itself arrives over the federation channel already authenticated
// by component B, so this is a thin assertion rather than a second auth
// pass; it exists as a seam so callers outside internal/xrpc can unit test
// this package without standing up a JWT verifier.
type PeerAuthenticator interface {
	// Authorized reports whether callerDID is allowed to request that convoID
	// be handed to targetSequencerDID. In the single-org-per-peer model this
	// is simply callerDID == targetSequencerDID: a DS can only request
	// authority be handed to itself.
	Authorized(ctx context.Context, convoID, callerDID, targetSequencerDID string) (bool, error)
}

// Transfer coordinates handoffs. It holds no conversation-level lock of its
// own; correctness comes entirely from the CAS in Store.CASSequencer, the
// same pattern the original source uses because a conversation's sequencer
// column is the only piece of state a handoff touches.
type Transfer struct {
	store Store
	auth  PeerAuthenticator
}

// New builds a Transfer coordinator.
func New(store Store, auth PeerAuthenticator) *Transfer {
	return &Transfer{store: store, auth: auth}
}

// Request is the accept-transfer input / the
// original's ds.transferSequencer federation endpoint).
type Request struct {
	ConvoID             string
	CallerDID           string
	CurrentSequencerDID string
	TargetSequencerDID  string
	AtEpoch             int64
}

// Outcome reports the conversation's sequencer identity after the call,
// whether or not the transfer this caller requested is the one that won.
type Outcome struct {
	SequencerDID string
	Epoch        int64
}

// Accept runs the original's accept_transfer sequence: look up the
// conversation, confirm the conversation's current sequencer and epoch
// still match what the caller observed, confirm the caller is requesting
// authority move to an identity it is authorized to speak for, then CAS. Any mismatch returns a apierror.Conflict or apierror.Policy error
// naming which precondition failed, mirroring TransferError's variants.
func (t *Transfer) Accept(ctx context.Context, req Request) (Outcome, error) {
	convo, err := t.store.GetConversation(ctx, req.ConvoID)
	if err != nil {
		return Outcome{}, err
	}

	if convo.SequencerDID != req.CurrentSequencerDID {
		return Outcome{}, apierror.New(apierror.Conflict, apierror.CodeNotSequencer,
			"conversation's current sequencer does not match the caller's view").
			WithContext("currentSequencer", convo.SequencerDID)
	}
	if convo.CurrentEpoch != req.AtEpoch {
		return Outcome{}, apierror.New(apierror.Conflict, apierror.CodeStaleEpoch,
			"conversation epoch has advanced since the caller last observed it").
			WithContext("currentEpoch", convo.CurrentEpoch)
	}

	authorized, err := t.auth.Authorized(ctx, req.ConvoID, req.CallerDID, req.TargetSequencerDID)
	if err != nil {
		return Outcome{}, err
	}
	if !authorized {
		return Outcome{}, apierror.New(apierror.Policy, apierror.CodeNotMember,
			"caller is not authorized to request this transfer")
	}

	ok, err := t.store.CASSequencer(ctx, req.ConvoID, req.CurrentSequencerDID, req.TargetSequencerDID, req.AtEpoch)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, apierror.New(apierror.Conflict, apierror.CodeCASLost,
			"another transfer or commit won the race for this conversation")
	}

	return Outcome{SequencerDID: req.TargetSequencerDID, Epoch: req.AtEpoch}, nil
}
