// Package fanout implements the delivery engine (component G): the live
// push path that wakes tailing subscribers when the sequencer accepts a
// commit or appends an envelope, plus the catch-up path a reconnecting
// device uses to fetch what it missed. Grounded on the teacher's
// internal/events/events.go (NATS JetStream bus, adapted in
// internal/events) for the publish/subscribe decoupling 
// calls for, and on internal/federation/sync.go's catch-up/backfill shape
// (fetch-then-subscribe, watermarked by a cursor instead of an HLC
// timestamp since a single conversation's cursor is already totally
// ordered).
package fanout

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mlsds/mlsds/internal/events"
	"github.com/mlsds/mlsds/internal/models"
)

// wireEvent is the real-time transport's event shape // "events carry {cursor, type, payload}"). models.Envelope excludes its raw
// Ciphertext field from JSON (json:"-"), so SSE/WS delivery goes through
// this type instead of marshaling the model directly — otherwise a
// subscriber would receive metadata with no payload at all.
type wireEvent struct {
	Cursor  int64  `json:"cursor"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
	ConvoID string `json:"convoId"`
	Sender  string `json:"senderDid,omitempty"`
	Epoch   int64  `json:"epoch,omitempty"`
}

// toWireEvent maps an envelope's Kind to the client-facing event type. The
// DS never inspects ciphertext, so finer-grained client event types
// (reaction/typing/presence) live inside the decrypted ephemeral-signal
// payload itself; at this layer every such envelope is just "ephemeral".
func toWireEvent(e models.Envelope) wireEvent {
	var t string
	switch e.Kind {
	case models.KindApplication:
		t = "message"
	case models.KindWelcome:
		t = "welcome"
	case models.KindCommit:
		t = "commit"
	case models.KindProposal:
		t = "proposal"
	case models.KindEphemeralSignal:
		t = "ephemeral"
	default:
		t = string(e.Kind)
	}
	return wireEvent{
		Cursor:  e.SequenceCursor,
		Type:    t,
		Payload: base64.StdEncoding.EncodeToString(e.Ciphertext),
		ConvoID: e.ConvoID,
		Sender:  e.SenderDID,
		Epoch:   e.Epoch,
	}
}

// Store is the read-side seam: fetch envelopes a subscriber missed while
// disconnected, and record/query delivery acks.
type Store interface {
	EnvelopesSince(ctx context.Context, convoID string, afterCursor int64, limit int) ([]models.Envelope, error)
	AckDelivery(ctx context.Context, envelopeID, recipientDID string) (alreadyAcked bool, err error)
}

// MailboxBackend delivers a notification to a device that has no live
// subscriber attached — push notifications, in this service's terms,
// reduced to "defining the backend interface" for this core. Null is the
// only implementation shipped; a push-provider-backed implementation is a
// pluggable addition outside this core, matching the original's
// fanout/mod.rs contract exactly.
type MailboxBackend interface {
	Notify(ctx context.Context, recipientDID string, convoID string, envelopeID string) error
}

// NullMailbox is a no-op MailboxBackend.
type NullMailbox struct{}

func (NullMailbox) Notify(ctx context.Context, recipientDID, convoID, envelopeID string) error {
	return nil
}

// subscriber is one live tail connection (an SSE stream or a WebSocket).
type subscriber struct {
	ch chan models.Envelope
}

// Engine owns the per-conversation subscriber registry and bridges NATS
// commit/envelope notifications into it. CommitNotifier (notifier.go) is
// the internal/sequencer.FanoutNotifier that feeds it commit notifications.
type Engine struct {
	store   Store
	bus     *events.Bus
	mailbox MailboxBackend
	logger  *slog.Logger

	mu          sync.Mutex
	subscribers map[string]map[*subscriber]struct{} // convoID -> set
}

// New builds an Engine. mailbox may be nil, in which case NullMailbox is
// used.
func New(store Store, bus *events.Bus, mailbox MailboxBackend, logger *slog.Logger) *Engine {
	if mailbox == nil {
		mailbox = NullMailbox{}
	}
	return &Engine{
		store:       store,
		bus:         bus,
		mailbox:     mailbox,
		logger:      logger,
		subscribers: make(map[string]map[*subscriber]struct{}),
	}
}

// Start subscribes to the convo-envelope and commit-accepted subjects on the
// bus and fans each incoming envelope out to that convo's live subscribers;
// for a commit it loads the commit envelope at the announced cursor first.
// Call once during startup, after events.Bus.EnsureStreams.
func (e *Engine) Start() error {
	_, err := e.bus.Subscribe(events.SubjectEnvelopeAppended, func(ev events.Event) {
		var envelope models.Envelope
		if err := json.Unmarshal(ev.Data, &envelope); err != nil {
			e.logger.Error("fanout: failed to decode envelope event", slog.String("error", err.Error()))
			return
		}
		e.broadcast(ev.ConvoID, envelope)
	})
	if err != nil {
		return err
	}
	_, err = e.bus.Subscribe(events.SubjectCommitAccepted, func(ev events.Event) {
		var outcome struct{ Cursor int64 }
		if err := json.Unmarshal(ev.Data, &outcome); err != nil || outcome.Cursor <= 0 {
			return
		}
		envelopes, err := e.store.EnvelopesSince(context.Background(), ev.ConvoID, outcome.Cursor-1, 1)
		if err != nil || len(envelopes) == 0 {
			e.logger.Error("fanout: failed to load commit envelope", slog.String("convoId", ev.ConvoID))
			return
		}
		e.broadcast(ev.ConvoID, envelopes[0])
	})
	return err
}

// PublishEnvelope is called by the xrpc message handlers immediately after
// an envelope is durably persisted. It publishes to NATS rather than fanning
// out in-process directly so that every mlsds instance subscribed to the
// same bus observes the envelope; this instance's own local subscribers are
// woken by the Subscribe handler registered in Start.
func (e *Engine) PublishEnvelope(ctx context.Context, envelope models.Envelope) error {
	return e.bus.PublishConvoEvent(ctx, events.SubjectEnvelopeAppended, "envelope_appended", envelope.ConvoID, envelope)
}

func (e *Engine) broadcast(convoID string, envelope models.Envelope) {
	e.mu.Lock()
	subs := e.subscribers[convoID]
	e.mu.Unlock()

	for sub := range subs {
		select {
		case sub.ch <- envelope:
		default:
			// A slow subscriber never blocks the broadcast; it will catch up
			// via CatchUp on its next reconnect using the envelope's cursor.
			e.logger.Warn("fanout: dropping envelope for slow subscriber", slog.String("convoId", convoID))
		}
	}
}

// Tail registers a live subscription for convoID and returns a channel of
// envelopes plus an unsubscribe func. Callers (SSE/WS handlers) must call
// Tail before CatchUp, then dedupe the tail against the catch-up backlog
// by cursor — calling CatchUp first leaves a gap where an envelope
// committed between the catch-up read and Tail registering is delivered
// by neither path.
func (e *Engine) Tail(convoID string) (<-chan models.Envelope, func()) {
	sub := &subscriber{ch: make(chan models.Envelope, 64)}

	e.mu.Lock()
	if e.subscribers[convoID] == nil {
		e.subscribers[convoID] = make(map[*subscriber]struct{})
	}
	e.subscribers[convoID][sub] = struct{}{}
	e.mu.Unlock()

	unsubscribe := func() {
		e.mu.Lock()
		delete(e.subscribers[convoID], sub)
		if len(e.subscribers[convoID]) == 0 {
			delete(e.subscribers, convoID)
		}
		e.mu.Unlock()
		close(sub.ch)
	}
	return sub.ch, unsubscribe
}

// CatchUp returns every envelope strictly after afterCursor, in cursor
// order, bounded by limit. A device reconnecting calls this after Tail,
// and dedupes the live tail against this backlog by cursor, so the two
// together cover every envelope exactly once.
func (e *Engine) CatchUp(ctx context.Context, convoID string, afterCursor int64, limit int) ([]models.Envelope, error) {
	return e.store.EnvelopesSince(ctx, convoID, afterCursor, limit)
}

// Ack records a recipient device's acknowledgement of an envelope.
// Idempotent: acking the same envelope twice is not an error, matching
// this service's ack-idempotence invariant.
func (e *Engine) Ack(ctx context.Context, envelopeID, recipientDID string) error {
	_, err := e.store.AckDelivery(ctx, envelopeID, recipientDID)
	return err
}

// NotifyOffline asks the mailbox backend to wake a device that has no live
// subscriber attached for convoID.
func (e *Engine) NotifyOffline(ctx context.Context, recipientDID, convoID, envelopeID string) error {
	return e.mailbox.Notify(ctx, recipientDID, convoID, envelopeID)
}
