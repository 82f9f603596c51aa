// Package events implements the internal event bus that decouples the
// sequencer's durable commit transaction from the fan-out engine's live
// push, architecture note ("a commit's durable
// write and its live delivery are different concerns with different
// failure domains"). Grounded on the teacher's internal/events/events.go
// NATS JetStream bus: same connection/stream/publish/subscribe shape,
// subjects and payload narrowed to conversation commit and envelope
// notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject constants follow the pattern mlsds.<category>.<action>, mirroring
// the teacher's amityvox.<category>.<action> convention.
const (
	SubjectEnvelopeAppended = "mlsds.convo.envelope_appended"
	SubjectCommitAccepted   = "mlsds.convo.commit_accepted"
	SubjectSequencerMoved   = "mlsds.convo.sequencer_moved"
	SubjectDeliveryAcked    = "mlsds.delivery.acked"
)

// Event is the envelope for everything published through NATS. ConvoID is
// the routing key the fan-out engine subscribes on; RecipientDID is set
// only for events targeted at one device (e.g. a delivery ack) rather than
// every subscriber of a conversation.
type Event struct {
	Type         string          `json:"t"`
	ConvoID      string          `json:"convoId,omitempty"`
	RecipientDID string          `json:"recipientDid,omitempty"`
	Data         json.RawMessage `json:"d"`
}

// Bus wraps a NATS connection and JetStream context, the central seam
// between the sequencer (publisher) and the fan-out engine (subscriber).
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// New connects to the NATS server at natsURL and initializes JetStream.
func New(natsURL string, logger *slog.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("mlsds"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", natsURL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("initializing JetStream: %w", err)
	}

	logger.Info("NATS connection established", slog.String("url", nc.ConnectedUrl()))
	return &Bus{conn: nc, js: js, logger: logger}, nil
}

// EnsureStreams creates the JetStream streams mlsds needs if they don't
// already exist. Call during startup, after New.
func (b *Bus) EnsureStreams() error {
	streams := []nats.StreamConfig{
		{
			Name:      "MLSDS_CONVO",
			Subjects:  []string{"mlsds.convo.>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
		{
			Name:      "MLSDS_DELIVERY",
			Subjects:  []string{"mlsds.delivery.>"},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    7 * 24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		info, err := b.js.StreamInfo(cfg.Name)
		if err != nil && err != nats.ErrStreamNotFound {
			return fmt.Errorf("checking stream %s: %w", cfg.Name, err)
		}
		if info == nil {
			if _, err := b.js.AddStream(&cfg); err != nil {
				return fmt.Errorf("creating stream %s: %w", cfg.Name, err)
			}
			b.logger.Info("JetStream stream created", slog.String("stream", cfg.Name))
		} else {
			b.logger.Debug("JetStream stream exists", slog.String("stream", cfg.Name))
		}
	}
	return nil
}

// Publish sends an event to subject, JSON-encoding it first.
func (b *Bus) Publish(_ context.Context, subject string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	b.logger.Debug("event published", slog.String("subject", subject), slog.String("type", event.Type))
	return nil
}

// PublishConvoEvent publishes an event routed to every active subscriber of
// a conversation (a new envelope, an accepted commit, a sequencer move).
func (b *Bus) PublishConvoEvent(ctx context.Context, subject, eventType, convoID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	return b.Publish(ctx, subject, Event{Type: eventType, ConvoID: convoID, Data: raw})
}

// PublishDeliveryEvent publishes an event targeted at one recipient device,
// e.g. an ack observed from another DS instance in a multi-writer fan-out
// deployment.
func (b *Bus) PublishDeliveryEvent(ctx context.Context, subject, eventType, recipientDID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	return b.Publish(ctx, subject, Event{Type: eventType, RecipientDID: recipientDID, Data: raw})
}

// Subscribe subscribes to subject; handler receives decoded Events.
func (b *Bus) Subscribe(subject string, handler func(Event)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event", slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	b.logger.Debug("subscribed to subject", slog.String("subject", subject))
	return sub, nil
}

// QueueSubscribe creates a queue-group subscription so multiple mlsds
// instances behind the same NATS cluster load-balance fan-out work instead
// of each redelivering the same event.
func (b *Bus) QueueSubscribe(subject, queue string, handler func(Event)) (*nats.Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event", slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("queue-subscribing to %s: %w", subject, err)
	}
	b.logger.Debug("queue-subscribed", slog.String("subject", subject), slog.String("queue", queue))
	return sub, nil
}

// Close drains and closes the underlying NATS connection.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// HealthCheck reports whether the bus holds a live NATS connection, for the
// xrpc health endpoint to fold into its overall readiness report alongside
// the database.
func (b *Bus) HealthCheck() error {
	if b.conn == nil || !b.conn.IsConnected() {
		status := nats.CLOSED
		if b.conn != nil {
			status = b.conn.Status()
		}
		return fmt.Errorf("nats connection not ready: %s", status)
	}
	return nil
}
