package fanout

import (
	"context"
	"log/slog"

	"github.com/mlsds/mlsds/internal/events"
	"github.com/mlsds/mlsds/internal/sequencer"
)

// CommitNotifier adapts Engine to internal/sequencer.FanoutNotifier: the
// sequencer calls NotifyCommit synchronously right after a commit persists,
// and this adapter turns that into a fire-and-forget bus publish so the
// sequencer's actor never blocks on fan-out delivery.
type CommitNotifier struct {
	bus    *events.Bus
	logger *slog.Logger
}

// NewCommitNotifier builds a CommitNotifier over the same bus the Engine
// tails.
func NewCommitNotifier(bus *events.Bus, logger *slog.Logger) *CommitNotifier {
	return &CommitNotifier{bus: bus, logger: logger}
}

// NotifyCommit implements internal/sequencer.FanoutNotifier.
func (n *CommitNotifier) NotifyCommit(convoID string, outcome sequencer.CommitOutcome) {
	ctx := context.Background()
	if err := n.bus.PublishConvoEvent(ctx, events.SubjectCommitAccepted, "commit_accepted", convoID, outcome); err != nil {
		n.logger.Error("fanout: failed to publish commit notification", slog.String("convoId", convoID), slog.String("error", err.Error()))
	}
}
