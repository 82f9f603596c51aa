// Package sequencer implements the conversation sequencer (component E): one
// logical writer per conversation, expressed as a long-lived actor with a
// bounded inbox, grounded on a Rust prototype's actor/registry skeleton
// (server/src/actors/{mod,registry,supervisor}.rs) that left the actor body
// itself as a TODO — this package is that actor, built out.
package sequencer

import (
	"context"
	"sync"
	"time"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/keypackage"
	"github.com/mlsds/mlsds/internal/models"
	"github.com/mlsds/mlsds/internal/policy"
)

// CommitRequest is the accept-commit input, .
type CommitRequest struct {
	ConvoID        string
	SenderDevice   string
	ExpectedEpoch  int64
	CommitBytes    []byte
	CommitHash     string
	WelcomeBytes   []byte
	AddedMembers   []AddedMember
	RemovedMembers []string // user DIDs
	GroupInfo      []byte
	GroupInfoEpoch int64
}

// AddedMember pairs a new member's DID with the content hash of the
// KeyPackage that admits them.
type AddedMember struct {
	UserDID         string
	DeviceID        string
	KeyPackageHash  string
}

// CommitOutcome is the accept-commit result.
type CommitOutcome struct {
	NewEpoch   int64
	EnvelopeID string
	Cursor     int64
}

// Store is the durable side of the sequencer: everything 
// calls "relational storage primitives" and places out of scope as a
// primitive, even though the schema itself belongs to this repo. One method,
// PersistCommit, performs the entire accept-commit transaction (bump epoch,
// update group_info, update membership, append receipt, enqueue fan-out
// envelope+deliveries) so the actor never holds the convo lock across
// multiple round trips to storage.
type Store interface {
	GetConversation(ctx context.Context, convoID string) (models.Conversation, error)
	GetReceiptByHash(ctx context.Context, convoID, commitHash string) (models.SequencerReceipt, bool, error)
	ActiveMemberDevices(ctx context.Context, convoID string) ([]string, error)
	ActiveMemberUserDIDs(ctx context.Context, convoID string) ([]string, error)
	ActiveAdminCount(ctx context.Context, convoID string) (int, error)
	PersistCommit(ctx context.Context, req CommitRequest) (CommitOutcome, error)
}

// KeyPackageConsumer is the component D seam the sequencer calls during
// addMember processing.
type KeyPackageConsumer interface {
	Consume(ctx context.Context, hashes []string, holderToken, convoID string) (keypackage.ConsumeResult, error)
	Release(ctx context.Context, hashes []string, holderToken string) error
}

// FanoutNotifier is signaled after a commit persists so the delivery engine
// (component G) can wake any tailing subscribers; the sequencer never
// blocks its own transaction on delivery.
type FanoutNotifier interface {
	NotifyCommit(convoID string, outcome CommitOutcome)
}

// command is a unit of work submitted to a convo's actor inbox.
type command struct {
	run  func(ctx context.Context) (any, error)
	done chan result
}

type result struct {
	value any
	err   error
}

// actor is the per-conversation goroutine; all commits for a convo are
// processed one at a time by this goroutine, giving the strict serial order
// this service requires without a lock held across I/O.
type actor struct {
	inbox chan command
	done  chan struct{}
}

// Sequencer owns the actor registry and the collaborators each actor needs.
type Sequencer struct {
	store    Store
	keypkgs  KeyPackageConsumer
	policy   *policy.Gate
	notifier FanoutNotifier

	mu     sync.Mutex
	actors map[string]*actor

	inboxSize int
}

// New builds a Sequencer. inboxSize bounds each per-convo actor's inbox
// "a task with a bounded inbox").
func New(store Store, keypkgs KeyPackageConsumer, gate *policy.Gate, notifier FanoutNotifier, inboxSize int) *Sequencer {
	if inboxSize <= 0 {
		inboxSize = 64
	}
	return &Sequencer{
		store:     store,
		keypkgs:   keypkgs,
		policy:    gate,
		notifier:  notifier,
		actors:    make(map[string]*actor),
		inboxSize: inboxSize,
	}
}

func (s *Sequencer) actorFor(convoID string) *actor {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.actors[convoID]; ok {
		return a
	}
	a := &actor{inbox: make(chan command, s.inboxSize), done: make(chan struct{})}
	s.actors[convoID] = a
	go s.run(convoID, a)
	return a
}

func (s *Sequencer) run(convoID string, a *actor) {
	defer close(a.done)
	for cmd := range a.inbox {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		value, err := cmd.run(ctx)
		cancel()
		cmd.done <- result{value: value, err: err}
	}
}

// submit enqueues work on convoID's actor and blocks for its result,
// respecting ctx cancellation on the caller's side of the inbox send.
func (s *Sequencer) submit(ctx context.Context, convoID string, run func(ctx context.Context) (any, error)) (any, error) {
	a := s.actorFor(convoID)
	cmd := command{run: run, done: make(chan result, 1)}

	select {
	case a.inbox <- cmd:
	case <-ctx.Done():
		return nil, apierror.Internalf(ctx.Err(), "sequencer inbox full or caller canceled")
	}

	select {
	case r := <-cmd.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, apierror.Internalf(ctx.Err(), "sequencer request canceled")
	}
}

// AcceptCommit runs the accept-commit state machine )
// serialized per convo by the actor. On EpochStale, KeyPackageGone, or any
// other apierror.Error the actor's inbox continues processing subsequent
// commits — a rejected commit never stalls the convo.
func (s *Sequencer) AcceptCommit(ctx context.Context, req CommitRequest) (CommitOutcome, error) {
	v, err := s.submit(ctx, req.ConvoID, func(ctx context.Context) (any, error) {
		return s.acceptCommitLocked(ctx, req)
	})
	if err != nil {
		return CommitOutcome{}, err
	}
	return v.(CommitOutcome), nil
}

func (s *Sequencer) acceptCommitLocked(ctx context.Context, req CommitRequest) (CommitOutcome, error) {
	// Idempotency: a retried commit with a commit_hash already in the
	// receipt ledger returns success without side effects.
	if req.CommitHash != "" {
		if receipt, found, err := s.store.GetReceiptByHash(ctx, req.ConvoID, req.CommitHash); err != nil {
			return CommitOutcome{}, err
		} else if found {
			return CommitOutcome{NewEpoch: receipt.Epoch}, nil
		}
	}

	convo, err := s.store.GetConversation(ctx, req.ConvoID)
	if err != nil {
		return CommitOutcome{}, err
	}

	if req.ExpectedEpoch != convo.CurrentEpoch {
		return CommitOutcome{}, apierror.New(apierror.Conflict, apierror.CodeEpochStale, "commit targets a stale epoch").
			WithContext("currentEpoch", convo.CurrentEpoch)
	}

	if err := s.runPolicy(ctx, convo, req); err != nil {
		return CommitOutcome{}, err
	}

	holderToken := req.ConvoID + ":" + req.CommitHash
	hashes := make([]string, 0, len(req.AddedMembers))
	for _, m := range req.AddedMembers {
		hashes = append(hashes, m.KeyPackageHash)
	}
	if len(hashes) > 0 {
		if res, err := s.keypkgs.Consume(ctx, hashes, holderToken, req.ConvoID); err != nil || !res.OK {
			if err == nil {
				err = apierror.New(apierror.Conflict, apierror.CodeKeyPackageGone, "key package already consumed")
			}
			return CommitOutcome{}, err
		}
	}

	outcome, err := s.store.PersistCommit(ctx, req)
	if err != nil {
		// Best-effort: give back any key packages we just consumed so a
		// retry with a different target isn't starved by this failure.
		_ = s.keypkgs.Release(ctx, hashes, holderToken)
		return CommitOutcome{}, err
	}

	if s.notifier != nil {
		s.notifier.NotifyCommit(req.ConvoID, outcome)
	}
	return outcome, nil
}

func (s *Sequencer) runPolicy(ctx context.Context, convo models.Conversation, req CommitRequest) error {
	if len(req.RemovedMembers) > 0 {
		if err := s.policy.CheckRemoval(ctx, convo, req.SenderDevice, req.RemovedMembers); err != nil {
			return err
		}
	}
	if len(req.AddedMembers) > 0 {
		userDIDs := make([]string, 0, len(req.AddedMembers))
		for _, m := range req.AddedMembers {
			userDIDs = append(userDIDs, m.UserDID)
		}
		if err := s.policy.CheckAdditions(ctx, convo, userDIDs); err != nil {
			return err
		}
		existing, err := s.store.ActiveMemberUserDIDs(ctx, convo.ID)
		if err != nil {
			return err
		}
		for _, target := range userDIDs {
			if err := s.policy.CheckMutualBlock(ctx, target, existing); err != nil {
				return err
			}
		}
	}
	if req.WelcomeBytes == nil && len(req.AddedMembers) == 0 && len(req.RemovedMembers) == 0 {
		if !convo.Policy.AllowExternalCommits {
			// A commit from a current member is an ordinary in-group commit;
			// only a sender outside the active membership is external.
			members, err := s.store.ActiveMemberUserDIDs(ctx, convo.ID)
			if err != nil {
				return err
			}
			isMember := false
			for _, m := range members {
				if m == req.SenderDevice {
					isMember = true
					break
				}
			}
			if !isMember {
				return apierror.New(apierror.Policy, apierror.CodeExternalCommitsOff, "external commits are disabled for this conversation")
			}
		}
	}
	if convo.Policy.MaxMembers > 0 {
		active, err := s.store.ActiveMemberDevices(ctx, convo.ID)
		if err != nil {
			return err
		}
		postCount := len(active) + len(req.AddedMembers) - len(req.RemovedMembers)
		if postCount > convo.Policy.MaxMembers {
			return apierror.New(apierror.Policy, apierror.CodeMaxMembers, "conversation is at its member cap")
		}
	}
	return nil
}

// Shutdown drains every actor's inbox up to deadline rather than dropping
// in-flight commits on process exit.
func (s *Sequencer) Shutdown(deadline time.Duration) {
	s.mu.Lock()
	actors := make([]*actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for _, a := range actors {
		close(a.inbox)
	}
	for _, a := range actors {
		select {
		case <-a.done:
		case <-timer.C:
			return
		}
	}
}
