package transfer

import (
	"context"
	"testing"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/models"
)

type fakeStore struct {
	convo    models.Conversation
	casCalls int
	casOK    bool
}

func (f *fakeStore) GetConversation(ctx context.Context, convoID string) (models.Conversation, error) {
	return f.convo, nil
}

func (f *fakeStore) CASSequencer(ctx context.Context, convoID, oldSequencerDID, newSequencerDID string, atEpoch int64) (bool, error) {
	f.casCalls++
	return f.casOK, nil
}

type fakeAuth struct{ ok bool }

func (f *fakeAuth) Authorized(ctx context.Context, convoID, callerDID, targetSequencerDID string) (bool, error) {
	return f.ok, nil
}

func TestAcceptRejectsWrongCurrentSequencer(t *testing.T) {
	store := &fakeStore{convo: models.Conversation{SequencerDID: "did:web:a.example", CurrentEpoch: 3}}
	tr := New(store, &fakeAuth{ok: true})

	_, err := tr.Accept(context.Background(), Request{
		ConvoID: "c1", CurrentSequencerDID: "did:web:stale.example", TargetSequencerDID: "did:web:b.example", AtEpoch: 3,
	})
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Code != apierror.CodeNotSequencer {
		t.Fatalf("expected CodeNotSequencer, got %v", err)
	}
}

func TestAcceptRejectsStaleEpoch(t *testing.T) {
	store := &fakeStore{convo: models.Conversation{SequencerDID: "did:web:a.example", CurrentEpoch: 5}}
	tr := New(store, &fakeAuth{ok: true})

	_, err := tr.Accept(context.Background(), Request{
		ConvoID: "c1", CurrentSequencerDID: "did:web:a.example", TargetSequencerDID: "did:web:b.example", AtEpoch: 3,
	})
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Code != apierror.CodeStaleEpoch {
		t.Fatalf("expected CodeStaleEpoch, got %v", err)
	}
}

func TestAcceptRejectsUnauthorizedCaller(t *testing.T) {
	store := &fakeStore{convo: models.Conversation{SequencerDID: "did:web:a.example", CurrentEpoch: 3}}
	tr := New(store, &fakeAuth{ok: false})

	_, err := tr.Accept(context.Background(), Request{
		ConvoID: "c1", CallerDID: "did:web:attacker.example", CurrentSequencerDID: "did:web:a.example",
		TargetSequencerDID: "did:web:b.example", AtEpoch: 3,
	})
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Code != apierror.CodeNotMember {
		t.Fatalf("expected CodeNotMember, got %v", err)
	}
}

func TestAcceptSucceedsAndReturnsNewOutcome(t *testing.T) {
	store := &fakeStore{convo: models.Conversation{SequencerDID: "did:web:a.example", CurrentEpoch: 3}, casOK: true}
	tr := New(store, &fakeAuth{ok: true})

	out, err := tr.Accept(context.Background(), Request{
		ConvoID: "c1", CurrentSequencerDID: "did:web:a.example", TargetSequencerDID: "did:web:b.example", AtEpoch: 3,
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if out.SequencerDID != "did:web:b.example" || out.Epoch != 3 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if store.casCalls != 1 {
		t.Fatalf("expected exactly one CAS attempt, got %d", store.casCalls)
	}
}

func TestAcceptPropagatesLostCAS(t *testing.T) {
	store := &fakeStore{convo: models.Conversation{SequencerDID: "did:web:a.example", CurrentEpoch: 3}, casOK: false}
	tr := New(store, &fakeAuth{ok: true})

	_, err := tr.Accept(context.Background(), Request{
		ConvoID: "c1", CurrentSequencerDID: "did:web:a.example", TargetSequencerDID: "did:web:b.example", AtEpoch: 3,
	})
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Code != apierror.CodeCASLost {
		t.Fatalf("expected CodeCASLost, got %v", err)
	}
}
