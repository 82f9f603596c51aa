package policy

import (
	"context"
	"testing"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/models"
)

type fakeMembers struct {
	active    map[string]bool
	admin     map[string]bool
	adminCount int
}

func (f *fakeMembers) IsActiveMember(ctx context.Context, convoID, userDID string) (bool, error) {
	return f.active[userDID], nil
}
func (f *fakeMembers) IsAdmin(ctx context.Context, convoID, userDID string) (bool, error) {
	return f.admin[userDID], nil
}
func (f *fakeMembers) ActiveAdminCount(ctx context.Context, convoID string) (int, error) {
	return f.adminCount, nil
}

type fakeOptIns struct {
	optedIn map[string]bool
	blocked map[string]bool
}

func (f *fakeOptIns) IsOptedIn(ctx context.Context, userDID string) (bool, error) {
	return f.optedIn[userDID], nil
}
func (f *fakeOptIns) HasMutualBlock(ctx context.Context, userDID, otherDID string) (bool, error) {
	return f.blocked[userDID] || f.blocked[otherDID], nil
}

func TestCheckIngressExemptsPeerRelay(t *testing.T) {
	g := New(&fakeMembers{active: map[string]bool{}}, &fakeOptIns{})
	if err := g.CheckIngress(context.Background(), "convo1", "did:plc:x", "did:web:peer.example"); err != nil {
		t.Fatalf("peer-relayed ingress should skip the membership check, got %v", err)
	}
}

func TestCheckIngressRejectsNonMember(t *testing.T) {
	g := New(&fakeMembers{active: map[string]bool{"did:plc:x": false}}, &fakeOptIns{})
	err := g.CheckIngress(context.Background(), "convo1", "did:plc:x", "")
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Code != apierror.CodeNotMember {
		t.Fatalf("expected CodeNotMember, got %v", err)
	}
}

func TestCheckRemovalRejectsNonAdmin(t *testing.T) {
	g := New(&fakeMembers{admin: map[string]bool{"did:plc:x": false}}, &fakeOptIns{})
	convo := models.Conversation{ID: "convo1"}
	err := g.CheckRemoval(context.Background(), convo, "did:plc:x", []string{"did:plc:y"})
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Code != apierror.CodeNotAdmin {
		t.Fatalf("expected CodeNotAdmin, got %v", err)
	}
}

func TestCheckRemovalBlocksLastAdminSelfRemoval(t *testing.T) {
	g := New(&fakeMembers{
		admin:      map[string]bool{"did:plc:admin": true},
		adminCount: 1,
	}, &fakeOptIns{})
	convo := models.Conversation{ID: "convo1", Policy: models.ConvoPolicy{PreventRemovingLastAdmin: true}}
	err := g.CheckRemoval(context.Background(), convo, "did:plc:admin", []string{"did:plc:admin"})
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Code != apierror.CodeLastAdmin {
		t.Fatalf("expected CodeLastAdmin, got %v", err)
	}
}

func TestCheckRemovalAllowsWhenAnotherAdminRemains(t *testing.T) {
	g := New(&fakeMembers{
		admin:      map[string]bool{"did:plc:admin": true},
		adminCount: 2,
	}, &fakeOptIns{})
	convo := models.Conversation{ID: "convo1", Policy: models.ConvoPolicy{PreventRemovingLastAdmin: true}}
	if err := g.CheckRemoval(context.Background(), convo, "did:plc:admin", []string{"did:plc:other"}); err != nil {
		t.Fatalf("expected no error with two admins, got %v", err)
	}
}

func TestCheckAdditionsRejectsNotOptedIn(t *testing.T) {
	g := New(&fakeMembers{}, &fakeOptIns{optedIn: map[string]bool{"did:plc:new": false}})
	convo := models.Conversation{ID: "convo1"}
	err := g.CheckAdditions(context.Background(), convo, []string{"did:plc:new"})
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Code != apierror.CodeNotOptedIn {
		t.Fatalf("expected CodeNotOptedIn, got %v", err)
	}
}

func TestCheckMutualBlockRejectsBlockedPair(t *testing.T) {
	g := New(&fakeMembers{}, &fakeOptIns{blocked: map[string]bool{"did:plc:new": true}})
	err := g.CheckMutualBlock(context.Background(), "did:plc:new", []string{"did:plc:existing"})
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Code != apierror.CodeBlocked {
		t.Fatalf("expected CodeBlocked, got %v", err)
	}
}
