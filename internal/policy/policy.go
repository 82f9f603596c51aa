// Package policy implements the policy gate (component H): a pure function
// over (caller, conversation, operation) applied before any state-changing
// operation, generalized from a membership/ownership check pattern into the
// rule set below. No I/O of its own beyond the injected lookups — policy
// checks stay in-memory.
package policy

import (
	"context"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/models"
)

// MembershipLookup answers the questions the gate needs about a
// conversation's current members; it is the seam between the gate and
// durable storage.
type MembershipLookup interface {
	IsActiveMember(ctx context.Context, convoID, userDID string) (bool, error)
	IsAdmin(ctx context.Context, convoID, userDID string) (bool, error)
	ActiveAdminCount(ctx context.Context, convoID string) (int, error)
}

// OptInLookup answers opt-in/opt-out and block-list questions for the
// moderation surface optIn/optOut/checkBlocks).
type OptInLookup interface {
	IsOptedIn(ctx context.Context, userDID string) (bool, error)
	HasMutualBlock(ctx context.Context, userDID, otherDID string) (bool, error)
}

// Gate is the policy gate. All methods return *apierror.Error with Kind ==
// Policy on rejection, or nil on success.
type Gate struct {
	members MembershipLookup
	optIns  OptInLookup
}

// New builds a Gate over the given lookups.
func New(members MembershipLookup, optIns OptInLookup) *Gate {
	return &Gate{members: members, optIns: optIns}
}

// CheckIngress verifies the caller is an active member of convoID. Ingress
// from peer DSes authenticated by component B acting on behalf of a named
// sender is exempt — callers pass the peer's DID as onBehalfOfPeer in that
// case and the caller check is skipped; local callers pass an empty string.
func (g *Gate) CheckIngress(ctx context.Context, convoID, callerDID, onBehalfOfPeer string) error {
	if onBehalfOfPeer != "" {
		return nil
	}
	active, err := g.members.IsActiveMember(ctx, convoID, callerDID)
	if err != nil {
		return err
	}
	if !active {
		return apierror.New(apierror.Policy, apierror.CodeNotMember, "caller is not an active member of this conversation")
	}
	return nil
}

// CheckRemoval verifies the caller has admin rights, and that this removal
// would not leave the conversation with zero admins when
// prevent_removing_last_admin is set.
func (g *Gate) CheckRemoval(ctx context.Context, convo models.Conversation, callerDeviceOrDID string, removedUserDIDs []string) error {
	isAdmin, err := g.members.IsAdmin(ctx, convo.ID, callerDeviceOrDID)
	if err != nil {
		return err
	}
	if !isAdmin {
		return apierror.New(apierror.Policy, apierror.CodeNotAdmin, "removal requires admin rights")
	}

	if !convo.Policy.PreventRemovingLastAdmin {
		return nil
	}

	removingSelf := false
	for _, u := range removedUserDIDs {
		if u == callerDeviceOrDID {
			removingSelf = true
		}
	}
	adminCount, err := g.members.ActiveAdminCount(ctx, convo.ID)
	if err != nil {
		return err
	}
	// Count how many of the removed DIDs are currently admins; a
	// conservative upper bound is enough to detect "this would zero them
	// all out" without a second round trip per removed DID.
	if removingSelf && adminCount <= 1 {
		return apierror.New(apierror.Policy, apierror.CodeLastAdmin, "cannot remove the conversation's last admin")
	}
	if len(removedUserDIDs) >= adminCount && adminCount > 0 {
		return apierror.New(apierror.Policy, apierror.CodeLastAdmin, "cannot remove the conversation's last admin")
	}
	return nil
}

// CheckAdditions verifies each target has opted in to receiving
// invitations. Mutual-block checking against the conversation's existing
// members is a separate step (CheckMutualBlock) since it needs the active
// member list the sequencer already has on hand mid-commit.
func (g *Gate) CheckAdditions(ctx context.Context, convo models.Conversation, targetUserDIDs []string) error {
	for _, target := range targetUserDIDs {
		optedIn, err := g.optIns.IsOptedIn(ctx, target)
		if err != nil {
			return err
		}
		if !optedIn {
			return apierror.New(apierror.Policy, apierror.CodeNotOptedIn, target+" has not opted in to receiving invitations")
		}
	}
	return nil
}

// CheckMutualBlock is split out from CheckAdditions so callers that already
// have the conversation's active member list (the sequencer, mid-commit)
// can check blocks against it without the gate needing its own membership
// round trip.
func (g *Gate) CheckMutualBlock(ctx context.Context, target string, existingActiveMembers []string) error {
	for _, existing := range existingActiveMembers {
		blocked, err := g.optIns.HasMutualBlock(ctx, target, existing)
		if err != nil {
			return err
		}
		if blocked {
			return apierror.New(apierror.Policy, apierror.CodeBlocked, target+" has a mutual block with an existing member")
		}
	}
	return nil
}
