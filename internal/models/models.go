package models

import "time"

// KeyPackageState is the lifecycle state of a published KeyPackage. A package
// moves Available -> Reserved -> Consumed, or Available -> Expired; it never
// leaves Consumed once reached.
type KeyPackageState string

const (
	KeyPackageAvailable KeyPackageState = "available"
	KeyPackageReserved  KeyPackageState = "reserved"
	KeyPackageConsumed  KeyPackageState = "consumed"
	KeyPackageExpired   KeyPackageState = "expired"
)

// KeyPackage is a single-use credential published by a device that lets
// another member add it to a group. ContentHash is the primary identity used
// for at-most-once consumption (see internal/keypackage).
type KeyPackage struct {
	ContentHash string `json:"contentHash"`
	UserDID     string `json:"userDid"`
	DeviceID    string `json:"deviceId"`
	CipherSuite string `json:"cipherSuite"`
	Bytes       []byte `json:"-"`

	State KeyPackageState `json:"state"`

	// ReservedBy/ReservedUntil are only meaningful while State == Reserved.
	ReservedBy     string    `json:"reservedBy,omitempty"`
	ReservedUntil  time.Time `json:"reservedUntil,omitempty"`
	ConsumedByConvo string   `json:"consumedByConvo,omitempty"`
	ConsumedAt     time.Time `json:"consumedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// EnvelopeKind distinguishes the MLS object a message envelope carries. The
// delivery service treats the payload as opaque regardless of kind; the kind
// only affects policy and retention.
type EnvelopeKind string

const (
	KindApplication     EnvelopeKind = "application"
	KindWelcome         EnvelopeKind = "welcome"
	KindCommit          EnvelopeKind = "commit"
	KindProposal        EnvelopeKind = "proposal"
	KindEphemeralSignal EnvelopeKind = "ephemeral"
)

// Conversation holds the durable, non-cryptographic state of an MLS group:
// current epoch, cached GroupInfo, the DS currently authoritative for
// writes, and policy. group_info_epoch <= current_epoch always holds for
// readers; the pair updates atomically when a commit is accepted.
type Conversation struct {
	ID            string    `json:"id"`
	CreatorDID    string    `json:"creatorDid"`
	CurrentEpoch  int64     `json:"currentEpoch"`
	SequencerDID  string    `json:"sequencerDid"`
	GroupInfo     []byte    `json:"-"`
	GroupInfoEpoch int64    `json:"groupInfoEpoch"`
	GroupInfoAt   time.Time `json:"groupInfoUpdatedAt,omitempty"`
	Policy        ConvoPolicy `json:"policy"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ConvoPolicy is the per-conversation policy record consulted by the policy
// gate (component H).
type ConvoPolicy struct {
	AllowExternalCommits     bool `json:"allowExternalCommits"`
	PreventRemovingLastAdmin bool `json:"preventRemovingLastAdmin"`
	MaxMembers               int  `json:"maxMembers"`
}

// Membership is one row per (convo_id, user_did, device_id). Active iff
// LeftAt is zero. Removal never deletes the row; it sets LeftAt. A removed
// member only becomes active again through a fresh Welcome or readdition.
type Membership struct {
	ConvoID        string    `json:"convoId"`
	UserDID        string    `json:"userDid"`
	DeviceID       string    `json:"deviceId"`
	JoinedAt       time.Time `json:"joinedAt"`
	LeftAt         time.Time `json:"leftAt,omitempty"`
	IsAdmin        bool      `json:"isAdmin"`
	PromotedAt     time.Time `json:"promotedAt,omitempty"`
	PromotedByDID  string    `json:"promotedByDid,omitempty"`
	LastSeenCursor int64     `json:"lastSeenCursor"`
}

// Active reports whether this membership row currently counts as an active
// member (has not been removed).
func (m Membership) Active() bool { return m.LeftAt.IsZero() }

// Envelope is a single message in a conversation's total order. SequenceCursor
// is the per-conversation ordering stamp: within a convo the mapping
// cursor -> envelope is strictly monotone and dense (no gaps).
type Envelope struct {
	EnvelopeID     string       `json:"envelopeId"`
	ConvoID        string       `json:"convoId"`
	SenderDID      string       `json:"senderDid"`
	Kind           EnvelopeKind `json:"kind"`
	Epoch          int64        `json:"epoch"`
	Ciphertext     []byte       `json:"-"`
	CreatedAt      time.Time    `json:"createdAt"`
	SequenceCursor int64        `json:"cursor"`
}

// DeliveryState tracks a single recipient device's progress against one
// envelope.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryAcked     DeliveryState = "acked"
)

// Delivery is one row per (envelope, recipient device). Every
// Application/Welcome/Commit envelope produces exactly one Delivery per
// active recipient device at insertion time (the zero-gap invariant).
type Delivery struct {
	EnvelopeID     string        `json:"envelopeId"`
	RecipientDID   string        `json:"recipientDid"`
	State          DeliveryState `json:"state"`
	Attempts       int           `json:"attempts"`
	NextAttemptAt  time.Time     `json:"nextAttemptAt,omitempty"`
	LastError      string        `json:"lastError,omitempty"`
}

// SequencerReceipt is an append-only ledger proving which sequencer accepted
// each epoch of a conversation, used to verify transfer preconditions
// (component F) and to make commit retries idempotent by CommitHash.
type SequencerReceipt struct {
	ConvoID      string    `json:"convoId"`
	Epoch        int64     `json:"epoch"`
	SequencerDID string    `json:"sequencerDid"`
	AcceptedAt   time.Time `json:"acceptedAt"`
	CommitHash   string    `json:"commitHash"`
}

// TrustState is the dispatcher's view of a federation peer's reachability.
type TrustState string

const (
	TrustAllowed    TrustState = "allowed"
	TrustDenied     TrustState = "denied"
	TrustProbation  TrustState = "probation"
)

// FederationPeer is consulted by the outbound dispatcher (component C)
// before every call to another DS.
type FederationPeer struct {
	PeerDID       string     `json:"peerDid"`
	Endpoint      string     `json:"endpoint"`
	TrustState    TrustState `json:"trustState"`
	FailureBudget int        `json:"failureBudget"`
	LastOutcomeAt time.Time  `json:"lastOutcomeAt,omitempty"`
}
