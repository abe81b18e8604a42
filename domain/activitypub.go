package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntityKind distinguishes the federated content types a Create/Update
// activity can carry.
type EntityKind int

const (
	EntityPost EntityKind = iota
	EntityReply
	EntityPollVote
	EntityCommunityMeta
)

// Entity is a federated post, reply, poll vote or community metadata blob,
// keyed by its ActivityPub object URI.
type Entity struct {
	Id           uuid.UUID
	Kind         EntityKind
	ObjectURI    string
	AuthorURI    string
	CommunityId  uuid.UUID
	Title        string
	Body         string
	URL          string
	Sensitive    bool
	Locked       bool
	Deleted      bool
	InReplyToURI string
	EditedAt     *time.Time
	CreatedAt    time.Time
}

// Follow is a membership/subscription edge between two actors.
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID // the follower
	TargetAccountId uuid.UUID // the actor being followed
	URI             string    // ActivityPub Follow activity URI
	Accepted        bool
	Pending         bool // join request awaiting moderator approval
	CreatedAt       time.Time
}

// Vote is an applied Like/Dislike, weighted by the voter's home instance.
type Vote struct {
	Id        uuid.UUID
	ActorURI  string
	ObjectURI string
	Score     int // +1 or -1
	Weight    float64
	CreatedAt time.Time
}

// SendQueueItem is a durable record of a failed outbound delivery.
// Deleted on success or when the destination instance goes away forever.
type SendQueueItem struct {
	Id            uuid.UUID
	InboxURI      string
	ActorKeyId    string
	PrivateKeyPem string
	ActivityJSON  string
	Attempts      int
	RetryReason   string
	SendAfter     time.Time
	CreatedAt     time.Time
}

// ActivityBatch groups pending announce payloads per (instance, community)
// so many small activities coalesce into fewer outbound requests.
type ActivityBatch struct {
	Id          uuid.UUID
	InstanceId  uuid.UUID
	CommunityId uuid.UUID
	PayloadJSON string // JSON array of activities
	CreatedAt   time.Time
}

// Report is a federated Flag, fanned out to the community's moderators.
type Report struct {
	Id          uuid.UUID
	ReporterURI string
	ObjectURI   string
	CommunityId uuid.UUID
	Reason      string
	CreatedAt   time.Time
}

// ModlogEntry records a moderation action applied through federation.
type ModlogEntry struct {
	Id        uuid.UUID
	Action    string // ban, unban, add_mod, remove_mod, feature, lock, ...
	ActorURI  string
	TargetURI string
	Scope     string // "site" or community profile URI
	Reason    string
	CreatedAt time.Time
}

// SignatureDetails is the parsed Signature header of one request.
// Transient: built per request, never persisted.
type SignatureDetails struct {
	KeyId     string
	Algorithm string
	Headers   []string
	Signature []byte
}

// ActorURI strips the key fragment from the keyId, yielding the actor id.
func (s SignatureDetails) ActorURI() string {
	for i := 0; i < len(s.KeyId); i++ {
		if s.KeyId[i] == '#' {
			return s.KeyId[:i]
		}
	}
	return s.KeyId
}
