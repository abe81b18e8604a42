package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActorKind discriminates the three federated actor variants.
type ActorKind int

const (
	KindUser ActorKind = iota
	KindCommunity
	KindFeed
)

func (k ActorKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindCommunity:
		return "community"
	case KindFeed:
		return "feed"
	default:
		return "unknown"
	}
}

// APType returns the ActivityPub object type for the kind.
func (k ActorKind) APType() string {
	switch k {
	case KindCommunity:
		return "Group"
	case KindFeed:
		return "Feed"
	default:
		return "Person"
	}
}

// KindFromAPType maps an ActivityPub actor type to a kind.
// Service actors (bots, relays) are treated as users.
func KindFromAPType(apType string) (ActorKind, bool) {
	switch apType {
	case "Person", "Service":
		return KindUser, true
	case "Group":
		return KindCommunity, true
	case "Feed":
		return KindFeed, true
	default:
		return KindUser, false
	}
}

// Actor is a federated identity: a user, community or feed, local or remote.
// Local actors have an empty Domain and carry a private key; remote actors
// always carry their origin domain and only a public key.
type Actor struct {
	Id             uuid.UUID
	Kind           ActorKind
	Name           string // preferred username / local part
	Domain         string // empty for local actors
	ProfileURI     string // canonical ActivityPub id, compared case-insensitively
	InboxURI       string
	SharedInboxURI string
	PublicKeyPem   string
	PrivateKeyPem  string // local actors only
	InstanceId     uuid.UUID
	DisplayName    string
	Summary        string
	Banned         bool
	Deleted        bool
	LastFetchedAt  time.Time
	CreatedAt      time.Time
}

// Local reports whether the actor lives on this server.
func (a *Actor) Local() bool {
	return a.Domain == ""
}

// DeliveryInbox prefers the shared inbox when the remote server offers one.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}

// SameProfileURI compares canonical actor ids case-insensitively.
func SameProfileURI(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Instance is a remote server, tracked for health, trust and reachability.
// GoneForever is terminal: once set, nothing is ever queued to it again.
type Instance struct {
	Id           uuid.UUID
	Domain       string // unique
	InboxURI     string
	Software     string
	Version      string
	Online       bool
	Dormant      bool
	GoneForever  bool
	FailureCount int
	VoteWeight   float64
	LastSeenAt   time.Time
	CreatedAt    time.Time
}
