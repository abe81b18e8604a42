package activitypub

import (
	"context"
	"strings"
	"time"

	"github.com/pikefed/pikefed/domain"
)

// Abuse guards: fixed-window counters and pattern checks consulted before
// any state mutation. Counters live in the kv store so multiple node
// processes share the same budgets.

// Activity types a relay must never amplify through Announce.
var amplificationForbidden = map[string]struct{}{
	"Like": {}, "Dislike": {}, "EmojiReact": {}, "Flag": {}, "Block": {}, "Report": {},
}

// allowActorCreation applies the per-instance and global creation budgets.
func (f *Federator) allowActorCreation(ctx context.Context, instanceDomain string) bool {
	fed := f.conf.Federation
	instanceDomain = strings.ToLower(instanceDomain)

	if containsFold(fed.BlockedInstances, instanceDomain) {
		return false
	}

	hourly, err := f.kv.Incr(ctx, "actors:hour:"+instanceDomain, time.Hour)
	if err == nil && hourly > int64(fed.ActorsPerInstanceHour) {
		return false
	}
	daily, err := f.kv.Incr(ctx, "actors:day:"+instanceDomain, 24*time.Hour)
	if err == nil && daily > int64(fed.ActorsPerInstanceDay) {
		return false
	}
	global, err := f.kv.Incr(ctx, "actors:hour:_global", time.Hour)
	if err == nil && global > int64(fed.ActorsGlobalHour) {
		return false
	}

	// Suspicious growth: a brand-new instance burning through most of its
	// daily budget within 24h of first contact.
	err2, inst := f.store.FindInstanceByDomain(instanceDomain)
	if err2 == nil && inst != nil {
		if time.Since(inst.CreatedAt) < 24*time.Hour && daily > int64(fed.ActorsPerInstanceDay)*3/4 {
			return false
		}
	}

	return true
}

// isRelayActor detects relay software by instance software name and by the
// path conventions relay implementations use for their service actor.
func (f *Federator) isRelayActor(actor *domain.Actor, inst *domain.Instance) bool {
	if inst != nil && containsFold(f.conf.Federation.RelaySoftware, inst.Software) {
		return true
	}
	switch uriPath(actor.ProfileURI) {
	case "/relay", "/actor", "/inbox":
		return true
	}
	return false
}

// relayMayAnnounce reports whether a relay-originated Announce of the given
// inner activity type is acceptable. Vote-shaped and moderation-shaped
// activities may never be amplified.
func relayMayAnnounce(innerType string) bool {
	_, forbidden := amplificationForbidden[innerType]
	return !forbidden
}

// allowAnnounceOfObject caps how many times any single object may be
// announced within a window, regardless of who announces it.
func (f *Federator) allowAnnounceOfObject(ctx context.Context, objectURI string) bool {
	n, err := f.kv.Incr(ctx, "announced:"+strings.ToLower(objectURI), 10*time.Minute)
	if err != nil {
		return true
	}
	return n <= int64(f.conf.Federation.AnnouncesPerObject)
}

// allowVote applies the per-original-actor vote budget. The key is the
// voter, never the relay that forwarded the vote, so announce-wrapping
// cannot launder extra votes.
func (f *Federator) allowVote(ctx context.Context, actorURI string) bool {
	n, err := f.kv.Incr(ctx, "votes:"+strings.ToLower(actorURI), time.Hour)
	if err != nil {
		return true
	}
	return n <= int64(f.conf.Federation.VotesPerActorHour)
}
