package activitypub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pikefed/pikefed/domain"
)

const publicAudience = "https://www.w3.org/ns/activitystreams#Public"

var activityContext = []any{
	"https://www.w3.org/ns/activitystreams",
	securityContext,
}

// queueActivity durably enqueues one signed delivery. The delivery worker
// owns retries and instance health; callers only decide what and to whom.
func (f *Federator) queueActivity(inboxURI string, signer *domain.Actor, activity map[string]any) error {
	raw, err := json.Marshal(activity)
	if err != nil {
		return err
	}
	item := &domain.SendQueueItem{
		Id:            uuid.New(),
		InboxURI:      inboxURI,
		ActorKeyId:    KeyId(signer),
		PrivateKeyPem: signer.PrivateKeyPem,
		ActivityJSON:  string(raw),
		SendAfter:     time.Now(),
		CreatedAt:     time.Now(),
	}
	if err := f.store.EnqueueSend(item); err != nil {
		return err
	}
	f.kickDelivery()
	return nil
}

// SendAccept answers a Follow with an Accept signed by the followed actor.
func (f *Federator) SendAccept(target, follower *domain.Actor, followActivity JSONObject) {
	f.respondToFollow("Accept", target, follower, followActivity)
}

// SendReject refuses a Follow.
func (f *Federator) SendReject(target, follower *domain.Actor, followActivity JSONObject) {
	f.respondToFollow("Reject", target, follower, followActivity)
}

func (f *Federator) respondToFollow(kind string, target, follower *domain.Actor, followActivity JSONObject) {
	if !target.Local() || target.PrivateKeyPem == "" {
		return
	}
	activity := map[string]any{
		"@context": activityContext,
		"id":       f.NewActivityId(),
		"type":     kind,
		"actor":    target.ProfileURI,
		"to":       []any{follower.ProfileURI},
		"object":   stripTransient(followActivity),
	}
	if err := f.queueActivity(follower.InboxURI, target, activity); err != nil {
		f.log.Warn("follow response enqueue failed",
			zap.String("kind", kind), zap.String("follower", follower.ProfileURI), zap.Error(err))
	}
}

// forwardToInboxes relays an activity verbatim to a set of inboxes, signed
// by the given local actor. Used for report fan-out to remote moderators.
func (f *Federator) forwardToInboxes(signer *domain.Actor, inboxes []string, activity JSONObject) {
	if !signer.Local() || signer.PrivateKeyPem == "" {
		return
	}
	payload := stripTransient(activity)
	for _, inbox := range inboxes {
		if err := f.queueActivity(inbox, signer, payload); err != nil {
			f.log.Warn("forward enqueue failed", zap.String("inbox", inbox), zap.Error(err))
		}
	}
}

// buildAnnounce wraps an activity in a community Announce addressed to the
// community's followers.
func (f *Federator) buildAnnounce(community *domain.Actor, activity map[string]any) map[string]any {
	return map[string]any{
		"@context": activityContext,
		"id":       f.NewActivityId(),
		"type":     "Announce",
		"actor":    community.ProfileURI,
		"to":       []any{publicAudience},
		"cc":       []any{community.ProfileURI + "/followers"},
		"object":   activity,
	}
}

// maybeAnnounce re-announces an activity that targeted a local community to
// the community's subscriber instances. Activities that arrived wrapped in
// an Announce are never re-announced: the originating community already
// fanned them out, echoing would loop.
func (f *Federator) maybeAnnounce(ctx context.Context, actx *actorContext, community *domain.Actor, activity JSONObject) {
	if community == nil || !community.Local() || actx.viaAnnounce {
		return
	}
	f.announceToSubscribers(ctx, community, activity)
}

func (f *Federator) maybeAnnounceEntity(ctx context.Context, actx *actorContext, entity *domain.Entity, activity JSONObject) {
	if actx.viaAnnounce || entity.CommunityId == uuid.Nil {
		return
	}
	err, community := f.findCommunityById(entity.CommunityId)
	if err != nil || community == nil {
		return
	}
	f.maybeAnnounce(ctx, actx, community, activity)
}

// announceToSubscribers signs a community Announce with a linked-data
// signature and appends it to the per-instance batch. The batch flusher
// coalesces everything pending for an instance into one drain cycle.
func (f *Federator) announceToSubscribers(ctx context.Context, community *domain.Actor, activity JSONObject) {
	if community.PrivateKeyPem == "" {
		return
	}
	key, err := ParsePrivateKey(community.PrivateKeyPem)
	if err != nil {
		f.log.Error("community key unreadable", zap.String("community", community.ProfileURI), zap.Error(err))
		return
	}

	announce := f.buildAnnounce(community, stripTransient(activity))
	signed, err := SignLDSignature(announce, key, KeyId(community))
	if err != nil {
		f.log.Error("announce ld-signing failed", zap.String("community", community.ProfileURI), zap.Error(err))
		return
	}
	payload, err := json.Marshal(signed)
	if err != nil {
		return
	}

	err, instances := f.store.SubscriberInstances(community.Id)
	if err != nil || instances == nil {
		return
	}
	for _, inst := range *instances {
		// Dormant instances still get new content: a successful delivery is
		// what wakes them back up. Only gone-forever is terminal.
		if inst.GoneForever {
			continue
		}
		if err := f.store.AppendToBatch(inst.Id, community.Id, string(payload)); err != nil {
			f.log.Warn("batch append failed",
				zap.String("instance", inst.Domain), zap.Error(err))
		}
	}
}

// stripTransient removes per-request and signature fields so a forwarded or
// wrapped copy does not carry stale authentication material.
func stripTransient(activity JSONObject) map[string]any {
	out := make(map[string]any, len(activity))
	for k, v := range activity {
		if k == "signature" || k == "bto" || k == "bcc" {
			continue
		}
		out[k] = v
	}
	return out
}
