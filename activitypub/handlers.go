package activitypub

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pikefed/pikefed/domain"
)

// Activity handlers. Each one receives a structurally valid, deduplicated,
// authenticated activity and turns it into store mutations. Permission
// denials and dangling references are Ignored, never Rejected: the peer
// gets a 200 and learns nothing about local state.

// objectRef extracts the object reference: the object itself when it is a
// string, its id when it is a dict.
func objectRef(activity JSONObject) string {
	if s, ok := activity["object"].(string); ok {
		return s
	}
	if obj, ok := activity.Object("object"); ok {
		return obj.Str("id")
	}
	return ""
}

func stringOrId(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if obj, ok := AsObject(v); ok {
		return obj.Str("id")
	}
	return ""
}

// addressees flattens audience, to and cc into one list of URIs.
func addressees(activity JSONObject, obj JSONObject) []string {
	var out []string
	collect := func(o JSONObject, key string) {
		if o == nil {
			return
		}
		if s := o.Str(key); s != "" {
			out = append(out, s)
		}
		for _, v := range o.List(key) {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	for _, key := range []string{"audience", "to", "cc"} {
		collect(activity, key)
		collect(obj, key)
	}
	return out
}

// audienceCommunity finds the community an activity is addressed to, local
// or remote, without creating unknown remote communities as a side effect.
func (f *Federator) audienceCommunity(ctx context.Context, activity JSONObject, obj JSONObject) *domain.Actor {
	for _, uri := range addressees(activity, obj) {
		if strings.HasSuffix(uri, "#Public") || strings.HasSuffix(uri, "/Public") {
			continue
		}
		actor, status, err := f.Resolve(ctx, uri, ResolveOpts{CommunityOnly: true})
		if err == nil && status == ResolveFound && actor.Kind == domain.KindCommunity {
			return actor
		}
	}
	return nil
}

// modPermitted reports whether the actor may moderate the community: listed
// moderator, or a local admin.
func (f *Federator) modPermitted(actor *domain.Actor, communityId uuid.UUID) bool {
	if communityId != uuid.Nil {
		if err, isMod := f.store.IsModerator(actor.Id, communityId); err == nil && isMod {
			return true
		}
	}
	if actor.Local() {
		if err, isAdmin := f.store.IsAdmin(actor.Id); err == nil && isAdmin {
			return true
		}
	}
	return false
}

// mayRemoveEntity applies the deletion permission ladder: the author, an
// actor from the author's own instance (the origin server vouches for its
// own moderation), a community moderator, or a local admin.
func (f *Federator) mayRemoveEntity(actor *domain.Actor, entity *domain.Entity) bool {
	if domain.SameProfileURI(actor.ProfileURI, entity.AuthorURI) {
		return true
	}
	if !actor.Local() && strings.EqualFold(actor.Domain, uriHost(entity.AuthorURI)) {
		return true
	}
	return f.modPermitted(actor, entity.CommunityId)
}

func (f *Federator) modlog(action, actorURI, targetURI, scope, reason string) {
	entry := &domain.ModlogEntry{
		Id:        uuid.New(),
		Action:    action,
		ActorURI:  actorURI,
		TargetURI: targetURI,
		Scope:     scope,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
	if err := f.store.CreateModlogEntry(entry); err != nil {
		f.log.Warn("modlog write failed", zap.String("action", action), zap.Error(err))
	}
}

// Follow: a remote actor subscribes to a local user, community or feed.
func (f *Federator) handleFollow(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	targetURI := objectRef(activity)
	target, status, err := f.Resolve(ctx, targetURI, ResolveOpts{LocalOnly: true})
	if err != nil || status == ResolveNotFound || target == nil {
		return domain.Ignored("follow target %s unknown", targetURI)
	}
	if status == ResolveBanned {
		f.SendReject(target, actx.actor, activity)
		return domain.Ignored("follow target %s unavailable", targetURI)
	}

	err, existing := f.store.FindFollowByActors(actx.actor.Id, target.Id)
	if err != nil && !isNotFound(err) {
		return domain.Ignored("follow lookup failed: %v", err)
	}
	if existing != nil {
		// Idempotent re-follow; re-send Accept in case the first was lost.
		if existing.Accepted {
			f.SendAccept(target, actx.actor, activity)
		}
		return domain.Applied()
	}

	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       actx.actor.Id,
		TargetAccountId: target.Id,
		URI:             activity.Str("id"),
		CreatedAt:       time.Now(),
	}

	// A locked community queues join requests for moderator approval
	// instead of auto-accepting.
	if target.Kind == domain.KindCommunity {
		if err, meta := f.store.FindEntityByURI(target.ProfileURI); err == nil && meta != nil && meta.Locked {
			follow.Pending = true
			if storeErr := f.store.CreateFollow(follow); storeErr != nil {
				return domain.Ignored("follow store failed: %v", storeErr)
			}
			f.store.EnqueueNotification(target.Id, "join_request", actx.actor.ProfileURI)
			return domain.Applied()
		}
	}

	follow.Accepted = true
	if storeErr := f.store.CreateFollow(follow); storeErr != nil {
		return domain.Ignored("follow store failed: %v", storeErr)
	}
	f.SendAccept(target, actx.actor, activity)
	return domain.Applied()
}

// Accept: a remote actor approved our Follow.
func (f *Federator) handleAccept(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	followURI := objectRef(activity)
	if obj, ok := activity.Object("object"); ok && obj.Str("type") != "" && obj.Str("type") != "Follow" {
		return domain.Ignored("accept of unsupported type %s", obj.Str("type"))
	}
	if followURI == "" {
		return domain.Ignored("accept without follow reference")
	}
	if err := f.store.AcceptFollowByURI(followURI); err != nil {
		return domain.Ignored("no pending follow %s", followURI)
	}
	return domain.Applied()
}

// Reject: a remote actor refused our Follow; discard the edge.
func (f *Federator) handleReject(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	followURI := objectRef(activity)
	if followURI == "" {
		return domain.Ignored("reject without follow reference")
	}
	if err := f.store.DeleteFollowByURI(followURI); err != nil {
		return domain.Ignored("no follow %s to reject", followURI)
	}
	return domain.Applied()
}

// Create and Update share one handler: content is upserted by object URI, so
// an Update arriving before its Create still converges to the same row.
func (f *Federator) handleCreateOrUpdate(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	obj, ok := activity.Object("object")
	if !ok {
		return domain.Rejected(domain.RejectStructural, "create object must be a dict")
	}
	if obj.Str("id") == "" {
		return domain.Rejected(domain.RejectStructural, "object missing id")
	}

	// The embedded object must belong to the acting actor unless it arrived
	// through an authenticated origin re-fetch.
	attributedTo := stringOrId(obj["attributedTo"])
	if !actx.fetchedBody && attributedTo != "" && !domain.SameProfileURI(attributedTo, actx.actor.ProfileURI) {
		f.securityEvent("attribution mismatch", actx.actor.ProfileURI, actx.actor.Domain,
			zap.String("attributed_to", attributedTo))
		return domain.Rejected(domain.RejectSecurity, "object not attributed to actor")
	}

	entity := mapEntityDocument(obj, actx.actor.ProfileURI)
	if entity == nil {
		return domain.Ignored("unsupported object type %s", obj.Str("type"))
	}

	if f.matchesBlockedPhrase(entity.Title + " " + entity.Body + " " + entity.URL) {
		f.securityEvent("blocked phrase", actx.actor.ProfileURI, actx.actor.Domain)
		return domain.Ignored("content filtered")
	}

	community := f.audienceCommunity(ctx, activity, obj)
	if community != nil {
		entity.CommunityId = community.Id
	}

	if activity.Str("type") == "Update" {
		now := time.Now()
		entity.EditedAt = &now
	}

	if err := f.store.CreateOrUpdateEntity(entity); err != nil {
		return domain.Ignored("entity store failed: %v", err)
	}

	f.maybeAnnounce(ctx, actx, community, activity)
	return domain.Applied()
}

// Update of an actor document refreshes the cached profile. The acting
// actor may only update itself.
func (f *Federator) handleUpdateActor(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	obj, ok := activity.Object("object")
	if !ok || obj.Str("id") == "" {
		return domain.Rejected(domain.RejectStructural, "update object must have an id")
	}
	if !domain.SameProfileURI(obj.Str("id"), actx.actor.ProfileURI) {
		// A community's own moderation software may push community updates
		// through a moderator; require same origin at minimum.
		if !strings.EqualFold(uriHost(obj.Str("id")), actx.actor.Domain) {
			f.securityEvent("cross-actor update", actx.actor.ProfileURI, actx.actor.Domain,
				zap.String("object", obj.Str("id")))
			return domain.Rejected(domain.RejectSecurity, "actor may not update foreign profiles")
		}
	}

	err, existing := f.store.FindActorByURL(obj.Str("id"))
	if existing == nil {
		if err != nil && !isNotFound(err) {
			return domain.Ignored("actor lookup failed: %v", err)
		}
		return domain.Ignored("update of unknown actor %s", obj.Str("id"))
	}

	existing.DisplayName = obj.Str("name")
	existing.Summary = obj.Str("summary")
	if pk, ok := obj.Object("publicKey"); ok && pk.Str("publicKeyPem") != "" {
		existing.PublicKeyPem = pk.Str("publicKeyPem")
	}
	existing.LastFetchedAt = time.Now()
	if err := f.store.UpdateActor(existing); err != nil {
		return domain.Ignored("actor update failed: %v", err)
	}
	return domain.Applied()
}

// Delete removes an entity or tombstones an actor deleting itself.
func (f *Federator) handleDelete(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	targetURI := objectRef(activity)
	if targetURI == "" {
		return domain.Rejected(domain.RejectStructural, "delete without object")
	}

	// Self-deletion of the acting actor.
	if domain.SameProfileURI(targetURI, actx.actor.ProfileURI) {
		if err := f.store.TombstoneActor(actx.actor.ProfileURI); err != nil {
			return domain.Ignored("tombstone failed: %v", err)
		}
		return domain.Applied()
	}

	err, entity := f.store.FindEntityByURI(targetURI)
	if entity == nil {
		if err != nil && !isNotFound(err) {
			return domain.Ignored("entity lookup failed: %v", err)
		}
		return domain.Ignored("delete of unknown object %s", targetURI)
	}

	if !f.mayRemoveEntity(actx.actor, entity) {
		return domain.Ignored("actor %s may not delete %s", actx.actor.ProfileURI, targetURI)
	}

	if err := f.store.SetEntityDeleted(targetURI, true); err != nil {
		return domain.Ignored("delete failed: %v", err)
	}
	if !domain.SameProfileURI(actx.actor.ProfileURI, entity.AuthorURI) {
		f.modlog("remove_post", actx.actor.ProfileURI, targetURI, scopeFor(ctx, f, entity), activity.Str("summary"))
	}

	f.maybeAnnounceEntity(ctx, actx, entity, activity)
	return domain.Applied()
}

// Undo/Delete restores a previously removed entity, same permission ladder
// as the removal itself.
func (f *Federator) handleUndoDelete(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	inner, ok := activity.Object("object")
	if !ok {
		return domain.Rejected(domain.RejectStructural, "undo object must be a dict")
	}
	targetURI := objectRef(inner)
	if targetURI == "" {
		return domain.Rejected(domain.RejectStructural, "undo delete without object")
	}

	err, entity := f.store.FindEntityByURI(targetURI)
	if entity == nil {
		if err != nil && !isNotFound(err) {
			return domain.Ignored("entity lookup failed: %v", err)
		}
		return domain.Ignored("restore of unknown object %s", targetURI)
	}
	if !f.mayRemoveEntity(actx.actor, entity) {
		return domain.Ignored("actor %s may not restore %s", actx.actor.ProfileURI, targetURI)
	}
	if err := f.store.SetEntityDeleted(targetURI, false); err != nil {
		return domain.Ignored("restore failed: %v", err)
	}
	f.modlog("restore_post", actx.actor.ProfileURI, targetURI, scopeFor(ctx, f, entity), "")
	f.maybeAnnounceEntity(ctx, actx, entity, activity)
	return domain.Applied()
}

func (f *Federator) handleLike(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	return f.applyVote(ctx, activity, actx, 1)
}

func (f *Federator) handleDislike(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	return f.applyVote(ctx, activity, actx, -1)
}

// applyVote records a weighted vote. The budget and the vote row are both
// keyed by the original voter, so relays and announces cannot multiply a
// single actor's influence.
func (f *Federator) applyVote(ctx context.Context, activity JSONObject, actx *actorContext, score int) domain.Result {
	if score < 0 && f.conf.Federation.DisableDownvotes {
		return domain.Ignored("downvotes are disabled here")
	}

	targetURI := objectRef(activity)
	err, entity := f.store.FindEntityByURI(targetURI)
	if entity == nil {
		if err != nil && !isNotFound(err) {
			return domain.Ignored("entity lookup failed: %v", err)
		}
		return domain.Ignored("vote on unknown object %s", targetURI)
	}

	// Votes in a local community require membership.
	if entity.CommunityId != uuid.Nil {
		if err, community := f.findCommunityById(entity.CommunityId); err == nil && community != nil && community.Local() {
			err, follow := f.store.FindFollowByActors(actx.actor.Id, community.Id)
			if err != nil && !isNotFound(err) {
				return domain.Ignored("membership lookup failed: %v", err)
			}
			if follow == nil || !follow.Accepted {
				return domain.Ignored("voter %s is not a member", actx.actor.ProfileURI)
			}
		}
	}

	if !f.allowVote(ctx, actx.actor.ProfileURI) {
		f.securityEvent("vote rate exceeded", actx.actor.ProfileURI, actx.actor.Domain)
		return domain.Rejected(domain.RejectRate, "vote budget exceeded")
	}

	weight := 1.0
	if actx.instance != nil {
		weight = actx.instance.VoteWeight
	}

	vote := &domain.Vote{
		Id:        uuid.New(),
		ActorURI:  actx.actor.ProfileURI,
		ObjectURI: targetURI,
		Score:     score,
		Weight:    weight,
		CreatedAt: time.Now(),
	}
	if err := f.store.RecordVote(vote); err != nil {
		return domain.Ignored("vote store failed: %v", err)
	}

	f.maybeAnnounceEntity(ctx, actx, entity, activity)
	return domain.Applied()
}

// Undo/Like and Undo/Dislike retract a vote.
func (f *Federator) handleUndoVote(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	inner, ok := activity.Object("object")
	if !ok {
		return domain.Rejected(domain.RejectStructural, "undo object must be a dict")
	}
	targetURI := objectRef(inner)
	if targetURI == "" {
		return domain.Rejected(domain.RejectStructural, "undo vote without object")
	}
	if err := f.store.RemoveVote(actx.actor.ProfileURI, targetURI); err != nil {
		return domain.Ignored("no vote to retract on %s", targetURI)
	}

	if err, entity := f.store.FindEntityByURI(targetURI); err == nil && entity != nil {
		f.maybeAnnounceEntity(ctx, actx, entity, activity)
	}
	return domain.Applied()
}

// Undo/Follow removes the subscription edge.
func (f *Federator) handleUndoFollow(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	inner, ok := activity.Object("object")
	if !ok {
		return domain.Rejected(domain.RejectStructural, "undo object must be a dict")
	}

	if uri := inner.Str("id"); uri != "" {
		if err := f.store.DeleteFollowByURI(uri); err == nil {
			return domain.Applied()
		}
	}

	// Fall back to the actor pair when the follow id is unknown to us.
	targetURI := objectRef(inner)
	target, status, err := f.Resolve(ctx, targetURI, ResolveOpts{LocalOnly: true})
	if err != nil || status != ResolveFound || target == nil {
		return domain.Ignored("unfollow target %s unknown", targetURI)
	}
	if err := f.store.DeleteFollowByActors(actx.actor.Id, target.Id); err != nil {
		return domain.Ignored("no follow to remove")
	}
	return domain.Applied()
}

// Add grants moderator status or features (pins) a post, depending on the
// target collection.
func (f *Federator) handleAdd(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	return f.applyCollectionChange(ctx, activity, actx, true)
}

// Remove revokes moderator status or unfeatures a post.
func (f *Federator) handleRemove(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	return f.applyCollectionChange(ctx, activity, actx, false)
}

func (f *Federator) applyCollectionChange(ctx context.Context, activity JSONObject, actx *actorContext, add bool) domain.Result {
	targetCollection := stringOrId(activity["target"])
	objectURI := objectRef(activity)
	if targetCollection == "" || objectURI == "" {
		return domain.Rejected(domain.RejectStructural, "add/remove needs object and target")
	}

	// The collection URI hangs off the community actor.
	communityURI, collection := splitCollection(targetCollection)
	community, status, err := f.Resolve(ctx, communityURI, ResolveOpts{CommunityOnly: true})
	if err != nil || status != ResolveFound || community == nil {
		return domain.Ignored("collection owner %s unknown", communityURI)
	}
	if !f.modPermitted(actx.actor, community.Id) {
		return domain.Ignored("actor %s may not modify %s", actx.actor.ProfileURI, targetCollection)
	}

	switch collection {
	case "moderators":
		subject, subjStatus, err := f.Resolve(ctx, objectURI, ResolveOpts{CreateIfMissing: add})
		if err != nil || subjStatus != ResolveFound || subject == nil {
			return domain.Ignored("moderator subject %s unknown", objectURI)
		}
		if add {
			if err := f.store.AddModerator(community.Id, subject.Id); err != nil {
				return domain.Ignored("moderator grant failed: %v", err)
			}
			f.modlog("add_mod", actx.actor.ProfileURI, subject.ProfileURI, community.ProfileURI, "")
		} else {
			if err := f.store.RemoveModerator(community.Id, subject.Id); err != nil {
				return domain.Ignored("moderator revoke failed: %v", err)
			}
			f.modlog("remove_mod", actx.actor.ProfileURI, subject.ProfileURI, community.ProfileURI, "")
		}

	case "featured", "pinned":
		if err := f.store.SetEntityFeatured(objectURI, add); err != nil {
			return domain.Ignored("feature change failed: %v", err)
		}
		action := "feature_post"
		if !add {
			action = "unfeature_post"
		}
		f.modlog(action, actx.actor.ProfileURI, objectURI, community.ProfileURI, "")

	default:
		return domain.Ignored("unsupported collection %s", collection)
	}

	f.maybeAnnounce(ctx, actx, community, activity)
	return domain.Applied()
}

// Block bans an actor, site-wide or within a community depending on the
// activity's audience.
func (f *Federator) handleBlock(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	return f.applyBan(ctx, activity, actx, true)
}

func (f *Federator) handleUndoBlock(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	inner, ok := activity.Object("object")
	if !ok {
		return domain.Rejected(domain.RejectStructural, "undo object must be a dict")
	}
	return f.applyBan(ctx, inner, actx, false)
}

func (f *Federator) applyBan(ctx context.Context, activity JSONObject, actx *actorContext, ban bool) domain.Result {
	subjectURI := objectRef(activity)
	if subjectURI == "" {
		return domain.Rejected(domain.RejectStructural, "block without object")
	}

	scope := "site"
	community := f.audienceCommunity(ctx, activity, nil)
	if community != nil {
		scope = community.ProfileURI
		if !f.modPermitted(actx.actor, community.Id) {
			return domain.Ignored("actor %s may not ban in %s", actx.actor.ProfileURI, community.ProfileURI)
		}
	} else {
		// Site-scope bans only bind when they come from the subject's own
		// instance or a local admin.
		localAdmin := actx.actor.Local() && f.modPermitted(actx.actor, uuid.Nil)
		if !localAdmin && !strings.EqualFold(actx.actor.Domain, uriHost(subjectURI)) {
			return domain.Ignored("actor %s may not site-ban %s", actx.actor.ProfileURI, subjectURI)
		}
	}

	if err := f.store.SetActorBanned(subjectURI, scope, ban); err != nil {
		return domain.Ignored("ban change failed: %v", err)
	}

	action := "ban"
	if !ban {
		action = "unban"
	}
	f.modlog(action, actx.actor.ProfileURI, subjectURI, scope, activity.Str("summary"))

	f.maybeAnnounce(ctx, actx, community, activity)
	return domain.Applied()
}

// Flag files a report and fans it out to the community's moderators.
func (f *Federator) handleFlag(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	var objectURIs []string
	switch obj := activity["object"].(type) {
	case string:
		objectURIs = []string{obj}
	case []any:
		for _, v := range obj {
			if s := stringOrId(v); s != "" {
				objectURIs = append(objectURIs, s)
			}
		}
	default:
		if s := objectRef(activity); s != "" {
			objectURIs = []string{s}
		}
	}
	if len(objectURIs) == 0 {
		return domain.Rejected(domain.RejectStructural, "flag without object")
	}

	reason := activity.Str("content")
	if reason == "" {
		reason = activity.Str("summary")
	}

	applied := false
	for _, uri := range objectURIs {
		communityId := uuid.Nil
		if err, entity := f.store.FindEntityByURI(uri); err == nil && entity != nil {
			communityId = entity.CommunityId
		}

		report := &domain.Report{
			Id:          uuid.New(),
			ReporterURI: actx.actor.ProfileURI,
			ObjectURI:   uri,
			CommunityId: communityId,
			Reason:      reason,
			CreatedAt:   time.Now(),
		}
		if err := f.store.CreateReport(report); err != nil {
			continue
		}
		applied = true

		if communityId != uuid.Nil {
			f.forwardToModerators(ctx, communityId, activity)
		}
	}

	if !applied {
		return domain.Ignored("no reportable objects")
	}
	return domain.Applied()
}

// Lock closes an entity's comment thread, recursively.
func (f *Federator) handleLock(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	return f.applyLock(ctx, activity, actx, true)
}

func (f *Federator) handleUndoLock(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	inner, ok := activity.Object("object")
	if !ok {
		return domain.Rejected(domain.RejectStructural, "undo object must be a dict")
	}
	return f.applyLock(ctx, inner, actx, false)
}

func (f *Federator) applyLock(ctx context.Context, activity JSONObject, actx *actorContext, lock bool) domain.Result {
	targetURI := objectRef(activity)
	err, entity := f.store.FindEntityByURI(targetURI)
	if entity == nil {
		if err != nil && !isNotFound(err) {
			return domain.Ignored("entity lookup failed: %v", err)
		}
		return domain.Ignored("lock of unknown object %s", targetURI)
	}
	if !f.modPermitted(actx.actor, entity.CommunityId) {
		return domain.Ignored("actor %s may not lock %s", actx.actor.ProfileURI, targetURI)
	}
	if err := f.store.SetEntityLocked(targetURI, lock, true); err != nil {
		return domain.Ignored("lock change failed: %v", err)
	}

	action := "lock"
	if !lock {
		action = "unlock"
	}
	f.modlog(action, actx.actor.ProfileURI, targetURI, scopeFor(ctx, f, entity), "")
	f.maybeAnnounceEntity(ctx, actx, entity, activity)
	return domain.Applied()
}

// mapEntityDocument classifies a content object. Pages, articles and videos
// are posts; notes are replies when threaded, posts otherwise; a bare-name
// note answering a question is a poll vote.
func mapEntityDocument(obj JSONObject, authorURI string) *domain.Entity {
	var kind domain.EntityKind
	inReplyTo := stringOrId(obj["inReplyTo"])

	switch obj.Str("type") {
	case "Page", "Article", "Video", "Link", "Question":
		kind = domain.EntityPost
	case "Note", "ChatMessage":
		switch {
		case inReplyTo != "" && obj.Str("content") == "" && obj.Str("name") != "":
			kind = domain.EntityPollVote
		case inReplyTo != "":
			kind = domain.EntityReply
		default:
			kind = domain.EntityPost
		}
	case "Group":
		kind = domain.EntityCommunityMeta
	default:
		return nil
	}

	created := time.Now()
	if published := obj.Str("published"); published != "" {
		if t, err := time.Parse(time.RFC3339, published); err == nil {
			created = t
		}
	}

	return &domain.Entity{
		Id:           uuid.New(),
		Kind:         kind,
		ObjectURI:    obj.Str("id"),
		AuthorURI:    authorURI,
		Title:        obj.Str("name"),
		Body:         obj.Str("content"),
		URL:          stringOrId(obj["url"]),
		Sensitive:    obj.Bool("sensitive"),
		InReplyToURI: inReplyTo,
		CreatedAt:    created,
	}
}

func (f *Federator) matchesBlockedPhrase(text string) bool {
	haystack := strings.ToLower(text)
	for _, phrase := range f.conf.Federation.BlockedPhrases {
		if phrase != "" && strings.Contains(haystack, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

func (f *Federator) findCommunityById(id uuid.UUID) (error, *domain.Actor) {
	// The store keys actors by URI; the community cache keeps id lookups
	// cheap enough that a second URI column is not worth it.
	return f.store.FindActorById(id)
}

func (f *Federator) forwardToModerators(ctx context.Context, communityId uuid.UUID, activity JSONObject) {
	err, inboxes := f.store.ModeratorInboxes(communityId)
	if err != nil || inboxes == nil {
		return
	}
	if err, community := f.findCommunityById(communityId); err == nil && community != nil && community.Local() {
		f.forwardToInboxes(community, *inboxes, activity)
	}
}

// scopeFor renders the modlog scope for an entity: its community URI when it
// has one, site otherwise.
func scopeFor(ctx context.Context, f *Federator, entity *domain.Entity) string {
	if entity.CommunityId != uuid.Nil {
		if err, community := f.findCommunityById(entity.CommunityId); err == nil && community != nil {
			return community.ProfileURI
		}
	}
	return "site"
}

// splitCollection splits "https://host/c/name/moderators" into the owner URI
// and the collection name.
func splitCollection(uri string) (string, string) {
	trimmed := strings.TrimSuffix(uri, "/")
	i := strings.LastIndexByte(trimmed, '/')
	if i < 0 {
		return trimmed, ""
	}
	return trimmed[:i], trimmed[i+1:]
}
