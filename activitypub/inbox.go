package activitypub

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pikefed/pikefed/domain"
)

// actorContext travels with an activity through the handler chain.
type actorContext struct {
	actor       *domain.Actor // the acting (effective) actor
	instance    *domain.Instance
	viaAnnounce bool
	announcer   *domain.Actor // set when viaAnnounce
	fetchedBody bool          // object came from an authenticated origin re-fetch
}

type routeKey struct {
	Outer string
	Inner string // object type; empty matches any
}

type handlerFunc func(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result

func (f *Federator) registerHandlers() {
	f.handlers = map[routeKey]handlerFunc{
		{"Follow", ""}: f.handleFollow,
		{"Accept", ""}: f.handleAccept,
		{"Reject", ""}: f.handleReject,

		{"Create", ""}:        f.handleCreateOrUpdate,
		{"Update", ""}:        f.handleCreateOrUpdate,
		{"Update", "Person"}:  f.handleUpdateActor,
		{"Update", "Service"}: f.handleUpdateActor,
		{"Update", "Group"}:   f.handleUpdateActor,
		{"Delete", ""}:        f.handleDelete,

		{"Like", ""}:    f.handleLike,
		{"Dislike", ""}: f.handleDislike,

		{"Undo", "Follow"}:  f.handleUndoFollow,
		{"Undo", "Like"}:    f.handleUndoVote,
		{"Undo", "Dislike"}: f.handleUndoVote,
		{"Undo", "Delete"}:  f.handleUndoDelete,
		{"Undo", "Block"}:   f.handleUndoBlock,
		{"Undo", "Lock"}:    f.handleUndoLock,

		{"Add", ""}:    f.handleAdd,
		{"Remove", ""}: f.handleRemove,
		{"Block", ""}:  f.handleBlock,
		{"Flag", ""}:   f.handleFlag,
		{"Lock", ""}:   f.handleLock,
	}
}

// HandleActivity runs one inbound request through the processing stages:
// Decoded, DedupChecked, ActorResolved, SignatureVerified, TypeRouted, then
// Applied or Rejected. Terminal rejection can happen at any stage; applied
// side effects are only undone by a later compensating activity.
func (f *Federator) HandleActivity(ctx context.Context, req *http.Request, body []byte) domain.Result {
	activity, err := DecodeObject(body, f.limits)
	if err != nil {
		switch {
		case err == ErrTooLarge:
			return domain.Rejected(domain.RejectSize, "body too large")
		case err == ErrTooDeep || err == ErrTooManyKeys || err == ErrArrayTooLarge:
			f.securityEvent("json bomb", "", remoteHost(req))
			return domain.Rejected(domain.RejectSecurity, "document exceeds limits")
		default:
			return domain.Rejected(domain.RejectStructural, "malformed document")
		}
	}
	return f.processActivity(ctx, req, body, activity, 0, nil)
}

// processActivity handles one activity dict. req is nil for unwrapped inner
// activities, which carry no transport signature of their own.
func (f *Federator) processActivity(ctx context.Context, req *http.Request, body []byte, activity JSONObject, depth int, announcer *domain.Actor) domain.Result {
	if r, ok := checkMinimums(activity); !ok {
		return r
	}

	if activity.Str("type") == "Announce" {
		return f.unwrapAnnounce(ctx, req, body, activity, depth, announcer)
	}

	// Dedup on the effective activity id.
	if !f.markSeen(ctx, activity.Str("id")) {
		f.log.Info("duplicate activity ignored", zap.String("id", activity.Str("id")))
		return domain.Ignored("duplicate activity %s", activity.Str("id"))
	}

	actorURI := activity.Str("actor")

	// Self-deletion of an actor we never stored: nothing to do, and no
	// reason to materialize a record just to delete it.
	if activity.Str("type") == "Delete" {
		if obj, isStr := activity["object"].(string); isStr && domain.SameProfileURI(obj, actorURI) {
			if err, known := f.store.FindActorByURL(actorURI); known == nil && (err == nil || isNotFound(err)) {
				return domain.Ignored("self-delete of unknown actor %s", actorURI)
			}
		}
	}

	actor, status, err := f.Resolve(ctx, actorURI, ResolveOpts{CreateIfMissing: true})
	if err != nil {
		return domain.Ignored("actor %s unresolvable: %v", actorURI, err)
	}
	switch status {
	case ResolveBanned:
		return domain.Ignored("actor %s is banned", actorURI)
	case ResolveNotFound:
		return domain.Ignored("actor %s not found", actorURI)
	}

	var inst *domain.Instance
	if !actor.Local() {
		inst, err = f.findOrCreateInstance(actor.Domain)
		if err != nil {
			return domain.Ignored("instance lookup failed: %v", err)
		}
		f.touchInstance(ctx, inst)
	}

	actx := &actorContext{
		actor:       actor,
		instance:    inst,
		viaAnnounce: announcer != nil,
		announcer:   announcer,
	}

	if req != nil {
		if r := f.verifyInbound(ctx, req, body, activity, actx); r != nil {
			return *r
		}
	}

	return f.route(ctx, activity, actx)
}

func checkMinimums(activity JSONObject) (domain.Result, bool) {
	for _, field := range []string{"id", "type", "actor"} {
		if activity.Str(field) == "" {
			return domain.Rejected(domain.RejectStructural, "missing %s", field), false
		}
	}
	if _, ok := activity["object"]; !ok {
		return domain.Rejected(domain.RejectStructural, "missing object"), false
	}
	return domain.Result{}, true
}

// verifyInbound authenticates the request. HTTP signature first; a
// linked-data signature is consulted only when no Signature header exists
// at all, never after a failed HTTP signature. Returns nil when the caller
// may proceed (possibly with a rewritten activity via the fetch carve-out).
func (f *Federator) verifyInbound(ctx context.Context, req *http.Request, body []byte, activity JSONObject, actx *actorContext) *domain.Result {
	actor := actx.actor

	if req.Header.Get("Signature") != "" {
		signerURI, err := VerifyRequest(req, actor.PublicKeyPem, body, VerifyOptions{})
		if err != nil {
			f.securityEvent("http signature failure", actor.ProfileURI, actor.Domain, zap.Error(err))
			r := domain.Rejected(domain.RejectAuth, "signature verification failed")
			return &r
		}
		// The key that signed must belong to the actor claimed in the body.
		if !domain.SameProfileURI(signerURI, actor.ProfileURI) {
			f.securityEvent("keyId actor mismatch", actor.ProfileURI, actor.Domain,
				zap.String("signer", signerURI))
			r := domain.Rejected(domain.RejectAuth, "keyId does not match actor")
			return &r
		}
		return nil
	}

	if _, hasLD := activity["signature"]; hasLD {
		if err := VerifyLDSignature(activity, actor.PublicKeyPem); err != nil {
			f.securityEvent("ld signature failure", actor.ProfileURI, actor.Domain, zap.Error(err))
			r := domain.Rejected(domain.RejectAuth, "signature verification failed")
			return &r
		}
		return nil
	}

	// No signature at all. Two narrow escapes, everything else is a 401.

	// Explicit allowlist: exact actor, exact type, behind a global flag
	// that defaults to off.
	if f.conf.Federation.AllowUnsigned {
		for _, peer := range f.conf.Federation.UnsignedAllowlist {
			if domain.SameProfileURI(peer.Actor, actor.ProfileURI) && peer.Type == activity.Str("type") {
				return nil
			}
		}
	}

	// Compatibility carve-out for relays that strip bodies: an unsigned
	// Create/Update whose object is a plain URI is reduced to a reference
	// and re-fetched from its origin. Gated on the peer's software being
	// known to need it.
	outer := activity.Str("type")
	if outer == "Create" || outer == "Update" {
		if ref, isStr := activity["object"].(string); isStr {
			if actx.instance != nil && containsFold(f.conf.Federation.FetchFallbackSoftware, actx.instance.Software) {
				fetched, err := f.fetchVerifiedObject(ctx, ref)
				if err != nil {
					f.securityEvent("unsigned fetch fallback failed", actor.ProfileURI, actor.Domain, zap.Error(err))
					r := domain.Rejected(domain.RejectAuth, "unverifiable activity")
					return &r
				}
				activity["object"] = map[string]any(fetched)
				actx.fetchedBody = true
				return nil
			}
		}
	}

	f.securityEvent("unsigned activity", actor.ProfileURI, actor.Domain,
		zap.String("type", activity.Str("type")))
	r := domain.Rejected(domain.RejectAuth, "missing signature")
	return &r
}

// fetchVerifiedObject dereferences an object URI from its origin and checks
// that the document's attributedTo stays on the same domain as the URI
// itself, so a peer cannot point us at someone else's content.
func (f *Federator) fetchVerifiedObject(ctx context.Context, uri string) (JSONObject, error) {
	doc, _, err := f.fetchJSON(ctx, uri, false)
	if err != nil {
		return nil, err
	}
	attributedTo := doc.Str("attributedTo")
	if attributedTo == "" || !strings.EqualFold(uriHost(attributedTo), uriHost(uri)) {
		return nil, fmt.Errorf("attributedTo %q does not match object origin %q", attributedTo, uri)
	}
	return doc, nil
}

// route dispatches by (outer type, inner object type), falling back to the
// outer type alone.
func (f *Federator) route(ctx context.Context, activity JSONObject, actx *actorContext) domain.Result {
	outer := activity.Str("type")
	inner := ""
	if obj, ok := activity.Object("object"); ok {
		inner = obj.Str("type")
	}

	handler, ok := f.handlers[routeKey{outer, inner}]
	if !ok {
		handler, ok = f.handlers[routeKey{outer, ""}]
	}
	if !ok {
		return domain.Ignored("unsupported activity type %s/%s", outer, inner)
	}
	return handler(ctx, activity, actx)
}

// unwrapAnnounce processes an Announce as an explicit bounded work-list so
// the nesting cap is structural, not a recursion-limit accident. Inner
// objects may be a full activity dict, a bare URI to dereference, or a list
// to fan out.
func (f *Federator) unwrapAnnounce(ctx context.Context, req *http.Request, body []byte, announce JSONObject, depth int, parentAnnouncer *domain.Actor) domain.Result {
	maxDepth := f.conf.Federation.AnnounceDepthMax
	if depth >= maxDepth {
		f.securityEvent("announce depth exceeded", announce.Str("actor"), uriHost(announce.Str("actor")))
		return domain.Rejected(domain.RejectSecurity, "announce nesting too deep")
	}

	announcerURI := announce.Str("actor")
	announcerActor, status, err := f.Resolve(ctx, announcerURI, ResolveOpts{CreateIfMissing: true})
	if err != nil || status != ResolveFound {
		return domain.Ignored("announcer %s unresolvable", announcerURI)
	}

	var announcerInst *domain.Instance
	if !announcerActor.Local() {
		announcerInst, err = f.findOrCreateInstance(announcerActor.Domain)
		if err != nil {
			return domain.Ignored("instance lookup failed: %v", err)
		}
		f.touchInstance(ctx, announcerInst)
	}

	// The transport signature belongs to the announcer; verify it once at
	// the outermost level.
	if req != nil {
		actx := &actorContext{actor: announcerActor, instance: announcerInst}
		if r := f.verifyInbound(ctx, req, body, announce, actx); r != nil {
			return *r
		}
	}

	isRelay := f.isRelayActor(announcerActor, announcerInst)

	type workItem struct {
		obj   any
		depth int
	}
	work := []workItem{{announce["object"], depth}}
	result := domain.Ignored("announce carried nothing actionable")

	for len(work) > 0 {
		item := work[0]
		work = work[1:]

		switch inner := item.obj.(type) {
		case []any:
			// Bulk relay: fan out into independent single-object announces.
			for _, el := range inner {
				work = append(work, workItem{el, item.depth})
			}

		case string:
			// Bare URI: dereference, but only from the announcer's own
			// origin unless the peer runs known relay software.
			if !strings.EqualFold(uriHost(inner), announcerActor.Domain) &&
				!containsFold(f.conf.Federation.RelayAllowedSoftware, instanceSoftware(announcerInst)) {
				f.securityEvent("cross-origin announce dereference", announcerURI, announcerActor.Domain,
					zap.String("object", inner))
				result = domain.Rejected(domain.RejectSecurity, "announced object is cross-origin")
				continue
			}
			if !f.allowAnnounceOfObject(ctx, inner) {
				f.securityEvent("announce amplification cap", announcerURI, announcerActor.Domain)
				result = domain.Rejected(domain.RejectSecurity, "object announced too often")
				continue
			}
			doc, err := f.fetchVerifiedObject(ctx, inner)
			if err != nil {
				result = domain.Ignored("announced object %s unfetchable: %v", inner, err)
				continue
			}
			create := JSONObject{
				"id":     inner,
				"type":   "Create",
				"actor":  doc.Str("attributedTo"),
				"object": map[string]any(doc),
			}
			result = pickResult(result, f.processActivity(ctx, nil, nil, create, item.depth+1, announcerActor))

		case map[string]any, JSONObject:
			innerObj, _ := AsObject(inner)
			if r, ok := checkMinimums(innerObj); !ok {
				result = pickResult(result, r)
				continue
			}

			// A local inner actor means our own activity came back to us.
			if f.isLocalURI(innerObj.Str("actor")) {
				result = pickResult(result, domain.Ignored("announce echo of local activity"))
				continue
			}

			if isRelay && !relayMayAnnounce(innerObj.Str("type")) {
				f.securityEvent("relay vote amplification", announcerURI, announcerActor.Domain,
					zap.String("inner_type", innerObj.Str("type")))
				result = pickResult(result, domain.Rejected(domain.RejectSecurity, "relays cannot amplify votes"))
				continue
			}

			if !f.allowAnnounceOfObject(ctx, innerObj.Str("id")) {
				f.securityEvent("announce amplification cap", announcerURI, announcerActor.Domain)
				result = pickResult(result, domain.Rejected(domain.RejectSecurity, "object announced too often"))
				continue
			}

			if innerObj.Str("type") == "Announce" {
				// Nested announce: costs a level of depth.
				if item.depth+1 >= maxDepth {
					f.securityEvent("announce depth exceeded", announcerURI, announcerActor.Domain)
					result = pickResult(result, domain.Rejected(domain.RejectSecurity, "announce nesting too deep"))
					continue
				}
				work = append(work, workItem{innerObj["object"], item.depth + 1})
				continue
			}

			result = pickResult(result, f.processActivity(ctx, nil, nil, innerObj, item.depth+1, announcerActor))

		default:
			result = pickResult(result, domain.Ignored("announce object has unusable shape"))
		}
	}

	return result
}

// pickResult aggregates fan-out outcomes: any application wins, otherwise
// the most severe rejection is reported.
func pickResult(acc, next domain.Result) domain.Result {
	if acc.Outcome == domain.OutcomeApplied || next.Outcome == domain.OutcomeApplied {
		return domain.Applied()
	}
	if next.Outcome == domain.OutcomeRejected {
		return next
	}
	if acc.Outcome == domain.OutcomeRejected {
		return acc
	}
	return next
}

func instanceSoftware(inst *domain.Instance) string {
	if inst == nil {
		return ""
	}
	return inst.Software
}

func remoteHost(req *http.Request) string {
	if req == nil {
		return ""
	}
	return req.RemoteAddr
}
