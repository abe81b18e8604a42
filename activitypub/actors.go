package activitypub

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pikefed/pikefed/domain"
	"github.com/pikefed/pikefed/util"
)

// ResolveStatus distinguishes "reject" from "try creating": a banned actor
// is a hard stop, a missing one may still be fetched.
type ResolveStatus int

const (
	ResolveFound ResolveStatus = iota
	ResolveNotFound
	ResolveBanned
)

// ResolveOpts narrows resolution.
type ResolveOpts struct {
	LocalOnly       bool
	CommunityOnly   bool
	FeedOnly        bool
	CreateIfMissing bool
}

const (
	actorStaleAfter  = 24 * time.Hour
	refreshMarkerTTL = 300 * time.Second
)

var localActorPathRe = regexp.MustCompile(`^/(u|c|f)/([a-zA-Z0-9_.-]+)$`)

// Resolve turns an actor reference (profile URI or user@domain handle) into
// an actor record: from the local namespace, from the cache, or by remote
// creation when opts.CreateIfMissing is set.
func (f *Federator) Resolve(ctx context.Context, ref string, opts ResolveOpts) (*domain.Actor, ResolveStatus, error) {
	// Handles go through webfinger to find the canonical URI first.
	if !strings.HasPrefix(ref, "https://") && !strings.HasPrefix(ref, "http://") && strings.Contains(ref, "@") {
		return f.resolveHandle(ctx, ref, opts)
	}

	uri := strings.TrimSuffix(ref, "/")

	// Local namespace: /u/, /c/, /f/ on our own domain.
	if f.isLocalURI(uri) {
		return f.resolveLocal(uri, opts)
	}
	if opts.LocalOnly {
		return nil, ResolveNotFound, nil
	}

	actor, status, err := f.lookupCached(uri, opts)
	if err != nil || status == ResolveBanned {
		return actor, status, err
	}
	if actor != nil {
		f.maybeRefresh(ctx, actor)
		if gateErr := f.gateRemoteActor(actor); gateErr != nil {
			return nil, ResolveNotFound, gateErr
		}
		return actor, ResolveFound, nil
	}

	if !opts.CreateIfMissing {
		return nil, ResolveNotFound, nil
	}

	created, err := f.createRemoteActor(ctx, uri, opts)
	if err != nil {
		return nil, ResolveNotFound, err
	}
	return created, ResolveFound, nil
}

func (f *Federator) resolveLocal(uri string, opts ResolveOpts) (*domain.Actor, ResolveStatus, error) {
	m := localActorPathRe.FindStringSubmatch(uriPath(uri))
	if m == nil {
		return nil, ResolveNotFound, nil
	}

	var kind domain.ActorKind
	switch m[1] {
	case "u":
		kind = domain.KindUser
	case "c":
		kind = domain.KindCommunity
	case "f":
		kind = domain.KindFeed
	}
	if opts.CommunityOnly && kind != domain.KindCommunity {
		return nil, ResolveNotFound, nil
	}
	if opts.FeedOnly && kind != domain.KindFeed {
		return nil, ResolveNotFound, nil
	}

	err, actor := f.store.FindLocalActor(kind, m[2])
	if actor == nil {
		if err != nil && !isNotFound(err) {
			return nil, ResolveNotFound, err
		}
		return nil, ResolveNotFound, nil
	}
	return f.classifyFound(actor)
}

// lookupCached checks the database for a remote actor, using the path hint
// to pick the narrow query first before falling back to all three kinds.
func (f *Federator) lookupCached(uri string, opts ResolveOpts) (*domain.Actor, ResolveStatus, error) {
	kinds := kindsFromHint(uri, opts)

	err, actor := f.store.FindActorByURLKinds(uri, kinds...)
	if actor == nil {
		if err != nil && !isNotFound(err) {
			return nil, ResolveNotFound, err
		}
		// Path hints are conventions, not guarantees.
		if len(kinds) < 3 && !opts.CommunityOnly && !opts.FeedOnly {
			err, actor = f.store.FindActorByURL(uri)
			if actor == nil {
				if err != nil && !isNotFound(err) {
					return nil, ResolveNotFound, err
				}
				return nil, ResolveNotFound, nil
			}
		} else {
			return nil, ResolveNotFound, nil
		}
	}

	a, status, err := f.classifyFound(actor)
	if status == ResolveBanned || err != nil {
		return a, status, err
	}
	return a, ResolveFound, nil
}

// classifyFound applies the banned/deleted rules. A banned community may
// have been re-created: prefer an unbanned duplicate with the same profile
// URI. A banned or deleted user resolves to Banned, distinct from NotFound.
func (f *Federator) classifyFound(actor *domain.Actor) (*domain.Actor, ResolveStatus, error) {
	if !actor.Banned && !actor.Deleted {
		return actor, ResolveFound, nil
	}
	if actor.Kind == domain.KindCommunity {
		err, dup := f.store.FindUnbannedCommunityByURI(actor.ProfileURI)
		if dup != nil {
			return dup, ResolveFound, nil
		}
		if err != nil && !isNotFound(err) {
			return nil, ResolveBanned, err
		}
	}
	return actor, ResolveBanned, nil
}

// gateRemoteActor enforces the instance allow/deny lists and the blocked
// phrase filters before a remote actor is handed to callers.
func (f *Federator) gateRemoteActor(actor *domain.Actor) error {
	fed := f.conf.Federation
	if len(fed.AllowedInstances) > 0 && !containsFold(fed.AllowedInstances, actor.Domain) {
		return fmt.Errorf("instance %s not in allowlist", actor.Domain)
	}
	if containsFold(fed.BlockedInstances, actor.Domain) {
		return fmt.Errorf("instance %s is blocked", actor.Domain)
	}
	haystack := strings.ToLower(actor.ProfileURI + " " + actor.Name + " " + actor.DisplayName + " " + actor.Summary)
	for _, phrase := range fed.BlockedPhrases {
		if phrase != "" && strings.Contains(haystack, strings.ToLower(phrase)) {
			return fmt.Errorf("actor matches blocked phrase")
		}
	}
	return nil
}

func kindsFromHint(uri string, opts ResolveOpts) []domain.ActorKind {
	if opts.CommunityOnly {
		return []domain.ActorKind{domain.KindCommunity}
	}
	if opts.FeedOnly {
		return []domain.ActorKind{domain.KindFeed}
	}
	path := uriPath(uri)
	switch {
	case strings.Contains(path, "/u/"), strings.Contains(path, "/users/"):
		return []domain.ActorKind{domain.KindUser}
	case strings.Contains(path, "/c/"), strings.Contains(path, "/communities/"):
		return []domain.ActorKind{domain.KindCommunity}
	case strings.Contains(path, "/f/"), strings.Contains(path, "/feeds/"):
		return []domain.ActorKind{domain.KindFeed}
	default:
		return []domain.ActorKind{domain.KindUser, domain.KindCommunity, domain.KindFeed}
	}
}

// maybeRefresh schedules a background re-fetch of a stale remote actor.
// The kv marker guarantees at most one outstanding refresh per actor no
// matter how many concurrent resolutions reference it.
func (f *Federator) maybeRefresh(ctx context.Context, actor *domain.Actor) {
	if actor.Local() || time.Since(actor.LastFetchedAt) < actorStaleAfter {
		return
	}

	marker := "refresh:" + strings.ToLower(actor.ProfileURI)
	ok, err := f.kv.SetIfAbsent(ctx, marker, refreshMarkerTTL)
	if err != nil || !ok {
		return
	}

	uri := actor.ProfileURI
	f.enqueueJob(func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := f.refreshActor(jobCtx, uri); err != nil {
			f.log.Debug("actor refresh failed", zap.String("actor", uri), zap.Error(err))
		}
		f.kv.Delete(jobCtx, marker)
	})
}

func (f *Federator) refreshActor(ctx context.Context, uri string) error {
	doc, err := f.fetchActorDocument(ctx, uri)
	if err != nil {
		return err
	}
	fetched, err := f.mapActorDocument(doc, uri)
	if err != nil {
		return err
	}

	err, existing := f.store.FindActorByURL(uri)
	if existing == nil {
		if err != nil && !isNotFound(err) {
			return err
		}
		return nil
	}

	existing.DisplayName = fetched.DisplayName
	existing.Summary = fetched.Summary
	existing.InboxURI = fetched.InboxURI
	existing.SharedInboxURI = fetched.SharedInboxURI
	existing.PublicKeyPem = fetched.PublicKeyPem
	existing.LastFetchedAt = time.Now()
	return f.store.UpdateActor(existing)
}

func (f *Federator) resolveHandle(ctx context.Context, handle string, opts ResolveOpts) (*domain.Actor, ResolveStatus, error) {
	handle = strings.TrimPrefix(handle, "@")
	parts := strings.SplitN(handle, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, ResolveNotFound, fmt.Errorf("malformed handle %q", handle)
	}

	selfLink, err := f.webfingerLookup(ctx, parts[0], parts[1])
	if err != nil {
		// Webfinger is a discovery optimization; fall back to the
		// conventional direct URL.
		selfLink = fmt.Sprintf("https://%s/u/%s", parts[1], parts[0])
	}

	// Whether the canonical URI may be fetched and stored stays the
	// caller's decision; discovery does not escalate it.
	return f.Resolve(ctx, selfLink, opts)
}

// webfingerLookup fetches the JRD for user@domain and extracts the
// rel=self ActivityPub link.
func (f *Federator) webfingerLookup(ctx context.Context, user, dom string) (string, error) {
	wfURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=acct:%s@%s", dom, user, dom)
	validated, err := f.guard.Validate(wfURL, URIContextGeneric)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", validated, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", userAgent())

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webfinger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webfinger returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.limits.MaxSize)))
	if err != nil {
		return "", err
	}
	jrd, err := DecodeObject(body, f.limits)
	if err != nil {
		return "", err
	}

	for _, l := range jrd.List("links") {
		link, ok := AsObject(l)
		if !ok {
			continue
		}
		if link.Str("rel") == "self" && link.Str("href") != "" {
			return link.Str("href"), nil
		}
	}
	return "", fmt.Errorf("webfinger response has no self link")
}

// createRemoteActor fetches, validates and stores an unknown remote actor.
func (f *Federator) createRemoteActor(ctx context.Context, uri string, opts ResolveOpts) (*domain.Actor, error) {
	dom := uriHost(uri)
	if dom == "" {
		return nil, fmt.Errorf("actor uri has no host")
	}

	if !f.allowActorCreation(ctx, dom) {
		f.securityEvent("actor creation rate exceeded", uri, dom)
		return nil, fmt.Errorf("actor creation refused for %s", dom)
	}

	doc, err := f.fetchActorDocument(ctx, uri)
	if err != nil {
		return nil, err
	}
	actor, err := f.mapActorDocument(doc, uri)
	if err != nil {
		return nil, err
	}

	if opts.CommunityOnly && actor.Kind != domain.KindCommunity {
		return nil, fmt.Errorf("actor %s is not a community", uri)
	}
	if opts.FeedOnly && actor.Kind != domain.KindFeed {
		return nil, fmt.Errorf("actor %s is not a feed", uri)
	}
	if err := f.gateRemoteActor(actor); err != nil {
		return nil, err
	}

	inst, err := f.findOrCreateInstance(dom)
	if err != nil {
		return nil, err
	}
	actor.InstanceId = inst.Id

	if err := f.store.CreateActor(actor); err != nil {
		// Duplicate-key race on insert is success: somebody else stored the
		// actor first. Re-query and return the winning row.
		if err2, existing := f.store.FindActorByURL(uri); existing != nil {
			return existing, nil
		} else if err2 != nil && !isNotFound(err2) {
			return nil, err2
		}
		return nil, fmt.Errorf("failed to store actor: %w", err)
	}
	return actor, nil
}

// fetchActorDocument fetches an actor document with one retry on transient
// network errors, and a second attempt using a signed GET if the origin
// replies 401 (some servers require authenticated fetch). The URI is
// re-validated immediately before each network call.
func (f *Federator) fetchActorDocument(ctx context.Context, uri string) (JSONObject, error) {
	doc, status, err := f.fetchJSON(ctx, uri, false)
	if err != nil && status == 0 {
		// transient network error: one retry
		doc, status, err = f.fetchJSON(ctx, uri, false)
	}
	if status == http.StatusUnauthorized {
		doc, _, err = f.fetchJSON(ctx, uri, true)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// fetchJSON performs a single validated GET. status is 0 when no response
// was received at all.
func (f *Federator) fetchJSON(ctx context.Context, uri string, signed bool) (JSONObject, int, error) {
	validated, err := f.guard.Validate(uri, URIContextActivityPub)
	if err != nil {
		f.securityEvent("unsafe fetch target", uri, uriHost(uri))
		return nil, -1, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", validated, nil)
	if err != nil {
		return nil, -1, err
	}
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", userAgent())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	if signed {
		key, keyId, err := f.systemSigner()
		if err != nil {
			return nil, -1, fmt.Errorf("no signing key for authenticated fetch: %w", err)
		}
		// The signature covers "host", which the signer reads from the
		// header map rather than the URL.
		req.Header.Set("Host", req.URL.Host)
		if err := SignGetRequest(req, key, keyId); err != nil {
			return nil, -1, err
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.limits.MaxSize)+1))
	if err != nil {
		return nil, 0, err
	}
	doc, err := DecodeObject(body, f.limits)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return doc, resp.StatusCode, nil
}

// systemSigner returns the service actor's key for authenticated fetches.
func (f *Federator) systemSigner() (*rsa.PrivateKey, string, error) {
	err, sys := f.store.FindLocalActor(domain.KindUser, "system")
	if sys == nil {
		if err == nil {
			err = errors.New("system actor missing")
		}
		return nil, "", err
	}
	k, err := ParsePrivateKey(sys.PrivateKeyPem)
	if err != nil {
		return nil, "", err
	}
	return k, KeyId(sys), nil
}

// mapActorDocument turns a fetched actor document into an actor record.
func (f *Federator) mapActorDocument(doc JSONObject, uri string) (*domain.Actor, error) {
	id := doc.Str("id")
	if id == "" {
		return nil, fmt.Errorf("actor document missing id")
	}
	// The document is authoritative for the canonical id, but it must stay
	// on the same origin we fetched from.
	if !strings.EqualFold(uriHost(id), uriHost(uri)) {
		return nil, fmt.Errorf("actor id %s does not match fetch origin %s", id, uri)
	}

	kind, known := domain.KindFromAPType(doc.Str("type"))
	if !known {
		return nil, fmt.Errorf("unsupported actor type %q", doc.Str("type"))
	}

	inbox := doc.Str("inbox")
	pubKeyBlock, _ := doc.Object("publicKey")
	pubKeyPem := pubKeyBlock.Str("publicKeyPem")
	if inbox == "" || pubKeyPem == "" {
		return nil, fmt.Errorf("actor document missing required fields")
	}
	if _, err := f.guard.Validate(inbox, URIContextActivityPub); err != nil {
		return nil, fmt.Errorf("actor inbox rejected: %w", err)
	}

	sharedInbox := ""
	if endpoints, ok := doc.Object("endpoints"); ok {
		sharedInbox = endpoints.Str("sharedInbox")
		if sharedInbox != "" {
			if _, err := f.guard.Validate(sharedInbox, URIContextActivityPub); err != nil {
				sharedInbox = ""
			}
		}
	}

	return &domain.Actor{
		Id:             uuid.New(),
		Kind:           kind,
		Name:           doc.Str("preferredUsername"),
		Domain:         strings.ToLower(uriHost(id)),
		ProfileURI:     id,
		InboxURI:       inbox,
		SharedInboxURI: sharedInbox,
		PublicKeyPem:   pubKeyPem,
		DisplayName:    doc.Str("name"),
		Summary:        doc.Str("summary"),
		LastFetchedAt:  time.Now(),
		CreatedAt:      time.Now(),
	}, nil
}

func userAgent() string {
	return fmt.Sprintf("%s ActivityPub", util.GetNameAndVersion())
}

func uriPath(uri string) string {
	rest := uri
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[i:]
	}
	return "/"
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
