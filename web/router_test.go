package web

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pikefed/pikefed/domain"
	"github.com/pikefed/pikefed/util"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeWebStore struct {
	actors     map[string]*domain.Actor
	followers  int
	moderators []string
	modlog     []domain.ModlogEntry
}

func newFakeWebStore() *fakeWebStore {
	return &fakeWebStore{actors: make(map[string]*domain.Actor)}
}

func (f *fakeWebStore) addActor(kind domain.ActorKind, name string) *domain.Actor {
	prefix := map[domain.ActorKind]string{
		domain.KindUser:      "u",
		domain.KindCommunity: "c",
		domain.KindFeed:      "f",
	}[kind]
	a := &domain.Actor{
		Id:           uuid.New(),
		Kind:         kind,
		Name:         name,
		ProfileURI:   "https://local.example/" + prefix + "/" + name,
		InboxURI:     "https://local.example/" + prefix + "/" + name + "/inbox",
		PublicKeyPem: "-----BEGIN PUBLIC KEY-----\nexample\n-----END PUBLIC KEY-----",
		CreatedAt:    time.Now(),
	}
	f.actors[kind.String()+"/"+name] = a
	return a
}

func (f *fakeWebStore) FindLocalActor(kind domain.ActorKind, name string) (error, *domain.Actor) {
	if a, ok := f.actors[kind.String()+"/"+name]; ok {
		return nil, a
	}
	return sql.ErrNoRows, nil
}

func (f *fakeWebStore) CountFollowers(actorId uuid.UUID) (error, int) {
	return nil, f.followers
}

func (f *fakeWebStore) ModeratorInboxes(communityId uuid.UUID) (error, *[]string) {
	return nil, &f.moderators
}

func (f *fakeWebStore) ReadModlog(limit int) (error, *[]domain.ModlogEntry) {
	return nil, &f.modlog
}

func newTestServer(store *fakeWebStore) *Server {
	conf := &util.AppConfig{}
	conf.Conf.SslDomain = "local.example"
	conf.Federation.MaxBodyBytes = 1024
	// Every request in a test comes from the same address; keep the
	// buckets too large to interfere.
	conf.Federation.GlobalRatePerSec = 1000
	conf.Federation.GlobalRateBurst = 1000
	conf.Federation.InboxRatePerSec = 1000
	conf.Federation.InboxRateBurst = 1000
	return NewServer(conf, store, nil, zap.NewNop())
}

func get(t *testing.T, router *gin.Engine, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestWebfinger(t *testing.T) {
	store := newFakeWebStore()
	store.addActor(domain.KindUser, "alice")
	router := newTestServer(store).Router()

	w, body := get(t, router, "/.well-known/webfinger?resource=acct:alice@local.example")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if body["subject"] != "acct:alice@local.example" {
		t.Fatalf("subject = %v", body["subject"])
	}
	links := body["links"].([]any)
	link := links[0].(map[string]any)
	if link["rel"] != "self" || link["href"] != "https://local.example/u/alice" {
		t.Fatalf("link = %v", link)
	}
}

func TestWebfingerBareName(t *testing.T) {
	store := newFakeWebStore()
	store.addActor(domain.KindCommunity, "golang")
	router := newTestServer(store).Router()

	w, body := get(t, router, "/.well-known/webfinger?resource=acct:golang")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	link := body["links"].([]any)[0].(map[string]any)
	if link["href"] != "https://local.example/c/golang" {
		t.Fatalf("link = %v", link)
	}
}

func TestWebfingerRejects(t *testing.T) {
	store := newFakeWebStore()
	store.addActor(domain.KindUser, "alice")
	banned := store.addActor(domain.KindUser, "troll")
	banned.Banned = true
	router := newTestServer(store).Router()

	for _, path := range []string{
		"/.well-known/webfinger",
		"/.well-known/webfinger?resource=https://local.example/u/alice",
		"/.well-known/webfinger?resource=acct:alice@elsewhere.example",
		"/.well-known/webfinger?resource=acct:nobody@local.example",
		"/.well-known/webfinger?resource=acct:troll@local.example",
	} {
		w, _ := get(t, router, path)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: code = %d, want 404", path, w.Code)
		}
	}
}

func TestActorDocumentUser(t *testing.T) {
	store := newFakeWebStore()
	alice := store.addActor(domain.KindUser, "alice")
	alice.DisplayName = "Alice"
	alice.Summary = "bio"
	router := newTestServer(store).Router()

	w, body := get(t, router, "/u/alice")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if body["type"] != "Person" || body["preferredUsername"] != "alice" || body["name"] != "Alice" {
		t.Fatalf("doc = %v", body)
	}
	if body["manuallyApprovesFollowers"] != false {
		t.Fatal("user document should expose manuallyApprovesFollowers")
	}
	key := body["publicKey"].(map[string]any)
	if key["id"] != alice.ProfileURI+"#main-key" || key["publicKeyPem"] != alice.PublicKeyPem {
		t.Fatalf("publicKey = %v", key)
	}
	endpoints := body["endpoints"].(map[string]any)
	if endpoints["sharedInbox"] != "https://local.example/inbox" {
		t.Fatalf("sharedInbox = %v", endpoints["sharedInbox"])
	}
}

func TestActorDocumentCommunity(t *testing.T) {
	store := newFakeWebStore()
	store.addActor(domain.KindCommunity, "golang")
	router := newTestServer(store).Router()

	w, body := get(t, router, "/c/golang")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if body["type"] != "Group" {
		t.Fatalf("type = %v", body["type"])
	}
	if body["moderators"] != "https://local.example/c/golang/moderators" {
		t.Fatalf("moderators = %v", body["moderators"])
	}
	if _, ok := body["manuallyApprovesFollowers"]; ok {
		t.Fatal("community document should not carry the user-only fields")
	}
}

func TestActorDocumentMissingAndBanned(t *testing.T) {
	store := newFakeWebStore()
	banned := store.addActor(domain.KindUser, "troll")
	banned.Banned = true
	deleted := store.addActor(domain.KindUser, "ghost")
	deleted.Deleted = true
	router := newTestServer(store).Router()

	w, _ := get(t, router, "/u/nobody")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing actor: code = %d", w.Code)
	}
	w, _ = get(t, router, "/u/troll")
	if w.Code != http.StatusGone {
		t.Fatalf("banned actor: code = %d, want 410", w.Code)
	}
	w, _ = get(t, router, "/u/ghost")
	if w.Code != http.StatusNotFound {
		t.Fatalf("deleted actor: code = %d, want 404", w.Code)
	}
}

func TestActorKindNamespacesAreSeparate(t *testing.T) {
	store := newFakeWebStore()
	store.addActor(domain.KindUser, "alice")
	router := newTestServer(store).Router()

	w, _ := get(t, router, "/c/alice")
	if w.Code != http.StatusNotFound {
		t.Fatalf("code = %d, a user must not answer under /c", w.Code)
	}
}

func TestFollowersCollection(t *testing.T) {
	store := newFakeWebStore()
	store.addActor(domain.KindCommunity, "golang")
	store.followers = 42
	router := newTestServer(store).Router()

	w, body := get(t, router, "/c/golang/followers")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if body["type"] != "OrderedCollection" || body["totalItems"] != float64(42) {
		t.Fatalf("collection = %v", body)
	}
	if items := body["orderedItems"].([]any); len(items) != 0 {
		t.Fatal("follower identities must stay private")
	}
}

func TestModeratorsCollection(t *testing.T) {
	store := newFakeWebStore()
	store.addActor(domain.KindCommunity, "golang")
	store.moderators = []string{"https://remote.example/u/mod/inbox"}
	router := newTestServer(store).Router()

	w, body := get(t, router, "/c/golang/moderators")
	if w.Code != http.StatusOK || body["totalItems"] != float64(1) {
		t.Fatalf("code = %d body = %v", w.Code, body)
	}
}

func TestOutboxEmpty(t *testing.T) {
	store := newFakeWebStore()
	store.addActor(domain.KindUser, "alice")
	router := newTestServer(store).Router()

	w, body := get(t, router, "/u/alice/outbox")
	if w.Code != http.StatusOK || body["totalItems"] != float64(0) {
		t.Fatalf("code = %d body = %v", w.Code, body)
	}
	if body["id"] != "https://local.example/u/alice/outbox" {
		t.Fatalf("id = %v", body["id"])
	}
}

func TestNodeinfo(t *testing.T) {
	router := newTestServer(newFakeWebStore()).Router()

	w, body := get(t, router, "/.well-known/nodeinfo")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	link := body["links"].([]any)[0].(map[string]any)
	if link["href"] != "https://local.example/nodeinfo/2.0" {
		t.Fatalf("href = %v", link["href"])
	}

	w, body = get(t, router, "/nodeinfo/2.0")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	software := body["software"].(map[string]any)
	if software["name"] != "pikefed" {
		t.Fatalf("software = %v", software)
	}
}

func TestModlogEndpoint(t *testing.T) {
	store := newFakeWebStore()
	store.modlog = []domain.ModlogEntry{
		{Id: uuid.New(), Action: "ban", ActorURI: "a", TargetURI: "t", Scope: "site", CreatedAt: time.Now()},
		{Id: uuid.New(), Action: "lock", ActorURI: "a", TargetURI: "p", Scope: "c", CreatedAt: time.Now()},
	}
	router := newTestServer(store).Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/modlog", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var entries []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0]["action"] != "ban" {
		t.Fatalf("entries = %v", entries)
	}
}

func TestInboxBodyTooLarge(t *testing.T) {
	router := newTestServer(newFakeWebStore()).Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader(strings.Repeat("x", 2048)))
	req.Header.Set("Content-Type", "application/activity+json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("code = %d, want 413", w.Code)
	}
}
