package activitypub

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pikefed/pikefed/domain"
)

// stubTransport answers every request from a queue of canned statuses and
// records what was sent.
type stubTransport struct {
	mu       sync.Mutex
	statuses []int
	requests []*http.Request
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	status := http.StatusOK
	if len(s.statuses) > 0 {
		status = s.statuses[0]
		s.statuses = s.statuses[1:]
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func (s *stubTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// newDeliveryFederator wires a federator whose HTTP layer is fully stubbed:
// hostnames resolve to a public address and requests hit the stub transport.
func newDeliveryFederator(store *fakeStore, statuses ...int) (*Federator, *stubTransport) {
	fed := newTestFederator(store)
	transport := &stubTransport{statuses: statuses}
	fed.client = &http.Client{Transport: transport}
	fed.guard.LookupIP = func(host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}
	return fed, transport
}

func queuedItem(store *fakeStore, inboxURI string) *domain.SendQueueItem {
	item := &domain.SendQueueItem{
		Id:            uuid.New(),
		InboxURI:      inboxURI,
		ActorKeyId:    "https://local.example/c/golang#main-key",
		PrivateKeyPem: mustKeypair().Private,
		ActivityJSON:  `{"type":"Accept"}`,
		SendAfter:     time.Now().Add(-time.Second),
		CreatedAt:     time.Now(),
	}
	store.EnqueueSend(item)
	return item
}

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{3, 480 * time.Second},
		{8, 4 * time.Hour},
		{100, 4 * time.Hour},
	}
	for _, c := range cases {
		if got := backoffDelay(c.attempts); got != c.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", c.attempts, got, c.want)
		}
	}
}

func TestStatusClassification(t *testing.T) {
	for _, status := range []int{410, 418} {
		if !goneStatus(status) {
			t.Errorf("%d should be terminal", status)
		}
	}
	for _, status := range []int{0, 429, 500, 502, 503} {
		if !retryableStatus(status) {
			t.Errorf("%d should be retryable", status)
		}
	}
	for _, status := range []int{200, 400, 401, 403, 404, 410, 422} {
		if retryableStatus(status) {
			t.Errorf("%d should not be retryable", status)
		}
	}
}

func TestAttemptSendSuccess(t *testing.T) {
	store := newFakeStore()
	fed, transport := newDeliveryFederator(store, 202)
	item := queuedItem(store, "https://peer.example/inbox")

	fed.attemptSend(*item)

	if store.sendCount() != 0 {
		t.Fatal("delivered item should be deleted")
	}
	if transport.calls() != 1 {
		t.Fatalf("calls = %d", transport.calls())
	}
	req := transport.requests[0]
	sig := req.Header.Get("Signature")
	if sig == "" {
		t.Fatal("outbound POST must be signed")
	}
	// The signature covers the host pseudo-header; without the header set
	// the signer cannot produce it at all.
	if req.Header.Get("Host") != "peer.example" {
		t.Fatalf("host header = %q", req.Header.Get("Host"))
	}
	if !strings.Contains(sig, "host") {
		t.Fatalf("signature does not cover host: %q", sig)
	}
	if !strings.Contains(req.Header.Get("Content-Type"), "application/ld+json") {
		t.Fatalf("content type = %q", req.Header.Get("Content-Type"))
	}
	_, inst := store.FindInstanceByDomain("peer.example")
	if inst == nil || !inst.Online || inst.FailureCount != 0 {
		t.Fatalf("instance health = %+v", inst)
	}
}

func TestAttemptSendRetryable(t *testing.T) {
	store := newFakeStore()
	fed, _ := newDeliveryFederator(store, 503)
	item := queuedItem(store, "https://peer.example/inbox")

	before := time.Now()
	fed.attemptSend(*item)

	if store.sendCount() != 1 {
		t.Fatal("retryable failure must keep the item queued")
	}
	kept := store.sends[0]
	if kept.Attempts != 1 {
		t.Fatalf("attempts = %d", kept.Attempts)
	}
	if kept.SendAfter.Before(before.Add(59 * time.Second)) {
		t.Fatalf("sendAfter %v not pushed out by the backoff", kept.SendAfter)
	}
	_, inst := store.FindInstanceByDomain("peer.example")
	if inst == nil || inst.FailureCount != 1 {
		t.Fatalf("instance failure count = %+v", inst)
	}
}

// errorTransport fails every request before anything reaches the peer.
type errorTransport struct{}

func (errorTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func TestAttemptSendLocalFailureKeepsItem(t *testing.T) {
	store := newFakeStore()
	fed, _ := newDeliveryFederator(store)
	fed.client = &http.Client{Transport: errorTransport{}}
	item := queuedItem(store, "https://peer.example/inbox")

	fed.attemptSend(*item)

	if store.sendCount() != 1 {
		t.Fatal("an item that never reached the peer must stay queued")
	}
	if store.sends[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", store.sends[0].Attempts)
	}
}

func TestAttemptSendGonePurgesDomain(t *testing.T) {
	store := newFakeStore()
	fed, _ := newDeliveryFederator(store, 410)
	item := queuedItem(store, "https://peer.example/inbox")
	queuedItem(store, "https://peer.example/u/alice/inbox")
	other := queuedItem(store, "https://elsewhere.example/inbox")

	fed.attemptSend(*item)

	if store.sendCount() != 1 || store.sends[0].Id != other.Id {
		t.Fatalf("queue after purge = %d items", store.sendCount())
	}
	_, inst := store.FindInstanceByDomain("peer.example")
	if inst == nil || !inst.GoneForever || inst.Online {
		t.Fatalf("instance = %+v, want gone forever", inst)
	}
}

func TestAttemptSendHardRefusalDrops(t *testing.T) {
	store := newFakeStore()
	fed, _ := newDeliveryFederator(store, 403)
	item := queuedItem(store, "https://peer.example/inbox")

	fed.attemptSend(*item)

	if store.sendCount() != 0 {
		t.Fatal("hard 4xx must drop the item")
	}
	_, inst := store.FindInstanceByDomain("peer.example")
	if inst != nil && inst.GoneForever {
		t.Fatal("403 is not terminal for the instance")
	}
}

func TestAttemptSendUnusableKeyDrops(t *testing.T) {
	store := newFakeStore()
	fed, transport := newDeliveryFederator(store, 200)
	item := queuedItem(store, "https://peer.example/inbox")
	item.PrivateKeyPem = "not a key"

	fed.attemptSend(*item)

	if store.sendCount() != 0 {
		t.Fatal("item with unusable key must be dropped")
	}
	if transport.calls() != 0 {
		t.Fatal("no request should be made without a key")
	}
}

func TestOfflineThreshold(t *testing.T) {
	store := newFakeStore()
	fed, _ := newDeliveryFederator(store)

	for i := 0; i < offlineThreshold; i++ {
		fed.noteDeliveryFailure("peer.example")
	}
	_, inst := store.FindInstanceByDomain("peer.example")
	if inst == nil || inst.Online {
		t.Fatalf("instance should be offline after %d failures: %+v", offlineThreshold, inst)
	}
}

func TestFlushBatchSpillsOnFailure(t *testing.T) {
	store := newFakeStore()
	// First activity lands, second hits a 500; it and the third spill over.
	fed, transport := newDeliveryFederator(store, 200, 500)
	community := seedLocalCommunity(store, "golang")
	inst := &domain.Instance{
		Id: uuid.New(), Domain: "peer.example",
		InboxURI: "https://peer.example/inbox", Online: true,
		VoteWeight: 1, LastSeenAt: time.Now(), CreatedAt: time.Now(),
	}
	store.CreateInstance(inst)

	payload, _ := json.Marshal([]map[string]any{
		{"id": "a1", "type": "Announce"},
		{"id": "a2", "type": "Announce"},
		{"id": "a3", "type": "Announce"},
	})
	batch := domain.ActivityBatch{
		Id: uuid.New(), InstanceId: inst.Id, CommunityId: community.Id,
		PayloadJSON: string(payload), CreatedAt: time.Now(),
	}
	store.batches = append(store.batches, &batch)

	fed.flushBatch(batch)

	if len(store.batches) != 0 {
		t.Fatal("batch row must be consumed")
	}
	if transport.calls() != 2 {
		t.Fatalf("calls = %d, want 2", transport.calls())
	}
	if store.sendCount() != 2 {
		t.Fatalf("spilled items = %d, want 2", store.sendCount())
	}
	for _, item := range store.sends {
		if item.Attempts != 1 || !item.SendAfter.After(time.Now()) {
			t.Fatalf("spilled item = %+v", item)
		}
	}
}

func TestFlushBatchGoneStopsEverything(t *testing.T) {
	store := newFakeStore()
	fed, transport := newDeliveryFederator(store, 410)
	community := seedLocalCommunity(store, "golang")
	inst := &domain.Instance{
		Id: uuid.New(), Domain: "peer.example",
		InboxURI: "https://peer.example/inbox", Online: true,
		VoteWeight: 1, LastSeenAt: time.Now(), CreatedAt: time.Now(),
	}
	store.CreateInstance(inst)

	payload, _ := json.Marshal([]map[string]any{
		{"id": "a1", "type": "Announce"},
		{"id": "a2", "type": "Announce"},
	})
	batch := domain.ActivityBatch{
		Id: uuid.New(), InstanceId: inst.Id, CommunityId: community.Id,
		PayloadJSON: string(payload), CreatedAt: time.Now(),
	}
	store.batches = append(store.batches, &batch)

	fed.flushBatch(batch)

	if transport.calls() != 1 {
		t.Fatalf("calls = %d, gone must stop the batch", transport.calls())
	}
	if store.sendCount() != 0 {
		t.Fatal("nothing may be queued for a gone instance")
	}
	_, got := store.FindInstanceByDomain("peer.example")
	if got == nil || !got.GoneForever {
		t.Fatalf("instance = %+v, want gone forever", got)
	}
}

func TestFlushBatchSkipsGoneInstance(t *testing.T) {
	store := newFakeStore()
	fed, transport := newDeliveryFederator(store, 200)
	community := seedLocalCommunity(store, "golang")
	inst := &domain.Instance{
		Id: uuid.New(), Domain: "peer.example",
		InboxURI: "https://peer.example/inbox", GoneForever: true,
		VoteWeight: 1, LastSeenAt: time.Now(), CreatedAt: time.Now(),
	}
	store.CreateInstance(inst)

	batch := domain.ActivityBatch{
		Id: uuid.New(), InstanceId: inst.Id, CommunityId: community.Id,
		PayloadJSON: `[{"id":"a1"}]`, CreatedAt: time.Now(),
	}
	store.batches = append(store.batches, &batch)

	fed.flushBatch(batch)

	if transport.calls() != 0 {
		t.Fatal("gone instance must not be contacted")
	}
	if len(store.batches) != 0 {
		t.Fatal("batch row must still be consumed")
	}
}
