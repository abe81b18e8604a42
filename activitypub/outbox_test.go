package activitypub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pikefed/pikefed/domain"
)

func TestStripTransient(t *testing.T) {
	out := stripTransient(JSONObject{
		"id":        "https://remote.example/activities/1",
		"type":      "Create",
		"signature": map[string]any{"type": "RsaSignature2017"},
		"bto":       []any{"https://remote.example/u/hidden"},
		"bcc":       []any{"https://remote.example/u/hidden"},
	})
	for _, key := range []string{"signature", "bto", "bcc"} {
		if _, ok := out[key]; ok {
			t.Errorf("%s should be stripped", key)
		}
	}
	if out["id"] != "https://remote.example/activities/1" {
		t.Fatal("payload fields must survive")
	}
}

func TestBuildAnnounce(t *testing.T) {
	fed := newTestFederator(newFakeStore())
	community := &domain.Actor{ProfileURI: "https://local.example/c/golang"}

	announce := fed.buildAnnounce(community, map[string]any{"id": "x", "type": "Create"})
	if announce["type"] != "Announce" || announce["actor"] != community.ProfileURI {
		t.Fatalf("announce = %v", announce)
	}
	to := announce["to"].([]any)
	if len(to) != 1 || to[0] != publicAudience {
		t.Fatalf("to = %v", to)
	}
	cc := announce["cc"].([]any)
	if len(cc) != 1 || cc[0] != community.ProfileURI+"/followers" {
		t.Fatalf("cc = %v", cc)
	}
}

func subscribedInstance(store *fakeStore, community *domain.Actor, dom string) *domain.Instance {
	inst := &domain.Instance{
		Id: uuid.New(), Domain: dom,
		InboxURI: "https://" + dom + "/inbox", Online: true,
		VoteWeight: 1, LastSeenAt: time.Now(), CreatedAt: time.Now(),
	}
	store.CreateInstance(inst)
	follower := seedRemoteUser(store, "https://"+dom+"/u/follower")
	store.CreateFollow(&domain.Follow{
		Id: uuid.New(), AccountId: follower.Id, TargetAccountId: community.Id,
		URI: "https://" + dom + "/activities/follow/1", Accepted: true, CreatedAt: time.Now(),
	})
	return inst
}

func TestAnnounceToSubscribersBatchesPerInstance(t *testing.T) {
	store := newFakeStore()
	fed := newTestFederator(store)
	community := seedLocalCommunity(store, "golang")
	subscribedInstance(store, community, "peer1.example")
	gone := subscribedInstance(store, community, "peer2.example")
	gone.GoneForever = true

	fed.announceToSubscribers(context.Background(), community, JSONObject{
		"id":     "https://remote.example/activities/create/1",
		"type":   "Create",
		"actor":  "https://remote.example/u/alice",
		"object": map[string]any{"id": "https://remote.example/p/1", "type": "Page"},
	})

	if len(store.batches) != 1 {
		t.Fatalf("batches = %d, want 1 (gone instance excluded)", len(store.batches))
	}

	var payload []map[string]any
	if err := json.Unmarshal([]byte(store.batches[0].PayloadJSON), &payload); err != nil {
		t.Fatal(err)
	}
	announce := payload[0]
	if announce["type"] != "Announce" || announce["actor"] != community.ProfileURI {
		t.Fatalf("batched activity = %v", announce)
	}
	if _, ok := announce["signature"]; !ok {
		t.Fatal("batched announce must carry a linked-data signature")
	}
}

func TestAnnounceToSubscribersReachesDormantInstance(t *testing.T) {
	store := newFakeStore()
	fed := newTestFederator(store)
	community := seedLocalCommunity(store, "golang")
	sleepy := subscribedInstance(store, community, "sleepy.example")
	sleepy.Dormant = true
	sleepy.Online = false

	fed.announceToSubscribers(context.Background(), community, JSONObject{
		"id":     "https://remote.example/activities/create/2",
		"type":   "Create",
		"actor":  "https://remote.example/u/alice",
		"object": map[string]any{"id": "https://remote.example/p/2", "type": "Page"},
	})

	// A dormant peer wakes up through a successful delivery, so new content
	// still goes out to it.
	if len(store.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(store.batches))
	}
	if store.batches[0].InstanceId != sleepy.Id {
		t.Fatal("batch must target the dormant instance")
	}
}

func TestRespondToFollowNeedsLocalSigner(t *testing.T) {
	store := newFakeStore()
	fed := newTestFederator(store)
	remote := seedRemoteUser(store, "https://remote.example/u/target")
	follower := seedRemoteUser(store, "https://other.example/u/alice")

	fed.SendAccept(remote, follower, JSONObject{"id": "x", "type": "Follow"})
	if store.sendCount() != 0 {
		t.Fatal("a remote actor has no signing key here, nothing should be queued")
	}
}

func TestForwardToInboxes(t *testing.T) {
	store := newFakeStore()
	fed := newTestFederator(store)
	community := seedLocalCommunity(store, "golang")

	fed.forwardToInboxes(community, []string{
		"https://peer1.example/u/mod1/inbox",
		"https://peer2.example/u/mod2/inbox",
	}, JSONObject{"id": "flag1", "type": "Flag", "signature": map[string]any{}})

	if store.sendCount() != 2 {
		t.Fatalf("queued sends = %d, want 2", store.sendCount())
	}
	var forwarded map[string]any
	if err := json.Unmarshal([]byte(store.sends[0].ActivityJSON), &forwarded); err != nil {
		t.Fatal(err)
	}
	if _, ok := forwarded["signature"]; ok {
		t.Fatal("stale signature must not be forwarded")
	}
}
