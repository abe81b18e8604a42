package activitypub

import (
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pikefed/pikefed/domain"
	"github.com/pikefed/pikefed/kv"
	"github.com/pikefed/pikefed/util"
)

// fakeStore is an in-memory Store for federator tests.
type fakeStore struct {
	mu         sync.Mutex
	actors     map[string]*domain.Actor // by lowercased profile URI
	instances  map[string]*domain.Instance
	entities   map[string]*domain.Entity
	votes      map[string]*domain.Vote // actor|object
	follows    map[string]*domain.Follow
	moderators map[string]bool // community|actor
	admins     map[uuid.UUID]bool
	bans       map[string]bool // uri|scope
	reports    []*domain.Report
	modlog     []*domain.ModlogEntry
	sends      []*domain.SendQueueItem
	batches    []*domain.ActivityBatch
	notifies   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		actors:     make(map[string]*domain.Actor),
		instances:  make(map[string]*domain.Instance),
		entities:   make(map[string]*domain.Entity),
		votes:      make(map[string]*domain.Vote),
		follows:    make(map[string]*domain.Follow),
		moderators: make(map[string]bool),
		admins:     make(map[uuid.UUID]bool),
		bans:       make(map[string]bool),
	}
}

func (s *fakeStore) FindActorByURL(uri string) (error, *domain.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actors[strings.ToLower(uri)]; ok {
		return nil, a
	}
	return sql.ErrNoRows, nil
}

func (s *fakeStore) FindActorById(id uuid.UUID) (error, *domain.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actors {
		if a.Id == id {
			return nil, a
		}
	}
	return sql.ErrNoRows, nil
}

func (s *fakeStore) FindActorByURLKinds(uri string, kinds ...domain.ActorKind) (error, *domain.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[strings.ToLower(uri)]
	if !ok {
		return sql.ErrNoRows, nil
	}
	for _, k := range kinds {
		if a.Kind == k {
			return nil, a
		}
	}
	return sql.ErrNoRows, nil
}

func (s *fakeStore) FindLocalActor(kind domain.ActorKind, name string) (error, *domain.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actors {
		if a.Local() && a.Kind == kind && a.Name == name {
			return nil, a
		}
	}
	return sql.ErrNoRows, nil
}

func (s *fakeStore) FindUnbannedCommunityByURI(uri string) (error, *domain.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[strings.ToLower(uri)]
	if ok && a.Kind == domain.KindCommunity && !a.Banned && !a.Deleted {
		return nil, a
	}
	return sql.ErrNoRows, nil
}

func (s *fakeStore) CreateActor(a *domain.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actors[strings.ToLower(a.ProfileURI)] = a
	return nil
}

func (s *fakeStore) UpdateActor(a *domain.Actor) error {
	return s.CreateActor(a)
}

func (s *fakeStore) TombstoneActor(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actors[strings.ToLower(uri)]; ok {
		a.Deleted = true
		return nil
	}
	return sql.ErrNoRows
}

func (s *fakeStore) FindInstanceByDomain(dom string) (error, *domain.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.instances[strings.ToLower(dom)]; ok {
		return nil, i
	}
	return sql.ErrNoRows, nil
}

func (s *fakeStore) FindInstanceById(id uuid.UUID) (error, *domain.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range s.instances {
		if i.Id == id {
			return nil, i
		}
	}
	return sql.ErrNoRows, nil
}

func (s *fakeStore) CreateInstance(i *domain.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[strings.ToLower(i.Domain)] = i
	return nil
}

func (s *fakeStore) UpdateInstance(i *domain.Instance) error {
	return s.CreateInstance(i)
}

func (s *fakeStore) CreateOrUpdateEntity(e *domain.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(e.ObjectURI)
	if existing, ok := s.entities[key]; ok {
		existing.Title = e.Title
		existing.Body = e.Body
		existing.URL = e.URL
		existing.EditedAt = e.EditedAt
		return nil
	}
	s.entities[key] = e
	return nil
}

func (s *fakeStore) FindEntityByURI(uri string) (error, *domain.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[strings.ToLower(uri)]; ok {
		return nil, e
	}
	return sql.ErrNoRows, nil
}

func (s *fakeStore) SetEntityDeleted(uri string, deleted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[strings.ToLower(uri)]; ok {
		e.Deleted = deleted
		return nil
	}
	return sql.ErrNoRows
}

func (s *fakeStore) SetEntityLocked(uri string, locked, recursive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[strings.ToLower(uri)]
	if !ok {
		return sql.ErrNoRows
	}
	e.Locked = locked
	if recursive {
		for _, child := range s.entities {
			if strings.EqualFold(child.InReplyToURI, e.ObjectURI) {
				child.Locked = locked
			}
		}
	}
	return nil
}

func (s *fakeStore) SetEntityFeatured(uri string, featured bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[strings.ToLower(uri)]; ok {
		return nil
	}
	return sql.ErrNoRows
}

func (s *fakeStore) RecordVote(v *domain.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes[strings.ToLower(v.ActorURI+"|"+v.ObjectURI)] = v
	return nil
}

func (s *fakeStore) RemoveVote(actorURI, objectURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(actorURI + "|" + objectURI)
	if _, ok := s.votes[key]; !ok {
		return sql.ErrNoRows
	}
	delete(s.votes, key)
	return nil
}

func (s *fakeStore) CreateFollow(f *domain.Follow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.follows[f.URI] = f
	return nil
}

func (s *fakeStore) FindFollowByURI(uri string) (error, *domain.Follow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.follows[uri]; ok {
		return nil, f
	}
	return sql.ErrNoRows, nil
}

func (s *fakeStore) FindFollowByActors(accountId, targetId uuid.UUID) (error, *domain.Follow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.follows {
		if f.AccountId == accountId && f.TargetAccountId == targetId {
			return nil, f
		}
	}
	return sql.ErrNoRows, nil
}

func (s *fakeStore) AcceptFollowByURI(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.follows[uri]; ok {
		f.Accepted = true
		f.Pending = false
		return nil
	}
	return sql.ErrNoRows
}

func (s *fakeStore) DeleteFollowByURI(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.follows[uri]; !ok {
		return sql.ErrNoRows
	}
	delete(s.follows, uri)
	return nil
}

func (s *fakeStore) DeleteFollowByActors(accountId, targetId uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uri, f := range s.follows {
		if f.AccountId == accountId && f.TargetAccountId == targetId {
			delete(s.follows, uri)
			return nil
		}
	}
	return sql.ErrNoRows
}

func (s *fakeStore) SubscriberInstances(actorId uuid.UUID) (error, *[]domain.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Instance
	for _, f := range s.follows {
		if f.TargetAccountId != actorId || !f.Accepted {
			continue
		}
		for _, a := range s.actors {
			if a.Id != f.AccountId || a.Local() {
				continue
			}
			if inst, ok := s.instances[a.Domain]; ok && !inst.GoneForever {
				out = append(out, *inst)
			}
		}
	}
	return nil, &out
}

func (s *fakeStore) CountFollowers(actorId uuid.UUID) (error, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.follows {
		if f.TargetAccountId == actorId && f.Accepted {
			n++
		}
	}
	return nil, n
}

func (s *fakeStore) IsModerator(actorId, communityId uuid.UUID) (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nil, s.moderators[communityId.String()+"|"+actorId.String()]
}

func (s *fakeStore) IsAdmin(actorId uuid.UUID) (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nil, s.admins[actorId]
}

func (s *fakeStore) AddModerator(communityId, actorId uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moderators[communityId.String()+"|"+actorId.String()] = true
	return nil
}

func (s *fakeStore) RemoveModerator(communityId, actorId uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.moderators, communityId.String()+"|"+actorId.String())
	return nil
}

func (s *fakeStore) SetActorBanned(uri, scope string, banned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scope == "site" {
		if a, ok := s.actors[strings.ToLower(uri)]; ok {
			a.Banned = banned
		}
		return nil
	}
	s.bans[strings.ToLower(uri)+"|"+scope] = banned
	return nil
}

func (s *fakeStore) CreateReport(r *domain.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *fakeStore) CreateModlogEntry(m *domain.ModlogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modlog = append(s.modlog, m)
	return nil
}

func (s *fakeStore) ModeratorInboxes(communityId uuid.UUID) (error, *[]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for key := range s.moderators {
		parts := strings.SplitN(key, "|", 2)
		if parts[0] != communityId.String() {
			continue
		}
		for _, a := range s.actors {
			if a.Id.String() == parts[1] && !a.Local() {
				out = append(out, a.InboxURI)
			}
		}
	}
	return nil, &out
}

func (s *fakeStore) EnqueueSend(item *domain.SendQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, item)
	return nil
}

func (s *fakeStore) PendingSends(limit int) (error, *[]domain.SendQueueItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SendQueueItem
	for _, item := range s.sends {
		if len(out) >= limit {
			break
		}
		out = append(out, *item)
	}
	return nil, &out
}

func (s *fakeStore) UpdateSendAttempt(id uuid.UUID, attempts int, reason string, sendAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.sends {
		if item.Id == id {
			item.Attempts = attempts
			item.RetryReason = reason
			item.SendAfter = sendAfter
			return nil
		}
	}
	return sql.ErrNoRows
}

func (s *fakeStore) DeleteSend(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.sends {
		if item.Id == id {
			s.sends = append(s.sends[:i], s.sends[i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

func (s *fakeStore) DeleteSendsForDomain(dom string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*domain.SendQueueItem
	for _, item := range s.sends {
		if !strings.Contains(item.InboxURI, "://"+dom+"/") {
			kept = append(kept, item)
		}
	}
	s.sends = kept
	return nil
}

func (s *fakeStore) AppendToBatch(instanceId, communityId uuid.UUID, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, &domain.ActivityBatch{
		Id:          uuid.New(),
		InstanceId:  instanceId,
		CommunityId: communityId,
		PayloadJSON: "[" + payload + "]",
		CreatedAt:   time.Now(),
	})
	return nil
}

func (s *fakeStore) DrainBatches(limit int) (error, *[]domain.ActivityBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ActivityBatch
	for _, b := range s.batches {
		if len(out) >= limit {
			break
		}
		out = append(out, *b)
	}
	return nil, &out
}

func (s *fakeStore) DeleteBatch(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.batches {
		if b.Id == id {
			s.batches = append(s.batches[:i], s.batches[i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

func (s *fakeStore) EnqueueNotification(actorId uuid.UUID, kind, objectURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifies++
	return nil
}

func (s *fakeStore) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

// testConf builds a config for the test federator.
func testConf() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.SslDomain = "local.example"
	conf.Conf.RequireHttps = true
	conf.Federation = util.FederationConfig{Workers: 1}
	conf.Federation.MaxBodyBytes = 1_000_000
	applyTestDefaults(&conf.Federation)
	return conf
}

func applyTestDefaults(f *util.FederationConfig) {
	f.AnnounceDepthMax = 2
	f.AnnouncesPerObject = 10
	f.ActorsPerInstanceHour = 100
	f.ActorsPerInstanceDay = 1000
	f.ActorsGlobalHour = 2000
	f.VotesPerActorHour = 120
	f.DormantAfterDays = 30
}

// newTestFederator wires a federator with the fake store and the in-memory
// kv store. No workers are started; inbox processing is synchronous.
func newTestFederator(store *fakeStore) *Federator {
	return NewFederator(store, kv.NewMemoryStore(), testConf(), zap.NewNop())
}

// Key generation is expensive; one pair serves all tests.
var (
	testKeypairOnce sync.Once
	testKeypair     *util.RsaKeyPair
)

func mustKeypair() *util.RsaKeyPair {
	testKeypairOnce.Do(func() {
		testKeypair = util.GeneratePemKeypair()
	})
	return testKeypair
}
