package activitypub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pikefed/pikefed/domain"
	"github.com/pikefed/pikefed/kv"
	"github.com/pikefed/pikefed/util"
)

// Store is the persistence collaborator. The federation engine reads and
// mutates domain state only through this interface; the sqlite
// implementation lives in the db package. Read methods keep the
// (error, value) return shape used throughout the store layer.
type Store interface {
	// Actors
	FindActorByURL(profileURI string) (error, *domain.Actor)
	FindActorById(id uuid.UUID) (error, *domain.Actor)
	FindActorByURLKinds(profileURI string, kinds ...domain.ActorKind) (error, *domain.Actor)
	FindLocalActor(kind domain.ActorKind, name string) (error, *domain.Actor)
	FindUnbannedCommunityByURI(profileURI string) (error, *domain.Actor)
	CreateActor(actor *domain.Actor) error
	UpdateActor(actor *domain.Actor) error
	TombstoneActor(profileURI string) error

	// Instances
	FindInstanceByDomain(dom string) (error, *domain.Instance)
	FindInstanceById(id uuid.UUID) (error, *domain.Instance)
	CreateInstance(inst *domain.Instance) error
	UpdateInstance(inst *domain.Instance) error

	// Entities
	CreateOrUpdateEntity(e *domain.Entity) error
	FindEntityByURI(objectURI string) (error, *domain.Entity)
	SetEntityDeleted(objectURI string, deleted bool) error
	SetEntityLocked(objectURI string, locked bool, recursive bool) error
	SetEntityFeatured(objectURI string, featured bool) error

	// Votes
	RecordVote(v *domain.Vote) error
	RemoveVote(actorURI, objectURI string) error

	// Follows
	CreateFollow(f *domain.Follow) error
	FindFollowByURI(uri string) (error, *domain.Follow)
	FindFollowByActors(accountId, targetAccountId uuid.UUID) (error, *domain.Follow)
	AcceptFollowByURI(uri string) error
	DeleteFollowByURI(uri string) error
	DeleteFollowByActors(accountId, targetAccountId uuid.UUID) error
	SubscriberInstances(actorId uuid.UUID) (error, *[]domain.Instance)
	CountFollowers(actorId uuid.UUID) (error, int)

	// Moderation
	IsModerator(actorId, communityId uuid.UUID) (error, bool)
	IsAdmin(actorId uuid.UUID) (error, bool)
	AddModerator(communityId, actorId uuid.UUID) error
	RemoveModerator(communityId, actorId uuid.UUID) error
	SetActorBanned(profileURI, scope string, banned bool) error
	CreateReport(r *domain.Report) error
	CreateModlogEntry(m *domain.ModlogEntry) error
	ModeratorInboxes(communityId uuid.UUID) (error, *[]string)

	// Outbound queue
	EnqueueSend(item *domain.SendQueueItem) error
	PendingSends(limit int) (error, *[]domain.SendQueueItem)
	UpdateSendAttempt(id uuid.UUID, attempts int, reason string, sendAfter time.Time) error
	DeleteSend(id uuid.UUID) error
	DeleteSendsForDomain(dom string) error

	// Announce batches
	AppendToBatch(instanceId, communityId uuid.UUID, payload string) error
	DrainBatches(limit int) (error, *[]domain.ActivityBatch)
	DeleteBatch(id uuid.UUID) error

	// Notifications
	EnqueueNotification(actorId uuid.UUID, kind, objectURI string) error
}

// Federator is the federation engine: inbox dispatch, signature handling,
// actor resolution and outbound delivery, glued to its collaborators.
type Federator struct {
	store  Store
	kv     kv.Store
	conf   *util.AppConfig
	log    *zap.Logger
	client *http.Client
	guard  *URIGuard
	limits DecodeLimits

	handlers map[routeKey]handlerFunc

	jobs         chan func()
	deliveryKick chan struct{}
	stop         chan struct{}
	wg           sync.WaitGroup
}

func NewFederator(store Store, kvs kv.Store, conf *util.AppConfig, logger *zap.Logger) *Federator {
	f := &Federator{
		store:  store,
		kv:     kvs,
		conf:   conf,
		log:    logger,
		client: &http.Client{Timeout: 30 * time.Second},
		guard:  NewURIGuard(conf.Conf.RequireHttps),
		limits: DefaultDecodeLimits(),

		jobs:         make(chan func(), 256),
		deliveryKick: make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
	f.limits.MaxSize = int(conf.Federation.MaxBodyBytes)
	f.registerHandlers()
	return f
}

// Start launches the worker pools: inbound job workers, the outbound queue
// drainer and the announce batch flusher.
func (f *Federator) Start() {
	for i := 0; i < f.conf.Federation.Workers; i++ {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			for {
				select {
				case job := <-f.jobs:
					job()
				case <-f.stop:
					return
				}
			}
		}()
	}
	f.startDeliveryWorker()
	f.startBatchFlusher()
}

func (f *Federator) Stop() {
	close(f.stop)
	f.wg.Wait()
}

// enqueueJob hands work to the pool; if the pool is saturated the job runs
// inline so nothing is silently dropped.
func (f *Federator) enqueueJob(job func()) {
	select {
	case f.jobs <- job:
	default:
		job()
	}
}

// Domain returns the local server's domain.
func (f *Federator) Domain() string {
	return f.conf.Conf.SslDomain
}

// LocalActorURI builds the canonical profile URI for a local actor.
func (f *Federator) LocalActorURI(kind domain.ActorKind, name string) string {
	var prefix string
	switch kind {
	case domain.KindCommunity:
		prefix = "c"
	case domain.KindFeed:
		prefix = "f"
	default:
		prefix = "u"
	}
	return fmt.Sprintf("https://%s/%s/%s", f.Domain(), prefix, name)
}

// KeyId returns the signing key id for an actor.
func KeyId(actor *domain.Actor) string {
	return actor.ProfileURI + "#main-key"
}

// NewActivityId mints a local activity id.
func (f *Federator) NewActivityId() string {
	return fmt.Sprintf("https://%s/activities/%s", f.Domain(), uuid.New().String())
}

// isLocalURI reports whether the URI points at this server.
func (f *Federator) isLocalURI(uri string) bool {
	host := uriHost(uri)
	return strings.EqualFold(host, f.Domain())
}

var errLockTimeout = errors.New("timed out waiting for actor lock")

const (
	actorLockTTL  = 10 * time.Second
	actorLockWait = 6 * time.Second
)

// withActorLock serializes short mutations keyed by actor id. Two inbound
// requests from the same remote user race on the same row; the lock keeps
// partial updates from interleaving. Waits at most actorLockWait before
// giving up.
func (f *Federator) withActorLock(ctx context.Context, key string, fn func() error) error {
	lockKey := "lock:" + strings.ToLower(key)
	deadline := time.Now().Add(actorLockWait)
	for {
		ok, err := f.kv.SetIfAbsent(ctx, lockKey, actorLockTTL)
		if err != nil {
			return err
		}
		if ok {
			defer f.kv.Delete(ctx, lockKey)
			return fn()
		}
		if time.Now().After(deadline) {
			return errLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// touchInstance records a successful contact from a remote server. Health
// counters are serialized through the advisory lock.
func (f *Federator) touchInstance(ctx context.Context, inst *domain.Instance) {
	err := f.withActorLock(ctx, "instance:"+inst.Domain, func() error {
		inst.LastSeenAt = time.Now()
		inst.Online = true
		inst.Dormant = false
		inst.FailureCount = 0
		return f.store.UpdateInstance(inst)
	})
	if err != nil {
		f.log.Warn("instance health update failed",
			zap.String("instance", inst.Domain), zap.Error(err))
	}
}

// findOrCreateInstance returns the instance row for a domain, creating it
// lazily on first reference. Duplicate-key races are treated as success.
func (f *Federator) findOrCreateInstance(dom string) (*domain.Instance, error) {
	dom = strings.ToLower(dom)
	err, inst := f.store.FindInstanceByDomain(dom)
	if inst != nil {
		return inst, nil
	}
	if err != nil && !isNotFound(err) {
		return nil, err
	}

	inst = &domain.Instance{
		Id:         uuid.New(),
		Domain:     dom,
		InboxURI:   fmt.Sprintf("https://%s/inbox", dom),
		Online:     true,
		VoteWeight: 1.0,
		LastSeenAt: time.Now(),
		CreatedAt:  time.Now(),
	}
	if createErr := f.store.CreateInstance(inst); createErr != nil {
		// Lost the insert race; the row exists now.
		if err2, existing := f.store.FindInstanceByDomain(dom); existing != nil {
			return existing, nil
		} else if err2 != nil {
			return nil, createErr
		}
		return nil, createErr
	}
	f.scheduleInstanceMetadata(inst)
	return inst, nil
}

// securityEvent logs a rejected hostile input with enough context for
// rate-accounting. The peer only ever sees a generic status.
func (f *Federator) securityEvent(pattern, actorURI, instanceDomain string, fields ...zap.Field) {
	all := append([]zap.Field{
		zap.String("pattern", pattern),
		zap.String("actor", actorURI),
		zap.String("instance", instanceDomain),
	}, fields...)
	f.log.Warn("security violation", all...)
}

// IsNotFound reports whether a store read failed only because the row does
// not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isNotFound(err error) bool {
	return IsNotFound(err)
}

func uriHost(uri string) string {
	rest := uri
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
