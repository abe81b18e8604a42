package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pikefed/pikefed/domain"
)

const (
	deliveryInterval = 10 * time.Second
	flushInterval    = 30 * time.Second
	deliveryPageSize = 50
	batchPageSize    = 20

	baseRetryDelay = 60 * time.Second
	maxRetryDelay  = 4 * time.Hour

	// Consecutive failures before an instance is marked offline.
	offlineThreshold = 5
)

// backoffDelay returns the wait before the next attempt given the number of
// retries already made: 60s doubling each time, capped at 4h.
func backoffDelay(attempts int) time.Duration {
	d := baseRetryDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

// goneStatus reports a terminal HTTP status: the destination told us it will
// never accept anything again.
func goneStatus(status int) bool {
	return status == http.StatusGone || status == http.StatusTeapot
}

// retryableStatus reports a failure worth retrying. Network errors surface
// as status 0 from postActivity.
func retryableStatus(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

// kickDelivery nudges the delivery worker without blocking; the worker also
// wakes on its own tick.
func (f *Federator) kickDelivery() {
	select {
	case f.deliveryKick <- struct{}{}:
	default:
	}
}

// startDeliveryWorker drains the durable send queue: the sole writer of
// retry state and instance gone/offline flags.
func (f *Federator) startDeliveryWorker() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(deliveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-f.stop:
				return
			case <-ticker.C:
			case <-f.deliveryKick:
			}
			f.drainSendQueue()
		}
	}()
}

func (f *Federator) drainSendQueue() {
	err, items := f.store.PendingSends(deliveryPageSize)
	if err != nil {
		f.log.Error("send queue read failed", zap.Error(err))
		return
	}
	if items == nil {
		return
	}

	now := time.Now()
	for _, item := range *items {
		if item.SendAfter.After(now) {
			continue
		}
		select {
		case <-f.stop:
			return
		default:
		}
		f.attemptSend(item)
	}
}

func (f *Federator) attemptSend(item domain.SendQueueItem) {
	key, err := ParsePrivateKey(item.PrivateKeyPem)
	if err != nil {
		// The key will never become parseable; drop the item.
		f.log.Error("queued item has unusable key", zap.String("inbox", item.InboxURI), zap.Error(err))
		f.store.DeleteSend(item.Id)
		return
	}

	status, err := f.postActivity(item.InboxURI, item.ActorKeyId, key, []byte(item.ActivityJSON))
	dom := uriHost(item.InboxURI)

	switch {
	case err == nil && status >= 200 && status < 300:
		f.store.DeleteSend(item.Id)
		f.noteDeliverySuccess(dom)

	case goneStatus(status):
		f.log.Info("instance gone forever",
			zap.String("instance", dom), zap.Int("status", status))
		f.markGoneForever(dom)

	case retryableStatus(status):
		delay := backoffDelay(item.Attempts)
		reason := "network error"
		if err == nil || status != 0 {
			reason = http.StatusText(status)
		}
		if uerr := f.store.UpdateSendAttempt(item.Id, item.Attempts+1, reason, time.Now().Add(delay)); uerr != nil {
			f.log.Error("retry update failed", zap.String("inbox", item.InboxURI), zap.Error(uerr))
		}
		f.noteDeliveryFailure(dom)

	default:
		// Remaining 4xx (401, 403, 404, 422, ...): the payload is refused as
		// such, retrying the same bytes cannot succeed.
		f.log.Info("delivery refused, dropping",
			zap.String("inbox", item.InboxURI), zap.Int("status", status))
		f.store.DeleteSend(item.Id)
	}
}

// postActivity performs one signed POST. Returns 0 with an error when no
// response was received. The inbox URI is re-validated immediately before
// the connection is made.
func (f *Federator) postActivity(inboxURI, keyId string, key *rsa.PrivateKey, body []byte) (int, error) {
	validated, err := f.guard.Validate(inboxURI, URIContextActivityPub)
	if err != nil {
		f.securityEvent("unsafe delivery target", keyId, uriHost(inboxURI))
		return -1, err
	}

	req, err := http.NewRequest("POST", validated, bytes.NewReader(body))
	if err != nil {
		return -1, err
	}
	req.Header.Set("Content-Type", `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", userAgent())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	// The signature covers "host"; the signer reads it from the header map,
	// not from the URL, so it has to be present before signing.
	req.Header.Set("Host", req.URL.Host)

	if err := SignRequest(req, key, keyId, body); err != nil {
		// Local failure, nothing reached the wire; treat like a network
		// error so the item stays queued instead of being dropped.
		return 0, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, nil
}

// markGoneForever flags the instance terminally and purges everything queued
// for its domain. Nothing is ever enqueued for it again.
func (f *Federator) markGoneForever(dom string) {
	inst, err := f.findOrCreateInstance(dom)
	if err != nil {
		f.log.Error("gone-forever update failed", zap.String("instance", dom), zap.Error(err))
		return
	}
	lockErr := f.withActorLock(context.Background(), "instance:"+dom, func() error {
		inst.GoneForever = true
		inst.Online = false
		return f.store.UpdateInstance(inst)
	})
	if lockErr != nil {
		f.log.Error("gone-forever update failed", zap.String("instance", dom), zap.Error(lockErr))
	}
	if err := f.store.DeleteSendsForDomain(dom); err != nil {
		f.log.Error("queue purge failed", zap.String("instance", dom), zap.Error(err))
	}
}

func (f *Federator) noteDeliverySuccess(dom string) {
	inst, err := f.findOrCreateInstance(dom)
	if err != nil {
		return
	}
	f.touchInstance(context.Background(), inst)
}

// noteDeliveryFailure increments the failure counter; past the threshold the
// instance is marked offline, and after the configured quiet period dormant.
// Dormant and offline instances stop receiving announces, but any inbound
// contact revives them.
func (f *Federator) noteDeliveryFailure(dom string) {
	inst, err := f.findOrCreateInstance(dom)
	if err != nil {
		return
	}
	lockErr := f.withActorLock(context.Background(), "instance:"+dom, func() error {
		inst.FailureCount++
		if inst.FailureCount >= offlineThreshold {
			inst.Online = false
		}
		quiet := time.Duration(f.conf.Federation.DormantAfterDays) * 24 * time.Hour
		if quiet > 0 && time.Since(inst.LastSeenAt) > quiet {
			inst.Dormant = true
		}
		return f.store.UpdateInstance(inst)
	})
	if lockErr != nil {
		f.log.Warn("failure count update failed", zap.String("instance", dom), zap.Error(lockErr))
	}
}

// startBatchFlusher drains coalesced announce batches. Each batch holds every
// announce accumulated for one (instance, community) pair since the last
// flush; its activities go out sequentially over one connection.
func (f *Federator) startBatchFlusher() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-f.stop:
				return
			case <-ticker.C:
			}
			f.flushBatches()
		}
	}()
}

func (f *Federator) flushBatches() {
	err, batches := f.store.DrainBatches(batchPageSize)
	if err != nil {
		f.log.Error("batch read failed", zap.Error(err))
		return
	}
	if batches == nil {
		return
	}
	for _, batch := range *batches {
		f.flushBatch(batch)
	}
}

func (f *Federator) flushBatch(batch domain.ActivityBatch) {
	// The batch row is consumed regardless of outcome; failed activities
	// move to the send queue where the retry machinery owns them.
	defer f.store.DeleteBatch(batch.Id)

	err, inst := f.store.FindInstanceById(batch.InstanceId)
	if err != nil || inst == nil || inst.GoneForever {
		return
	}
	err, community := f.store.FindActorById(batch.CommunityId)
	if err != nil || community == nil || community.PrivateKeyPem == "" {
		return
	}
	key, err := ParsePrivateKey(community.PrivateKeyPem)
	if err != nil {
		f.log.Error("community key unreadable", zap.String("community", community.ProfileURI), zap.Error(err))
		return
	}

	var activities []json.RawMessage
	if err := json.Unmarshal([]byte(batch.PayloadJSON), &activities); err != nil {
		f.log.Error("batch payload corrupt", zap.String("batch", batch.Id.String()), zap.Error(err))
		return
	}

	keyId := KeyId(community)
	for i, raw := range activities {
		status, err := f.postActivity(inst.InboxURI, keyId, key, raw)
		switch {
		case err == nil && status >= 200 && status < 300:
			continue

		case goneStatus(status):
			f.markGoneForever(inst.Domain)
			return

		case retryableStatus(status):
			// This and everything after it goes to the durable queue.
			for _, rest := range activities[i:] {
				item := &domain.SendQueueItem{
					Id:            uuid.New(),
					InboxURI:      inst.InboxURI,
					ActorKeyId:    keyId,
					PrivateKeyPem: community.PrivateKeyPem,
					ActivityJSON:  string(rest),
					Attempts:      1,
					RetryReason:   "batch delivery failed",
					SendAfter:     time.Now().Add(backoffDelay(0)),
					CreatedAt:     time.Now(),
				}
				f.store.EnqueueSend(item)
			}
			f.noteDeliveryFailure(inst.Domain)
			return

		default:
			// Hard refusal of this one activity; the rest may still land.
			f.log.Info("batched activity refused",
				zap.String("instance", inst.Domain), zap.Int("status", status))
		}
	}
	f.noteDeliverySuccess(inst.Domain)
}
