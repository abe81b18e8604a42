package activitypub

import (
	"context"
	"strings"
	"time"
)

// dedupTTL bounds how long an activity id blocks re-processing. The network
// delivers at least once; this cache only collapses near-term duplicates,
// it is not long-term idempotence.
const dedupTTL = 90 * time.Second

// markSeen records the effective activity id and reports whether it was new.
// A false return means the activity is already processed or in flight.
func (f *Federator) markSeen(ctx context.Context, activityId string) bool {
	ok, err := f.kv.SetIfAbsent(ctx, "seen:"+strings.ToLower(activityId), dedupTTL)
	if err != nil {
		// A broken dedup store must not block the inbox; at-least-once
		// processing is the accepted failure mode.
		return true
	}
	return ok
}
