package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/orchardworks/cellartrail/pkg/observability"
)

// activityKeyPrefix namespaces tracker keys in a shared redis.
const activityKeyPrefix = "cellartrail:activity"

// ActivityTracker maintains live per-actor mutation counters in redis
// using fixed one-hour buckets. It complements the Detector's log
// scans with a cheap real-time signal. Every operation fails open:
// redis being down never affects the audit path.
type ActivityTracker struct {
	client *redis.Client
	logger *observability.Logger
}

// NewActivityTracker wraps a redis client for live activity counting.
func NewActivityTracker(client *redis.Client, logger *observability.Logger) *ActivityTracker {
	return &ActivityTracker{client: client, logger: logger}
}

// Track increments the actor's counters for the current hour bucket.
// Errors are logged and swallowed.
func (t *ActivityTracker) Track(ctx context.Context, actorID string, op Operation) {
	if t == nil || t.client == nil {
		return
	}

	bucket := time.Now().UTC().Truncate(time.Hour).Unix()

	pipe := t.client.Pipeline()
	totalKey := fmt.Sprintf("%s:%s:total:%d", activityKeyPrefix, actorID, bucket)
	pipe.Incr(ctx, totalKey)
	pipe.Expire(ctx, totalKey, 2*time.Hour)

	if op.IsDelete() {
		deleteKey := fmt.Sprintf("%s:%s:deletes:%d", activityKeyPrefix, actorID, bucket)
		pipe.Incr(ctx, deleteKey)
		pipe.Expire(ctx, deleteKey, 2*time.Hour)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.logger.WithError(err).Warn("activity tracking failed, continuing without it")
	}
}

// Counts returns the actor's total and delete counts for the current
// hour bucket. Errors fail open as zero counts.
func (t *ActivityTracker) Counts(ctx context.Context, actorID string) (total, deletes int64) {
	if t == nil || t.client == nil {
		return 0, 0
	}

	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	totalKey := fmt.Sprintf("%s:%s:total:%d", activityKeyPrefix, actorID, bucket)
	deleteKey := fmt.Sprintf("%s:%s:deletes:%d", activityKeyPrefix, actorID, bucket)

	pipe := t.client.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	deleteCmd := pipe.Get(ctx, deleteKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		t.logger.WithError(err).Warn("activity count lookup failed")
		return 0, 0
	}

	total, _ = totalCmd.Int64()
	deletes, _ = deleteCmd.Int64()
	return total, deletes
}

// ExceedsThresholds reports whether the actor's live counters for the
// current hour already exceed the given thresholds.
func (t *ActivityTracker) ExceedsThresholds(ctx context.Context, actorID string, maxDeletes, maxOperations int) bool {
	total, deletes := t.Counts(ctx, actorID)
	if maxDeletes > 0 && deletes > int64(maxDeletes) {
		return true
	}
	if maxOperations > 0 && total > int64(maxOperations) {
		return true
	}
	return false
}
