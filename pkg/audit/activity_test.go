package audit

import (
	"context"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchardworks/cellartrail/pkg/observability"
)

func newTestTracker(t *testing.T) (*ActivityTracker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := observability.NewLogger(observability.ParseLogLevel("error"), io.Discard)
	return NewActivityTracker(client, logger), mr
}

func TestActivityTracker_TrackAndCounts(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	tracker.Track(ctx, "user-1", OpUpdate)
	tracker.Track(ctx, "user-1", OpDelete)
	tracker.Track(ctx, "user-1", OpSoftDelete)
	tracker.Track(ctx, "user-2", OpCreate)

	total, deletes := tracker.Counts(ctx, "user-1")
	assert.Equal(t, int64(3), total)
	assert.Equal(t, int64(2), deletes)

	total, deletes = tracker.Counts(ctx, "user-2")
	assert.Equal(t, int64(1), total)
	assert.Zero(t, deletes)
}

func TestActivityTracker_KeysExpire(t *testing.T) {
	tracker, mr := newTestTracker(t)

	tracker.Track(context.Background(), "user-1", OpDelete)

	require.Len(t, mr.Keys(), 2)
	for _, key := range mr.Keys() {
		assert.Positive(t, mr.TTL(key))
	}
}

func TestActivityTracker_ExceedsThresholds(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tracker.Track(ctx, "user-1", OpDelete)
	}

	assert.True(t, tracker.ExceedsThresholds(ctx, "user-1", 2, 0))
	assert.False(t, tracker.ExceedsThresholds(ctx, "user-1", 5, 0))
	assert.True(t, tracker.ExceedsThresholds(ctx, "user-1", 0, 2))
	assert.False(t, tracker.ExceedsThresholds(ctx, "user-2", 2, 2))
}

func TestActivityTracker_FailsOpen(t *testing.T) {
	tracker, mr := newTestTracker(t)
	mr.Close()

	ctx := context.Background()
	assert.NotPanics(t, func() {
		tracker.Track(ctx, "user-1", OpDelete)
	})

	total, deletes := tracker.Counts(ctx, "user-1")
	assert.Zero(t, total)
	assert.Zero(t, deletes)
	assert.False(t, tracker.ExceedsThresholds(ctx, "user-1", 1, 1))
}

func TestActivityTracker_NilTracker(t *testing.T) {
	var tracker *ActivityTracker

	assert.NotPanics(t, func() {
		tracker.Track(context.Background(), "user-1", OpDelete)
	})
	total, deletes := tracker.Counts(context.Background(), "user-1")
	assert.Zero(t, total)
	assert.Zero(t, deletes)
}
