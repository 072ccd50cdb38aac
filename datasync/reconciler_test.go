package datasync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestReconciler(ctx context.Context, coalesceTimeout time.Duration) (*Cache, *MutationPipeline, *Reconciler) {
	cache := NewCacheWithDefaults(ctx)
	pipeline := NewMutationPipelineWithDefaults(ctx, cache)
	settings := &ReconcilerSettings{
		CoalesceTimeout: coalesceTimeout,
	}
	reconciler := NewReconciler(ctx, cache, pipeline, settings)
	return cache, pipeline, reconciler
}

func likeCountBinding(patchCount *atomic.Int64) *EventBinding {
	return &EventBinding{
		Type: "post.reaction_changed",
		Entity: func(envelope *EventEnvelope) (EntityRef, bool) {
			postId, ok := intIn(envelope.Payload, "postId")
			if !ok {
				return EntityRef{}, false
			}
			return NewPersistedRef(KindPost, postId), true
		},
		Patch: func(cache *Cache, envelope *EventEnvelope) {
			if patchCount != nil {
				patchCount.Add(1)
			}
			postId, ok := intIn(envelope.Payload, "postId")
			if !ok {
				return
			}
			likeCount, ok := intIn(envelope.Payload, "likeCount")
			if !ok {
				return
			}
			cache.PatchEntity(NewPersistedRef(KindPost, postId), func(record *Record) *Record {
				record.Fields["likeCount"] = likeCount
				return record
			})
		},
	}
}

func reactionEnvelope(postId int64, likeCount int64, serverTime time.Time) *EventEnvelope {
	return &EventEnvelope{
		Type: "post.reaction_changed",
		Payload: map[string]any{
			"postId":    postId,
			"likeCount": likeCount,
		},
		ServerTimestamp: serverTime,
		ReceivedAt:      time.Now(),
	}
}

func TestReconcilerAppliesIdempotently(t *testing.T) {
	ctx := context.Background()
	cache, pipeline, reconciler := newTestReconciler(ctx, 0)
	defer cache.Close()
	defer pipeline.Close()
	defer reconciler.Close()

	reconciler.Bind(likeCountBinding(nil))

	ref := NewPersistedRef(KindPost, 1)
	key := PostDetailKey(1)
	cache.SetQueryData(key, func(data any) any {
		return NewRecord(ref, map[string]any{"likeCount": int64(10)})
	})

	envelope := reactionEnvelope(1, 11, time.Now())
	reconciler.Handle(envelope)
	assert.Equal(t, cache.Get(key).Data.(*Record).Int("likeCount"), int64(11))

	// at-least-once delivery: a duplicate leaves the same state
	reconciler.Handle(envelope)
	assert.Equal(t, cache.Get(key).Data.(*Record).Int("likeCount"), int64(11))
}

func TestReconcilerBuffersDuringPendingMutation(t *testing.T) {
	ctx := context.Background()
	cache, pipeline, reconciler := newTestReconciler(ctx, 0)
	defer cache.Close()
	defer pipeline.Close()
	defer reconciler.Close()

	reconciler.Bind(likeCountBinding(nil))

	ref := NewPersistedRef(KindPost, 1)
	key := PostDetailKey(1)
	cache.SetQueryData(key, func(data any) any {
		return NewRecord(ref, map[string]any{
			"liked":     false,
			"likeCount": int64(10),
		})
	})

	release := make(chan struct{})
	callback, result := NewBlockingResultCallback[any]()
	pipeline.Mutate(
		&MutationDefinition{
			EntityRef: ref,
			Call: func(ctx context.Context) (any, error) {
				<-release
				return &TogglePostReactionResult{
					Liked:     true,
					LikeCount: 11,
				}, nil
			},
			Optimistic: func(cache *Cache) func() {
				snapshot := cache.SnapshotEntity(ref)
				cache.PatchEntity(ref, func(record *Record) *Record {
					record.Fields["liked"] = true
					record.Fields["likeCount"] = record.Int("likeCount") + 1
					return record
				})
				return snapshot.Restore
			},
			OnSettled: func(cache *Cache, result any) {
				toggle := result.(*TogglePostReactionResult)
				cache.PatchEntity(ref, func(record *Record) *Record {
					record.Fields["liked"] = toggle.Liked
					record.Fields["likeCount"] = toggle.LikeCount
					return record
				})
			},
		},
		callback,
	)

	// this event reflects post-mutation server state, pushed before the
	// call response arrived. it must not apply over the optimistic patch
	// mid flight, and must not be lost.
	reconciler.Handle(reactionEnvelope(1, 14, time.Now().Add(1*time.Second)))
	assert.Equal(t, cache.Get(key).Data.(*Record).Int("likeCount"), int64(11))

	close(release)
	<-result

	waitFor(t, 5*time.Second, func() bool {
		return cache.Get(key).Data.(*Record).Int("likeCount") == int64(14)
	})
}

func TestReconcilerDeliversEventsAcrossSettlementRace(t *testing.T) {
	ctx := context.Background()
	cache, pipeline, reconciler := newTestReconciler(ctx, 0)
	defer cache.Close()
	defer pipeline.Close()
	defer reconciler.Close()

	reconciler.Bind(likeCountBinding(nil))

	ref := NewPersistedRef(KindPost, 1)
	key := PostDetailKey(1)
	cache.SetQueryData(key, func(data any) any {
		return NewRecord(ref, map[string]any{"likeCount": int64(0)})
	})

	// each event arrives while its mutation is settling on another
	// goroutine. whichever way the pending check races the settlement,
	// the event must land: applied directly, or buffered and replayed.
	for i := int64(1); i <= 200; i += 1 {
		callback, result := NewBlockingResultCallback[any]()
		pipeline.Mutate(
			&MutationDefinition{
				EntityRef: ref,
				Call: func(ctx context.Context) (any, error) {
					return &RemovePostResult{}, nil
				},
			},
			callback,
		)
		reconciler.Handle(reactionEnvelope(1, i, time.Now().Add(1*time.Hour)))
		<-result
		waitFor(t, 5*time.Second, func() bool {
			return cache.Get(key).Data.(*Record).Int("likeCount") == i
		})
	}
}

func TestReconcilerDropsPreMutationEvents(t *testing.T) {
	ctx := context.Background()
	cache, pipeline, reconciler := newTestReconciler(ctx, 0)
	defer cache.Close()
	defer pipeline.Close()
	defer reconciler.Close()

	reconciler.Bind(likeCountBinding(nil))

	ref := NewPersistedRef(KindPost, 1)
	key := PostDetailKey(1)
	cache.SetQueryData(key, func(data any) any {
		return NewRecord(ref, map[string]any{
			"liked":     false,
			"likeCount": int64(10),
		})
	})

	release := make(chan struct{})
	callback, result := NewBlockingResultCallback[any]()
	pipeline.Mutate(
		&MutationDefinition{
			EntityRef: ref,
			Call: func(ctx context.Context) (any, error) {
				<-release
				return &TogglePostReactionResult{
					Liked:     true,
					LikeCount: 11,
				}, nil
			},
			OnSettled: func(cache *Cache, result any) {
				toggle := result.(*TogglePostReactionResult)
				cache.PatchEntity(ref, func(record *Record) *Record {
					record.Fields["liked"] = toggle.Liked
					record.Fields["likeCount"] = toggle.LikeCount
					return record
				})
			},
		},
		callback,
	)

	// computed from server state before the mutation dispatched. applying
	// it after settlement would clobber the settled values with older ones.
	reconciler.Handle(reactionEnvelope(1, 3, time.Now().Add(-1*time.Minute)))

	close(release)
	<-result

	waitFor(t, 5*time.Second, func() bool {
		return !pipeline.IsPending(ref)
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, cache.Get(key).Data.(*Record).Int("likeCount"), int64(11))
}

func TestReconcilerZeroTimestampAppliesThrough(t *testing.T) {
	ctx := context.Background()
	cache, pipeline, reconciler := newTestReconciler(ctx, 0)
	defer cache.Close()
	defer pipeline.Close()
	defer reconciler.Close()

	reconciler.Bind(likeCountBinding(nil))

	ref := NewPersistedRef(KindPost, 1)
	key := PostDetailKey(1)
	cache.SetQueryData(key, func(data any) any {
		return NewRecord(ref, map[string]any{"likeCount": int64(10)})
	})

	release := make(chan struct{})
	callback, result := NewBlockingResultCallback[any]()
	pipeline.Mutate(
		&MutationDefinition{
			EntityRef: ref,
			Call: func(ctx context.Context) (any, error) {
				<-release
				return &RemovePostResult{}, nil
			},
		},
		callback,
	)

	// no server timestamp means staleness cannot be judged, so the event
	// applies immediately even with a mutation in flight
	reconciler.Handle(reactionEnvelope(1, 12, time.Time{}))
	assert.Equal(t, cache.Get(key).Data.(*Record).Int("likeCount"), int64(12))

	close(release)
	<-result
}

func TestReconcilerCoalescesBursts(t *testing.T) {
	ctx := context.Background()
	cache, pipeline, reconciler := newTestReconciler(ctx, 50*time.Millisecond)
	defer cache.Close()
	defer pipeline.Close()
	defer reconciler.Close()

	var patchCount atomic.Int64
	reconciler.Bind(likeCountBinding(&patchCount))

	ref := NewPersistedRef(KindPost, 1)
	key := PostDetailKey(1)
	cache.SetQueryData(key, func(data any) any {
		return NewRecord(ref, map[string]any{"likeCount": int64(0)})
	})

	// a burst of updates for one entity inside the window
	for i := int64(1); i <= 5; i += 1 {
		reconciler.Handle(reactionEnvelope(1, i, time.Now()))
	}

	waitFor(t, 5*time.Second, func() bool {
		return patchCount.Load() == 1
	})
	// only the latest payload applied
	assert.Equal(t, cache.Get(key).Data.(*Record).Int("likeCount"), int64(5))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, patchCount.Load(), int64(1))
}

func TestReconcilerCoalescesPerEntity(t *testing.T) {
	ctx := context.Background()
	cache, pipeline, reconciler := newTestReconciler(ctx, 50*time.Millisecond)
	defer cache.Close()
	defer pipeline.Close()
	defer reconciler.Close()

	var patchCount atomic.Int64
	reconciler.Bind(likeCountBinding(&patchCount))

	cache.SetQueryData(PostDetailKey(1), func(data any) any {
		return NewRecord(NewPersistedRef(KindPost, 1), map[string]any{"likeCount": int64(0)})
	})
	cache.SetQueryData(PostDetailKey(2), func(data any) any {
		return NewRecord(NewPersistedRef(KindPost, 2), map[string]any{"likeCount": int64(0)})
	})

	// different entities never collapse into each other
	reconciler.Handle(reactionEnvelope(1, 7, time.Now()))
	reconciler.Handle(reactionEnvelope(2, 9, time.Now()))

	waitFor(t, 5*time.Second, func() bool {
		return patchCount.Load() == 2
	})
	assert.Equal(t, cache.Get(PostDetailKey(1)).Data.(*Record).Int("likeCount"), int64(7))
	assert.Equal(t, cache.Get(PostDetailKey(2)).Data.(*Record).Int("likeCount"), int64(9))
}

func TestReconcilerResyncInvalidatesActive(t *testing.T) {
	ctx := context.Background()
	cache, pipeline, reconciler := newTestReconciler(ctx, 0)
	defer cache.Close()
	defer pipeline.Close()
	defer reconciler.Close()

	var activeFetches atomic.Int64
	subscription := cache.Subscribe(
		PostsFeedKey("all"),
		func(ctx context.Context) (any, error) {
			activeFetches.Add(1)
			return NewRecordList(), nil
		},
		nil,
		func(key QueryKey) {},
	)
	defer subscription.Close()
	waitFor(t, 5*time.Second, func() bool {
		return activeFetches.Load() == 1
	})

	// an inactive entry stays untouched
	cache.SetQueryData(PostDetailKey(9), func(data any) any {
		return NewRecord(NewPersistedRef(KindPost, 9), map[string]any{"likeCount": int64(1)})
	})

	reconciler.Handle(&EventEnvelope{
		Type:       ResyncEventType,
		ReceivedAt: time.Now(),
	})

	waitFor(t, 5*time.Second, func() bool {
		return activeFetches.Load() == 2
	})
	assert.Equal(t, cache.Get(PostDetailKey(9)).Data.(*Record).Int("likeCount"), int64(1))
}

func TestReconcilerUnboundTypePanics(t *testing.T) {
	ctx := context.Background()
	cache, pipeline, reconciler := newTestReconciler(ctx, 0)
	defer cache.Close()
	defer pipeline.Close()
	defer reconciler.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for an unbound event type")
		}
	}()
	reconciler.Handle(&EventEnvelope{
		Type:       "post.vanished",
		ReceivedAt: time.Now(),
	})
}
