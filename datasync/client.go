package datasync

import (
	"context"
)

func PostsFeedKey(feedType string) QueryKey {
	return NewQueryKey("posts", "list", feedType)
}

func PostDetailKey(postId int64) QueryKey {
	return NewQueryKey("posts", "detail", postId)
}

func PostCommentsKey(postId int64) QueryKey {
	return NewQueryKey("posts", "comments", postId)
}

func ChallengesListKey() QueryKey {
	return NewQueryKey("challenges", "list")
}

func AnnouncementsListKey() QueryKey {
	return NewQueryKey("announcements", "list")
}

type ClientSettings struct {
	ApiUrl     string
	ChannelUrl string

	CacheSettings      *CacheSettings
	MutationSettings   *MutationSettings
	ChannelSettings    *ChannelSettings
	ReconcilerSettings *ReconcilerSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ApiUrl:             "https://api.reloop.eco/v1",
		ChannelUrl:         "wss://events.reloop.eco/v1/ws",
		CacheSettings:      DefaultCacheSettings(),
		MutationSettings:   DefaultMutationSettings(),
		ChannelSettings:    DefaultChannelSettings(),
		ReconcilerSettings: DefaultReconcilerSettings(),
	}
}

// one assembled client data layer: api + cache + mutation pipeline +
// channel + reconciler. everything is constructed per instance and
// passed explicitly, so tests can build isolated clients side by side.
// views talk to Query/mutation handles, never to the cache internals.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ClientSettings

	api        *ReloopApi
	cache      *Cache
	pipeline   *MutationPipeline
	channel    *Channel
	reconciler *Reconciler
}

func NewClientWithDefaults(ctx context.Context, auth *ChannelAuth) *Client {
	return NewClient(ctx, auth, DefaultClientSettings())
}

func NewClient(ctx context.Context, auth *ChannelAuth, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	api := NewReloopApiWithContext(cancelCtx, settings.ApiUrl)
	api.SetByJwt(auth.ByJwt)

	cache := NewCache(cancelCtx, settings.CacheSettings)
	pipeline := NewMutationPipeline(cancelCtx, cache, settings.MutationSettings)

	reconciler := NewReconciler(cancelCtx, cache, pipeline, settings.ReconcilerSettings)
	reconciler.Bind(DefaultEventBindings()...)

	var channel *Channel
	if settings.ChannelUrl != "" {
		channel = NewChannel(cancelCtx, settings.ChannelUrl, auth, settings.ChannelSettings)
		reconciler.Attach(channel)
	}

	return &Client{
		ctx:        cancelCtx,
		cancel:     cancel,
		settings:   settings,
		api:        api,
		cache:      cache,
		pipeline:   pipeline,
		channel:    channel,
		reconciler: reconciler,
	}
}

func (self *Client) Api() *ReloopApi {
	return self.api
}

func (self *Client) Cache() *Cache {
	return self.cache
}

func (self *Client) Pipeline() *MutationPipeline {
	return self.pipeline
}

func (self *Client) Channel() *Channel {
	return self.channel
}

func (self *Client) Reconciler() *Reconciler {
	return self.reconciler
}

func (self *Client) Close() {
	self.cancel()
	self.reconciler.Close()
	self.cache.Close()
}

// subscription primitive for views. declares interest in a key, returns
// the current entry, and notifies on every change until closed.
type QueryHandle struct {
	cache        *Cache
	key          QueryKey
	subscription *Subscription
}

func (self *Client) Query(key QueryKey, fetch FetchFunc, options *QueryOptions, notify SubscriberFunc) *QueryHandle {
	subscription := self.cache.Subscribe(key, fetch, options, notify)
	return &QueryHandle{
		cache:        self.cache,
		key:          key,
		subscription: subscription,
	}
}

func (self *QueryHandle) Key() QueryKey {
	return self.key
}

func (self *QueryHandle) Entry() *QueryEntry {
	return self.cache.Get(self.key)
}

func (self *QueryHandle) Close() {
	self.subscription.Close()
}

// paginated posts feed. pages accumulate into one ordered sequence for
// infinite scroll.
type FeedHandle struct {
	client   *Client
	feedType string
	handle   *QueryHandle
}

func (self *Client) PostsFeed(feedType string, options *QueryOptions, notify SubscriberFunc) *FeedHandle {
	key := PostsFeedKey(feedType)
	fetch := func(ctx context.Context) (any, error) {
		result, err := self.api.GetPostsSync(&GetPostsArgs{
			FeedType: feedType,
			Page:     1,
		})
		if err != nil {
			return nil, err
		}
		return NormalizePostList(result), nil
	}
	return &FeedHandle{
		client:   self,
		feedType: feedType,
		handle:   self.Query(key, fetch, options, notify),
	}
}

func (self *FeedHandle) Entry() *QueryEntry {
	return self.handle.Entry()
}

// fetches the next page and appends it to the accumulated sequence,
// deduplicating by entity in case a page boundary shifted under us
func (self *FeedHandle) LoadMore() error {
	entry := self.handle.Entry()
	nextPage := 1
	if list, ok := entry.Data.(*RecordList); ok && list != nil {
		if 0 < list.LastPage && !list.HasNext {
			return nil
		}
		nextPage = list.LastPage + 1
	}

	result, err := self.client.api.GetPostsSync(&GetPostsArgs{
		FeedType: self.feedType,
		Page:     nextPage,
	})
	if err != nil {
		return err
	}
	page := NormalizePostList(result)

	self.client.cache.SetQueryData(self.handle.key, func(data any) any {
		list, ok := data.(*RecordList)
		if !ok || list == nil {
			return page
		}
		next := list.Clone()
		for _, record := range page.Records {
			if !next.Contains(record.Ref) {
				next.Records = append(next.Records, record)
			}
		}
		next.LastPage = page.LastPage
		next.HasNext = page.HasNext
		return next
	})
	return nil
}

func (self *FeedHandle) Close() {
	self.handle.Close()
}

func (self *Client) ChallengesFeed(options *QueryOptions, notify SubscriberFunc) *QueryHandle {
	fetch := func(ctx context.Context) (any, error) {
		result, err := self.api.GetChallengesSync(&GetChallengesArgs{
			Page: 1,
		})
		if err != nil {
			return nil, err
		}
		return NormalizeChallengeList(result), nil
	}
	return self.Query(ChallengesListKey(), fetch, options, notify)
}

// flips liked and adjusts likeCount optimistically, then lets the
// server's recomputed values fully replace the guess. a second tap while
// the first is in flight queues behind its settlement in the pipeline.
func (self *Client) TogglePostReaction(postId int64, callback ResultCallback[any]) Id {
	ref := NewPersistedRef(KindPost, postId)
	definition := &MutationDefinition{
		EntityRef: ref,
		Call: func(ctx context.Context) (any, error) {
			return self.api.TogglePostReactionSync(&TogglePostReactionArgs{
				PostId: postId,
			})
		},
		Optimistic: func(cache *Cache) func() {
			snapshot := cache.SnapshotEntity(ref)
			cache.PatchEntity(ref, func(record *Record) *Record {
				liked := record.Bool("liked")
				likeCount := record.Int("likeCount")
				if liked {
					likeCount -= 1
				} else {
					likeCount += 1
				}
				record.Fields["liked"] = !liked
				record.Fields["likeCount"] = likeCount
				return record
			})
			return snapshot.Restore
		},
		OnSettled: func(cache *Cache, result any) {
			toggleResult := result.(*TogglePostReactionResult)
			cache.PatchEntity(ref, func(record *Record) *Record {
				// authoritative overwrite, not an additive merge.
				// an optimistic guess that was off by one cannot compound.
				record.Fields["liked"] = toggleResult.Liked
				record.Fields["likeCount"] = toggleResult.LikeCount
				return record
			})
		},
	}
	return self.pipeline.Mutate(definition, callback)
}

// inserts a local record at the head of the feed immediately. on
// settlement the server record replaces it, matched by the local ref,
// and the feed refetches to pick up server-side ranking.
func (self *Client) CreatePost(args *CreatePostArgs, feedType string, callback ResultCallback[any]) Id {
	localRef := NewLocalRef(KindPost)
	feedKey := PostsFeedKey(feedType)
	definition := &MutationDefinition{
		EntityRef: localRef,
		Call: func(ctx context.Context) (any, error) {
			return self.api.CreatePostSync(args)
		},
		Optimistic: func(cache *Cache) func() {
			snapshot := cache.Snapshot(NewQueryKey("posts", "list"))
			localRecord := NewRecord(localRef, map[string]any{
				"title":        args.Title,
				"body":         args.Body,
				"imageUrl":     args.ImageUrl,
				"liked":        false,
				"likeCount":    int64(0),
				"commentCount": int64(0),
			})
			cache.SetQueryData(feedKey, func(data any) any {
				list, ok := data.(*RecordList)
				if !ok || list == nil {
					return NewRecordList(localRecord)
				}
				next := list.Clone()
				next.Records = append([]*Record{localRecord}, next.Records...)
				return next
			})
			return snapshot.Restore
		},
		OnSettled: func(cache *Cache, result any) {
			createResult := result.(*CreatePostResult)
			if record, ok := NormalizePost(createResult.Post); ok {
				cache.ReplaceEntity(localRef, record)
			}
		},
		Invalidate: []QueryKey{
			NewQueryKey("posts", "list"),
		},
	}
	return self.pipeline.Mutate(definition, callback)
}

// removes the post from every embedding entry immediately. rollback
// restores it verbatim if the server rejects the delete.
func (self *Client) RemovePost(postId int64, callback ResultCallback[any]) Id {
	ref := NewPersistedRef(KindPost, postId)
	definition := &MutationDefinition{
		EntityRef: ref,
		Call: func(ctx context.Context) (any, error) {
			return self.api.RemovePostSync(&RemovePostArgs{
				PostId: postId,
			})
		},
		Optimistic: func(cache *Cache) func() {
			snapshot := cache.SnapshotEntity(ref)
			cache.PatchEntity(ref, func(record *Record) *Record {
				return nil
			})
			return snapshot.Restore
		},
		OnSettled: func(cache *Cache, result any) {
			// a refetch may have raced the delete back in
			cache.PatchEntity(ref, func(record *Record) *Record {
				return nil
			})
		},
		Invalidate: []QueryKey{
			NewQueryKey("posts", "list"),
		},
	}
	return self.pipeline.Mutate(definition, callback)
}

func (self *Client) CreatePostComment(postId int64, body string, callback ResultCallback[any]) Id {
	localRef := NewLocalRef(KindComment)
	postRef := NewPersistedRef(KindPost, postId)
	commentsKey := PostCommentsKey(postId)
	definition := &MutationDefinition{
		EntityRef: localRef,
		Call: func(ctx context.Context) (any, error) {
			return self.api.CreatePostCommentSync(&CreatePostCommentArgs{
				PostId: postId,
				Body:   body,
			})
		},
		Optimistic: func(cache *Cache) func() {
			commentsSnapshot := cache.Snapshot(commentsKey)
			postSnapshot := cache.SnapshotEntity(postRef)

			localRecord := NewRecord(localRef, map[string]any{
				"postId": postId,
				"body":   body,
			})
			cache.SetQueryData(commentsKey, func(data any) any {
				list, ok := data.(*RecordList)
				if !ok || list == nil {
					return NewRecordList(localRecord)
				}
				next := list.Clone()
				next.Records = append(next.Records, localRecord)
				return next
			})
			cache.PatchEntity(postRef, func(record *Record) *Record {
				record.Fields["commentCount"] = record.Int("commentCount") + 1
				return record
			})

			return func() {
				commentsSnapshot.Restore()
				postSnapshot.Restore()
			}
		},
		OnSettled: func(cache *Cache, result any) {
			commentResult := result.(*CreatePostCommentResult)
			if record, ok := NormalizeComment(commentResult.Comment); ok {
				cache.ReplaceEntity(localRef, record)
			}
		},
		Invalidate: []QueryKey{
			commentsKey,
		},
	}
	return self.pipeline.Mutate(definition, callback)
}

func (self *Client) JoinChallenge(challengeId int64, callback ResultCallback[any]) Id {
	ref := NewPersistedRef(KindChallenge, challengeId)
	definition := &MutationDefinition{
		EntityRef: ref,
		Call: func(ctx context.Context) (any, error) {
			return self.api.JoinChallengeSync(&JoinChallengeArgs{
				ChallengeId: challengeId,
			})
		},
		Optimistic: func(cache *Cache) func() {
			snapshot := cache.SnapshotEntity(ref)
			cache.PatchEntity(ref, func(record *Record) *Record {
				if !record.Bool("joined") {
					record.Fields["joined"] = true
					record.Fields["participantCount"] = record.Int("participantCount") + 1
				}
				return record
			})
			return snapshot.Restore
		},
		OnSettled: func(cache *Cache, result any) {
			joinResult := result.(*JoinChallengeResult)
			if normalized, ok := NormalizeChallenge(joinResult.Challenge); ok {
				overwriteFields(cache, normalized.Ref, normalized)
			}
		},
		Invalidate: []QueryKey{
			ChallengesListKey(),
		},
	}
	return self.pipeline.Mutate(definition, callback)
}
