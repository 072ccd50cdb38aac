package datasync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	StatusIdle QueryStatus = iota
	StatusLoading
	StatusSuccess
	StatusError
)

type QueryStatus int

func (self QueryStatus) String() string {
	switch self {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// fetches the authoritative data for one query key.
// the context is the cache context, not the subscriber's, so an
// unsubscribe mid-fetch does not cancel the request.
type FetchFunc func(ctx context.Context) (any, error)

// called synchronously after a batch of writes touching the key
type SubscriberFunc func(key QueryKey)

type QueryOptions struct {
	// 0 means the cache default
	StaleAfter time.Duration
	// 0 means the cache default
	GcAfter time.Duration
}

type CacheSettings struct {
	StaleAfter        time.Duration
	GcAfter           time.Duration
	FetchRetryCount   int
	FetchRetryTimeout time.Duration
	GcSweepTimeout    time.Duration
}

func DefaultCacheSettings() *CacheSettings {
	return &CacheSettings{
		StaleAfter:        30 * time.Second,
		GcAfter:           5 * time.Minute,
		FetchRetryCount:   2,
		FetchRetryTimeout: 500 * time.Millisecond,
		GcSweepTimeout:    15 * time.Second,
	}
}

// public snapshot of one entry. Data is a deep copy of the canonical
// shapes, so callers can read and edit it freely without touching
// cache state.
type QueryEntry struct {
	Key             QueryKey
	Data            any
	Status          QueryStatus
	Err             error
	FetchedAt       time.Time
	Fetching        bool
	SubscriberCount int
}

type queryEntry struct {
	key        QueryKey
	data       any
	status     QueryStatus
	err        error
	fetchedAt  time.Time
	staleAfter time.Duration
	gcAfter    time.Duration
	fetch      FetchFunc
	fetching   bool

	subscriberIds []Id
	subscribers   map[Id]SubscriberFunc
	// when subscriberCount last hit zero (or entry creation)
	releasedAt time.Time
}

// keyed store of server-derived data. the cache is the single mutable
// shared resource of the data layer: mutation patches, event patches and
// fetch completions all flow through its methods, and its methods are the
// only place subscriber notification happens.
//
// synchronous methods (Get, SetQueryData, PatchEntity, ...) never block on
// the network. fetches run on their own goroutines against the cache context.
type Cache struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *CacheSettings

	stateLock  sync.Mutex
	entries    map[string]*queryEntry
	batchDepth int
	dirty      map[string]bool
}

func NewCacheWithDefaults(ctx context.Context) *Cache {
	return NewCache(ctx, DefaultCacheSettings())
}

func NewCache(ctx context.Context, settings *CacheSettings) *Cache {
	cancelCtx, cancel := context.WithCancel(ctx)
	cache := &Cache{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		entries:  map[string]*queryEntry{},
		dirty:    map[string]bool{},
	}
	go cache.gc()
	return cache
}

func (self *Cache) Close() {
	self.cancel()
}

// must hold stateLock
func (self *Cache) entryLocked(key QueryKey) *queryEntry {
	c := key.canonical()
	entry, ok := self.entries[c]
	if !ok {
		entry = &queryEntry{
			key:         key,
			status:      StatusIdle,
			staleAfter:  self.settings.StaleAfter,
			gcAfter:     self.settings.GcAfter,
			subscribers: map[Id]SubscriberFunc{},
			releasedAt:  time.Now(),
		}
		self.entries[c] = entry
	}
	return entry
}

// must hold stateLock.
// fetchedAt is the last attempt time, set on error as well as success,
// so a failed fetch does not retrigger on every read.
func (self *Cache) staleLocked(entry *queryEntry) bool {
	if entry.fetchedAt.IsZero() {
		return true
	}
	return entry.staleAfter <= time.Since(entry.fetchedAt)
}

// must hold stateLock
func (self *Cache) markDirtyLocked(entry *queryEntry) {
	self.dirty[entry.key.canonical()] = true
}

// must hold stateLock. returns nil while a batch is open.
func (self *Cache) collectNotifiesLocked() []func() {
	if 0 < self.batchDepth || len(self.dirty) == 0 {
		return nil
	}
	notifies := []func(){}
	for c := range self.dirty {
		entry, ok := self.entries[c]
		if !ok {
			continue
		}
		key := entry.key
		for _, subscriberId := range entry.subscriberIds {
			notify := entry.subscribers[subscriberId]
			notifies = append(notifies, func() {
				notify(key)
			})
		}
	}
	self.dirty = map[string]bool{}
	return notifies
}

func runNotifies(notifies []func()) {
	for _, notify := range notifies {
		notify()
	}
}

// groups multiple cache writes into one logical operation.
// subscribers for each dirty key are notified once after all writes in
// the batch complete, never between them.
func (self *Cache) Update(update func()) {
	self.stateLock.Lock()
	self.batchDepth += 1
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		self.batchDepth -= 1
		notifies := self.collectNotifiesLocked()
		self.stateLock.Unlock()
		runNotifies(notifies)
	}()

	update()
}

// returns the current entry, creating an empty idle entry if absent.
// if the entry is stale and has a fetcher, a background fetch is scheduled.
func (self *Cache) Get(key QueryKey) *QueryEntry {
	self.stateLock.Lock()
	entry := self.entryLocked(key)
	self.maybeFetchLocked(entry)
	snapshot := self.snapshotEntryLocked(entry)
	notifies := self.collectNotifiesLocked()
	self.stateLock.Unlock()
	runNotifies(notifies)
	return snapshot
}

// must hold stateLock
func (self *Cache) snapshotEntryLocked(entry *queryEntry) *QueryEntry {
	return &QueryEntry{
		Key:             entry.key,
		Data:            cloneData(entry.data),
		Status:          entry.status,
		Err:             entry.err,
		FetchedAt:       entry.fetchedAt,
		Fetching:        entry.fetching,
		SubscriberCount: len(entry.subscriberIds),
	}
}

// applies an updater atomically and notifies subscribers.
// the updater must return new data rather than mutate the old data in
// place. stored data should be one of the canonical shapes
// (*Record, *RecordList).
func (self *Cache) SetQueryData(key QueryKey, updater func(data any) any) {
	self.stateLock.Lock()
	entry := self.entryLocked(key)
	entry.data = updater(entry.data)
	entry.status = StatusSuccess
	entry.err = nil
	entry.fetchedAt = time.Now()
	self.markDirtyLocked(entry)
	notifies := self.collectNotifiesLocked()
	self.stateLock.Unlock()
	runNotifies(notifies)
}

// applies a patch to every entry that embeds the entity, whether a detail
// entry or inside a list. the patch receives a clone and may edit it in
// place. returning nil removes the record (delete semantics).
// returns the number of entries changed.
func (self *Cache) PatchEntity(ref EntityRef, patch func(record *Record) *Record) int {
	changedCount := 0
	self.stateLock.Lock()
	for _, entry := range self.entries {
		nextData, changed := patchEntryData(entry.data, ref, patch)
		if changed {
			entry.data = nextData
			self.markDirtyLocked(entry)
			changedCount += 1
		}
	}
	notifies := self.collectNotifiesLocked()
	self.stateLock.Unlock()
	runNotifies(notifies)
	return changedCount
}

func patchEntryData(data any, ref EntityRef, patch func(record *Record) *Record) (any, bool) {
	switch v := data.(type) {
	case *Record:
		if v.Ref == ref {
			next := patch(v.Clone())
			if next == nil {
				return nil, true
			}
			return next, true
		}
	case *RecordList:
		changed := false
		records := make([]*Record, 0, len(v.Records))
		for _, record := range v.Records {
			if record.Ref == ref {
				changed = true
				next := patch(record.Clone())
				if next != nil {
					records = append(records, next)
				}
			} else {
				records = append(records, record)
			}
		}
		if changed {
			return &RecordList{
				Records:  records,
				LastPage: v.LastPage,
				HasNext:  v.HasNext,
			}, true
		}
	}
	return data, false
}

// swaps a local (optimistic) record for its persisted server record in
// every entry that embeds it. if a list already contains the persisted
// record, e.g. via a refetch that raced settlement, the local record is
// removed instead of duplicated.
func (self *Cache) ReplaceEntity(localRef EntityRef, record *Record) {
	self.stateLock.Lock()
	for _, entry := range self.entries {
		switch v := entry.data.(type) {
		case *Record:
			if v.Ref == localRef {
				entry.data = record.Clone()
				self.markDirtyLocked(entry)
			}
		case *RecordList:
			if !v.Contains(localRef) {
				continue
			}
			records := make([]*Record, 0, len(v.Records))
			for _, item := range v.Records {
				if item.Ref == localRef {
					if !v.Contains(record.Ref) {
						records = append(records, record.Clone())
					}
				} else {
					records = append(records, item)
				}
			}
			entry.data = &RecordList{
				Records:  records,
				LastPage: v.LastPage,
				HasNext:  v.HasNext,
			}
			self.markDirtyLocked(entry)
		}
	}
	notifies := self.collectNotifiesLocked()
	self.stateLock.Unlock()
	runNotifies(notifies)
}

// marks every entry whose key starts with the prefix as stale.
// entries with active subscribers refetch in the background.
// displayed data is not cleared (stale-while-revalidate).
func (self *Cache) Invalidate(prefix QueryKey) {
	self.stateLock.Lock()
	for _, entry := range self.entries {
		if !entry.key.HasPrefix(prefix) {
			continue
		}
		entry.fetchedAt = time.Time{}
		if 0 < len(entry.subscriberIds) {
			self.maybeFetchLocked(entry)
		}
	}
	notifies := self.collectNotifiesLocked()
	self.stateLock.Unlock()
	runNotifies(notifies)
}

// marks every entry with at least one subscriber as stale and refetches it.
// used after a channel resync, since events missed while disconnected
// cannot be replayed individually.
func (self *Cache) InvalidateActive() {
	self.stateLock.Lock()
	for _, entry := range self.entries {
		if 0 < len(entry.subscriberIds) {
			entry.fetchedAt = time.Time{}
			self.maybeFetchLocked(entry)
		}
	}
	notifies := self.collectNotifiesLocked()
	self.stateLock.Unlock()
	runNotifies(notifies)
}

func (self *Cache) Keys() []QueryKey {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys := make([]QueryKey, 0, len(self.entries))
	for _, entry := range self.entries {
		keys = append(keys, entry.key)
	}
	return keys
}

// registers a subscriber for the key and bumps the entry's reference
// count. an entry with at least one subscriber is never evicted.
// the fetch function, if not nil, becomes the entry's fetcher.
func (self *Cache) Subscribe(key QueryKey, fetch FetchFunc, options *QueryOptions, notify SubscriberFunc) *Subscription {
	self.stateLock.Lock()
	entry := self.entryLocked(key)
	if fetch != nil {
		entry.fetch = fetch
	}
	if options != nil {
		if 0 < options.StaleAfter {
			entry.staleAfter = options.StaleAfter
		}
		if 0 < options.GcAfter {
			entry.gcAfter = options.GcAfter
		}
	}
	subscriptionId := NewId()
	entry.subscriberIds = append(entry.subscriberIds, subscriptionId)
	entry.subscribers[subscriptionId] = notify
	self.maybeFetchLocked(entry)
	notifies := self.collectNotifiesLocked()
	self.stateLock.Unlock()
	runNotifies(notifies)

	return &Subscription{
		cache:          self,
		key:            key,
		subscriptionId: subscriptionId,
	}
}

// must hold stateLock
func (self *Cache) maybeFetchLocked(entry *queryEntry) {
	if entry.fetch == nil || entry.fetching {
		return
	}
	if !self.staleLocked(entry) {
		return
	}
	entry.fetching = true
	if entry.status == StatusIdle {
		entry.status = StatusLoading
		self.markDirtyLocked(entry)
	}
	go self.runFetch(entry.key, entry.fetch)
}

func (self *Cache) runFetch(key QueryKey, fetch FetchFunc) {
	var data any
	var err error
	for i := 0; i <= self.settings.FetchRetryCount; i += 1 {
		if 0 < i {
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.FetchRetryTimeout):
			}
		}
		data, err = fetch(self.ctx)
		if err == nil || !retryableError(err) {
			break
		}
		glog.V(1).Infof("[cache]fetch %s error = %s\n", key, err)
	}

	self.stateLock.Lock()
	entry, ok := self.entries[key.canonical()]
	if !ok {
		// evicted mid fetch
		self.stateLock.Unlock()
		return
	}
	entry.fetching = false
	if err == nil {
		entry.data = data
		entry.status = StatusSuccess
		entry.err = nil
		entry.fetchedAt = time.Now()
	} else {
		// keep the last good data visible. the subscriber surfaces a
		// retry affordance, there is no further automatic retry until
		// the entry goes stale or is invalidated.
		entry.status = StatusError
		entry.err = err
		entry.fetchedAt = time.Now()
	}
	self.markDirtyLocked(entry)
	notifies := self.collectNotifiesLocked()
	self.stateLock.Unlock()
	runNotifies(notifies)
}

// entries with zero subscribers are retained for gcAfter past the last
// unsubscribe to tolerate rapid unmount/mount without a refetch storm
func (self *Cache) gc() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.GcSweepTimeout):
		}

		self.stateLock.Lock()
		for c, entry := range self.entries {
			if 0 < len(entry.subscriberIds) {
				continue
			}
			if entry.releasedAt.IsZero() {
				continue
			}
			if entry.gcAfter <= time.Since(entry.releasedAt) {
				glog.V(1).Infof("[cache]evict %s\n", entry.key)
				delete(self.entries, c)
				delete(self.dirty, c)
			}
		}
		self.stateLock.Unlock()
	}
}

type Subscription struct {
	cache          *Cache
	key            QueryKey
	subscriptionId Id

	closeOnce sync.Once
}

func (self *Subscription) Key() QueryKey {
	return self.key
}

// stops notification delivery. any in-flight fetch for the key keeps
// running and may still warm the cache for a future subscriber.
func (self *Subscription) Close() {
	self.closeOnce.Do(func() {
		cache := self.cache
		cache.stateLock.Lock()
		if entry, ok := cache.entries[self.key.canonical()]; ok {
			for i, subscriptionId := range entry.subscriberIds {
				if subscriptionId == self.subscriptionId {
					entry.subscriberIds = append(
						entry.subscriberIds[0:i],
						entry.subscriberIds[i+1:]...,
					)
					break
				}
			}
			delete(entry.subscribers, self.subscriptionId)
			if len(entry.subscriberIds) == 0 {
				entry.releasedAt = time.Now()
			}
		}
		cache.stateLock.Unlock()
	})
}
