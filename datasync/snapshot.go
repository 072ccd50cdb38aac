package datasync

import (
	"time"
)

type capturedEntry struct {
	key       QueryKey
	data      any
	status    QueryStatus
	err       error
	fetchedAt time.Time
}

// verbatim copy of a slice of cache state, taken before an optimistic
// patch so a failed mutation can roll back to exactly the pre-patch state
type CacheSnapshot struct {
	cache    *Cache
	prefixes []QueryKey
	captured map[string]*capturedEntry
}

// captures every entry whose key starts with one of the prefixes.
// on restore, entries created under those prefixes after the capture are
// reverted as well.
func (self *Cache) Snapshot(prefixes ...QueryKey) *CacheSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	captured := map[string]*capturedEntry{}
	for c, entry := range self.entries {
		for _, prefix := range prefixes {
			if entry.key.HasPrefix(prefix) {
				captured[c] = self.captureEntryLocked(entry)
				break
			}
		}
	}
	return &CacheSnapshot{
		cache:    self,
		prefixes: prefixes,
		captured: captured,
	}
}

// captures every entry that currently embeds the entity.
// per-entity mutation serialization guarantees no other in-flight
// mutation is patching these same entries.
func (self *Cache) SnapshotEntity(ref EntityRef) *CacheSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	captured := map[string]*capturedEntry{}
	for c, entry := range self.entries {
		if dataEmbeds(entry.data, ref) {
			captured[c] = self.captureEntryLocked(entry)
		}
	}
	return &CacheSnapshot{
		cache:    self,
		captured: captured,
	}
}

// must hold stateLock
func (self *Cache) captureEntryLocked(entry *queryEntry) *capturedEntry {
	return &capturedEntry{
		key:       entry.key,
		data:      cloneData(entry.data),
		status:    entry.status,
		err:       entry.err,
		fetchedAt: entry.fetchedAt,
	}
}

func dataEmbeds(data any, ref EntityRef) bool {
	switch v := data.(type) {
	case *Record:
		return v.Ref == ref
	case *RecordList:
		return v.Contains(ref)
	default:
		return false
	}
}

// puts every captured entry back bit for bit and notifies subscribers.
// entries evicted since the capture are recreated. the snapshot can be
// restored more than once.
func (self *CacheSnapshot) Restore() {
	cache := self.cache
	cache.stateLock.Lock()

	// revert entries created under the snapshot scope after the capture
	for c, entry := range cache.entries {
		if _, ok := self.captured[c]; ok {
			continue
		}
		inScope := false
		for _, prefix := range self.prefixes {
			if entry.key.HasPrefix(prefix) {
				inScope = true
				break
			}
		}
		if !inScope {
			continue
		}
		if len(entry.subscriberIds) == 0 {
			delete(cache.entries, c)
			delete(cache.dirty, c)
		} else {
			entry.data = nil
			entry.status = StatusIdle
			entry.err = nil
			entry.fetchedAt = time.Time{}
			cache.markDirtyLocked(entry)
		}
	}

	for _, captured := range self.captured {
		entry := cache.entryLocked(captured.key)
		entry.data = cloneData(captured.data)
		entry.status = captured.status
		entry.err = captured.err
		entry.fetchedAt = captured.fetchedAt
		cache.markDirtyLocked(entry)
	}

	notifies := cache.collectNotifiesLocked()
	cache.stateLock.Unlock()
	runNotifies(notifies)
}
