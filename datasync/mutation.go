package datasync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	MutationPending MutationStatus = iota
	MutationSettled
	MutationRolledBack
)

type MutationStatus int

func (self MutationStatus) String() string {
	switch self {
	case MutationPending:
		return "pending"
	case MutationSettled:
		return "settled"
	case MutationRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// declares one user-initiated write.
//
// Call is the server call and is required. Optimistic is applied
// synchronously before the call is issued and returns the undo function
// used for rollback (take a cache snapshot, patch, return snapshot.Restore).
// OnSettled applies the authoritative server result, replacing the
// optimistic values wholesale so server-computed fields win.
// Invalidate lists key prefixes refetched after settlement either way,
// to reconcile anything the optimistic patch could not compute locally.
type MutationDefinition struct {
	// target entity for per-entity serialization and event arbitration.
	// may be zero for mutations that do not contend on one entity.
	EntityRef  EntityRef
	Call       func(ctx context.Context) (any, error)
	Optimistic func(cache *Cache) func()
	OnSettled  func(cache *Cache, result any)
	Invalidate []QueryKey
}

type MutationSettlement struct {
	MutationId   Id
	EntityRef    EntityRef
	StartedAt    uint64
	DispatchTime time.Time
	Status       MutationStatus
	Err          error
}

type SettlementFunc func(settlement *MutationSettlement)

type mutationRecord struct {
	mutationId   Id
	definition   *MutationDefinition
	callback     ResultCallback[any]
	startedAt    uint64
	dispatchTime time.Time
	status       MutationStatus
	undo         func()
}

type MutationSettings struct {
	CallRetryCount   int
	CallRetryTimeout time.Duration
}

func DefaultMutationSettings() *MutationSettings {
	return &MutationSettings{
		CallRetryCount:   1,
		CallRetryTimeout: 500 * time.Millisecond,
	}
}

// executes user-initiated writes with optimistic local application,
// server reconciliation, and rollback.
//
// at most one mutation is in flight per entity. a second mutation
// dispatched while one is pending for the same entity queues behind its
// settlement rather than racing it, which is what prevents the
// double-increment under a rapid double tap.
//
// a mutation, once dispatched, always runs to settlement or rollback.
// it is not cancellable from the outside, so the cache is never left
// half patched.
type MutationPipeline struct {
	ctx    context.Context
	cancel context.CancelFunc

	cache    *Cache
	settings *MutationSettings

	stateLock  sync.Mutex
	seq        uint64
	pending    map[EntityRef]*mutationRecord
	queued     map[EntityRef][]*mutationRecord
	watermarks map[EntityRef]uint64

	settlementCallbacks *CallbackList[SettlementFunc]
}

func NewMutationPipelineWithDefaults(ctx context.Context, cache *Cache) *MutationPipeline {
	return NewMutationPipeline(ctx, cache, DefaultMutationSettings())
}

func NewMutationPipeline(ctx context.Context, cache *Cache, settings *MutationSettings) *MutationPipeline {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &MutationPipeline{
		ctx:                 cancelCtx,
		cancel:              cancel,
		cache:               cache,
		settings:            settings,
		pending:             map[EntityRef]*mutationRecord{},
		queued:              map[EntityRef][]*mutationRecord{},
		watermarks:          map[EntityRef]uint64{},
		settlementCallbacks: NewCallbackList[SettlementFunc](),
	}
}

func (self *MutationPipeline) Close() {
	self.cancel()
}

// dispatches a mutation. the optimistic patch is applied and observable
// before this returns (and before the network call is issued), unless the
// mutation queued behind a pending mutation for the same entity.
func (self *MutationPipeline) Mutate(definition *MutationDefinition, callback ResultCallback[any]) Id {
	if definition == nil || definition.Call == nil {
		// a missing call is a misconfigured definition, not a runtime condition
		panic("mutation definition requires a Call")
	}
	if callback == nil {
		callback = NewNoopResultCallback[any]()
	}

	record := &mutationRecord{
		mutationId: NewId(),
		definition: definition,
		callback:   callback,
	}

	ref := definition.EntityRef
	if !ref.IsZero() {
		self.stateLock.Lock()
		if _, ok := self.pending[ref]; ok {
			self.queued[ref] = append(self.queued[ref], record)
			self.stateLock.Unlock()
			glog.V(1).Infof("[mut]queue %s behind pending\n", ref)
			return record.mutationId
		}
		self.pending[ref] = record
		self.stateLock.Unlock()
	}

	self.start(record)
	return record.mutationId
}

func (self *MutationPipeline) start(record *mutationRecord) {
	self.stateLock.Lock()
	self.seq += 1
	record.startedAt = self.seq
	record.dispatchTime = time.Now()
	record.status = MutationPending
	self.stateLock.Unlock()

	if optimistic := record.definition.Optimistic; optimistic != nil {
		record.undo = optimistic(self.cache)
	}

	go self.run(record)
}

func (self *MutationPipeline) run(record *mutationRecord) {
	definition := record.definition

	var result any
	var err error
	for i := 0; i <= self.settings.CallRetryCount; i += 1 {
		if 0 < i {
			select {
			case <-self.ctx.Done():
			case <-time.After(self.settings.CallRetryTimeout):
			}
		}
		result, err = definition.Call(self.ctx)
		if err == nil || !retryableError(err) {
			break
		}
		glog.V(1).Infof("[mut]call retry %s = %s\n", record.mutationId, err)
	}

	// settlement is atomic. either the authoritative result or the
	// verbatim pre-patch snapshot becomes visible, never a partial patch.
	self.cache.Update(func() {
		if err == nil {
			if definition.OnSettled != nil {
				definition.OnSettled(self.cache, result)
			}
		} else {
			if record.undo != nil {
				record.undo()
			}
		}
	})

	// refetch anything the optimistic patch could not compute locally,
	// regardless of outcome
	for _, key := range definition.Invalidate {
		self.cache.Invalidate(key)
	}

	ref := definition.EntityRef
	var next *mutationRecord
	self.stateLock.Lock()
	if err == nil {
		record.status = MutationSettled
	} else {
		record.status = MutationRolledBack
	}
	if !ref.IsZero() {
		self.watermarks[ref] = record.startedAt
		delete(self.pending, ref)
		if queue := self.queued[ref]; 0 < len(queue) {
			next = queue[0]
			if len(queue) == 1 {
				delete(self.queued, ref)
			} else {
				self.queued[ref] = queue[1:]
			}
			self.pending[ref] = next
		}
	}
	self.stateLock.Unlock()

	if err != nil {
		glog.Infof("[mut]rollback %s = %s\n", record.mutationId, err)
	}

	settlement := &MutationSettlement{
		MutationId:   record.mutationId,
		EntityRef:    ref,
		StartedAt:    record.startedAt,
		DispatchTime: record.dispatchTime,
		Status:       record.status,
		Err:          err,
	}
	for _, settlementCallback := range self.settlementCallbacks.Get() {
		settlementCallback(settlement)
	}

	record.callback.Result(result, err)

	if next != nil {
		self.start(next)
	}
}

// whether a mutation is currently in flight for the entity
func (self *MutationPipeline) IsPending(ref EntityRef) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.pending[ref]
	return ok
}

// sequence number of the most recent settled mutation that touched
// the entity
func (self *MutationPipeline) Watermark(ref EntityRef) uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.watermarks[ref]
}

// returns a remove function
func (self *MutationPipeline) AddSettlementListener(settlementCallback SettlementFunc) func() {
	return self.settlementCallbacks.Add(settlementCallback)
}
