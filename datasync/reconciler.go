package datasync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// maps one event type onto cache patches.
//
// Patch must be idempotent: the channel delivers at least once, so
// applying the same envelope twice must produce the same cache state.
// patches therefore set authoritative values from the payload rather
// than increment.
type EventBinding struct {
	Type string
	// extracts the target entity from the envelope. returning false means
	// the event is not scoped to one entity and skips arbitration.
	Entity func(envelope *EventEnvelope) (EntityRef, bool)
	Patch  func(cache *Cache, envelope *EventEnvelope)
}

type ReconcilerSettings struct {
	// bursts of the same event type for the same entity inside this
	// window collapse to the latest payload. 0 disables coalescing.
	CoalesceTimeout time.Duration
}

func DefaultReconcilerSettings() *ReconcilerSettings {
	return &ReconcilerSettings{
		CoalesceTimeout: 100 * time.Millisecond,
	}
}

// comparable
type coalesceKey struct {
	eventType string
	ref       EntityRef
}

// maps inbound server-pushed events onto cache patches, arbitrating
// against in-flight optimistic mutations.
//
// the arbitration rule: an event scoped to an entity with a pending
// mutation is buffered and replayed once the mutation settles, applied
// on top of the settled state. a push event computed from pre-mutation
// server state can then never clobber the settlement result, and no
// event is silently dropped while its entity is in flight.
type Reconciler struct {
	ctx    context.Context
	cancel context.CancelFunc

	cache    *Cache
	pipeline *MutationPipeline
	settings *ReconcilerSettings

	stateLock  sync.Mutex
	bindings   map[string]*EventBinding
	buffered   map[EntityRef][]*EventEnvelope
	coalescing map[coalesceKey]*EventEnvelope

	removeCallbacks []func()
}

func NewReconcilerWithDefaults(ctx context.Context, cache *Cache, pipeline *MutationPipeline) *Reconciler {
	return NewReconciler(ctx, cache, pipeline, DefaultReconcilerSettings())
}

func NewReconciler(ctx context.Context, cache *Cache, pipeline *MutationPipeline, settings *ReconcilerSettings) *Reconciler {
	cancelCtx, cancel := context.WithCancel(ctx)
	reconciler := &Reconciler{
		ctx:        cancelCtx,
		cancel:     cancel,
		cache:      cache,
		pipeline:   pipeline,
		settings:   settings,
		bindings:   map[string]*EventBinding{},
		buffered:   map[EntityRef][]*EventEnvelope{},
		coalescing: map[coalesceKey]*EventEnvelope{},
	}
	removeSettlement := pipeline.AddSettlementListener(reconciler.handleSettlement)
	reconciler.removeCallbacks = append(reconciler.removeCallbacks, removeSettlement)
	return reconciler
}

// registers patch functions. one declarative table for all screens,
// so arbitration is enforced uniformly.
func (self *Reconciler) Bind(bindings ...*EventBinding) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, binding := range bindings {
		self.bindings[binding.Type] = binding
	}
}

// subscribes the reconciler to a channel: one handler per bound event
// type, plus the resync signal.
func (self *Reconciler) Attach(channel *Channel) {
	self.stateLock.Lock()
	eventTypes := make([]string, 0, len(self.bindings))
	for eventType := range self.bindings {
		eventTypes = append(eventTypes, eventType)
	}
	self.stateLock.Unlock()

	for _, eventType := range eventTypes {
		remove := channel.On(eventType, self.Handle)
		self.removeCallbacks = append(self.removeCallbacks, remove)
	}
	removeResync := channel.On(ResyncEventType, self.Handle)
	self.removeCallbacks = append(self.removeCallbacks, removeResync)
}

func (self *Reconciler) Handle(envelope *EventEnvelope) {
	if envelope.Type == ResyncEventType {
		// events missed while disconnected cannot be replayed.
		// refetch everything currently on screen, once.
		glog.Infof("[evt]resync\n")
		self.cache.InvalidateActive()
		return
	}

	self.stateLock.Lock()
	binding, ok := self.bindings[envelope.Type]
	self.stateLock.Unlock()
	if !ok {
		// a delivered event type without a binding is a misconfigured
		// event table, not a runtime condition
		panic(fmt.Sprintf("no event binding for %s", envelope.Type))
	}

	var ref EntityRef
	scoped := false
	if binding.Entity != nil {
		ref, scoped = binding.Entity(envelope)
	}

	if scoped && 0 < self.settings.CoalesceTimeout {
		ck := coalesceKey{
			eventType: envelope.Type,
			ref:       ref,
		}
		self.stateLock.Lock()
		if _, ok := self.coalescing[ck]; ok {
			// collapse the burst to the latest payload
			self.coalescing[ck] = envelope
			self.stateLock.Unlock()
			glog.V(2).Infof("[evt]coalesce %s %s\n", envelope.Type, ref)
			return
		}
		self.coalescing[ck] = envelope
		self.stateLock.Unlock()
		time.AfterFunc(self.settings.CoalesceTimeout, func() {
			select {
			case <-self.ctx.Done():
				return
			default:
			}
			self.flushCoalesced(ck, binding)
		})
		return
	}

	self.arbitrate(binding, ref, scoped, envelope)
}

func (self *Reconciler) flushCoalesced(ck coalesceKey, binding *EventBinding) {
	self.stateLock.Lock()
	envelope, ok := self.coalescing[ck]
	delete(self.coalescing, ck)
	self.stateLock.Unlock()
	if !ok {
		return
	}
	self.arbitrate(binding, ck.ref, true, envelope)
}

func (self *Reconciler) arbitrate(binding *EventBinding, ref EntityRef, scoped bool, envelope *EventEnvelope) {
	// an event without a server timestamp applies unconditionally
	if scoped && !envelope.ServerTimestamp.IsZero() && self.pipeline.IsPending(ref) {
		self.stateLock.Lock()
		self.buffered[ref] = append(self.buffered[ref], envelope)
		self.stateLock.Unlock()

		// the mutation may have settled between the pending check and the
		// append, with the settlement replay draining the buffer before
		// this envelope landed. nothing would flush it then, so take it
		// back out and apply it as if the entity had not been pending.
		// if the replay already consumed it, that path owns it.
		if !self.pipeline.IsPending(ref) {
			if self.unbuffer(ref, envelope) {
				self.apply(binding, envelope)
			}
			return
		}
		glog.V(1).Infof("[evt]buffer %s %s\n", envelope.Type, ref)
		return
	}
	self.apply(binding, envelope)
}

// removes the envelope from the entity's buffer if it is still there.
// returns whether this caller took ownership of it.
func (self *Reconciler) unbuffer(ref EntityRef, envelope *EventEnvelope) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	envelopes := self.buffered[ref]
	for i, buffered := range envelopes {
		if buffered == envelope {
			envelopes = append(envelopes[0:i], envelopes[i+1:]...)
			if len(envelopes) == 0 {
				delete(self.buffered, ref)
			} else {
				self.buffered[ref] = envelopes
			}
			return true
		}
	}
	return false
}

func (self *Reconciler) apply(binding *EventBinding, envelope *EventEnvelope) {
	self.cache.Update(func() {
		binding.Patch(self.cache, envelope)
	})
	glog.V(1).Infof("[evt]apply %s\n", envelope.Type)
}

// replays buffered events on top of the settled state, in arrival order.
// events computed from pre-mutation server state are dropped, so a stale
// push can never overwrite the settlement result.
func (self *Reconciler) handleSettlement(settlement *MutationSettlement) {
	ref := settlement.EntityRef
	if ref.IsZero() {
		return
	}

	self.stateLock.Lock()
	envelopes := self.buffered[ref]
	delete(self.buffered, ref)
	self.stateLock.Unlock()

	for _, envelope := range envelopes {
		if !envelope.ServerTimestamp.IsZero() && envelope.ServerTimestamp.Before(settlement.DispatchTime) {
			glog.V(1).Infof("[evt]drop stale %s %s\n", envelope.Type, ref)
			continue
		}
		self.stateLock.Lock()
		binding, ok := self.bindings[envelope.Type]
		self.stateLock.Unlock()
		if !ok {
			continue
		}
		// the entity may already have a queued mutation in flight again,
		// in which case the event re-buffers behind it
		self.arbitrate(binding, ref, true, envelope)
	}
}

func (self *Reconciler) Close() {
	self.cancel()
	for _, remove := range self.removeCallbacks {
		remove()
	}
}
