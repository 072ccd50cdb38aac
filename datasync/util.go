package datasync

import (
	"math/rand"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update so that callers can iterate
// the returned slice without holding the lock
type CallbackList[T any] struct {
	mutex       sync.Mutex
	callbackIds []Id
	callbacks   map[Id]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []Id{},
		callbacks:   map[Id]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.callbackIds))
	for i, callbackId := range self.callbackIds {
		callbacks[i] = self.callbacks[callbackId]
	}
	return callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.callbackIds)
}

// returns a remove function
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := NewId()
	self.callbackIds = append(slices.Clone(self.callbackIds), callbackId)
	self.callbacks[callbackId] = callback
	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	delete(self.callbacks, callbackId)
}

// broadcasts change to all waiters. waiters take a notify channel
// which is closed on the next notify.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	close(self.update)
	self.update = make(chan struct{})
}

// exponential backoff timer for reconnect loops.
// the delay doubles on each attempt up to a capped ceiling, with
// uniform jitter to avoid thundering reconnects after an outage.
type Reconnect struct {
	minTimeout time.Duration
	maxTimeout time.Duration

	mutex   sync.Mutex
	attempt int
}

func NewReconnect(minTimeout time.Duration, maxTimeout time.Duration) *Reconnect {
	return &Reconnect{
		minTimeout: minTimeout,
		maxTimeout: maxTimeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	return time.After(self.NextTimeout())
}

func (self *Reconnect) NextTimeout() time.Duration {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	timeout := self.minTimeout << uint(self.attempt)
	if self.maxTimeout < timeout || timeout <= 0 {
		timeout = self.maxTimeout
	} else {
		self.attempt += 1
	}
	jitter := time.Duration(rand.Int63n(int64(timeout)/4 + 1))
	return timeout + jitter
}

// call after a successful connection so the next drop starts
// from the minimum delay again
func (self *Reconnect) Reset() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.attempt = 0
}
