package datasync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbackList := NewCallbackList[func(int)]()

	calls := []int{}
	removeA := callbackList.Add(func(v int) {
		calls = append(calls, v)
	})
	removeB := callbackList.Add(func(v int) {
		calls = append(calls, v*10)
	})

	assert.Equal(t, callbackList.Len(), 2)
	for _, callback := range callbackList.Get() {
		callback(1)
	}
	assert.Equal(t, calls, []int{1, 10})

	removeA()
	assert.Equal(t, callbackList.Len(), 1)
	for _, callback := range callbackList.Get() {
		callback(2)
	}
	assert.Equal(t, calls, []int{1, 10, 20})

	// remove is idempotent
	removeA()
	removeB()
	assert.Equal(t, callbackList.Len(), 0)
}

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	select {
	case <-notify:
		t.Fatal("channel closed before notify")
	default:
	}

	monitor.NotifyAll()
	select {
	case <-notify:
	case <-time.After(1 * time.Second):
		t.Fatal("notify not delivered")
	}

	// a new channel is armed after each notify
	notify2 := monitor.NotifyChannel()
	select {
	case <-notify2:
		t.Fatal("new channel already closed")
	default:
	}
}

func TestReconnectBackoff(t *testing.T) {
	minTimeout := 100 * time.Millisecond
	maxTimeout := 1 * time.Second
	reconnect := NewReconnect(minTimeout, maxTimeout)

	previous := time.Duration(0)
	for i := 0; i < 8; i += 1 {
		timeout := reconnect.NextTimeout()
		assert.Equal(t, minTimeout <= timeout, true)
		assert.Equal(t, timeout <= maxTimeout+maxTimeout/4, true)
		if previous != 0 && previous < maxTimeout {
			// grows until the ceiling
			assert.Equal(t, previous/2 < timeout, true)
		}
		previous = timeout
	}

	reconnect.Reset()
	timeout := reconnect.NextTimeout()
	assert.Equal(t, timeout < 2*minTimeout, true)
}
