package coordinate

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// copy-on-write list of registered callbacks, keyed by callback id.
// `Get` returns a stable snapshot. callers that must honor
// unsubscribe-during-notify re-check `Contains` before each call.
type callbackListEntry[T any] struct {
	callbackId Id
	callback   T
}

type CallbackList[T any] struct {
	mutex   sync.Mutex
	entries []callbackListEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		entries: []callbackListEntry[T]{},
	}
}

func (self *CallbackList[T]) Add(callback T) Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := NewId()
	nextEntries := slices.Clone(self.entries)
	nextEntries = append(nextEntries, callbackListEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.entries = nextEntries
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.entries, func(entry callbackListEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = slices.Delete(nextEntries, i, i+1)
	self.entries = nextEntries
}

func (self *CallbackList[T]) Contains(callbackId Id) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.entries, func(entry callbackListEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	return 0 <= i
}

// snapshot in registration order
func (self *CallbackList[T]) Get() []callbackListEntry[T] {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.entries
}

func (self *CallbackList[T]) Count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.entries)
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.entries = []callbackListEntry[T]{}
}

type Reconnect struct {
	timeout time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	return time.After(self.timeout)
}
