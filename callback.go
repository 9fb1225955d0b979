package roomsync

import (
	"sync"

	"golang.org/x/exp/maps"
)

// makes a copy of the callbacks on get so that fan-out never holds the lock
type CallbackList[T any] struct {
	mutex sync.Mutex

	nextCallbackId int
	callbacks      map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.callbacks, callbackId)
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return maps.Values(self.callbacks)
}

// note all callbacks are wrapped to recover from errors
func handleCallback(do func()) {
	defer func() {
		recover()
	}()
	do()
}
