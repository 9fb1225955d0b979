package roomsync

import (
	"sync"
)

type DocumentChangedFunction = func(document DocumentHandle)

// ChangeObserver bridges a document handle's change feed to a snapshot
// callback. The callback is invoked once eagerly on attach and then on
// every change. No projection happens here; consumers re-derive their
// views from the raw tree on each invocation.
type ChangeObserver struct {
	onChanged DocumentChangedFunction

	stateLock   sync.Mutex
	document    DocumentHandle
	unsubscribe func()
	closed      bool
}

func NewChangeObserver(onChanged DocumentChangedFunction) *ChangeObserver {
	return &ChangeObserver{
		onChanged: onChanged,
	}
}

// Update swaps the observed handle. The previous subscription is always
// cancelled before the new one is established. A nil document detaches.
func (self *ChangeObserver) Update(document DocumentHandle) {
	var unsubscribe func()
	replaced := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			return
		}
		if self.document == document {
			return
		}

		unsubscribe = self.unsubscribe
		self.unsubscribe = nil
		self.document = document
		replaced = true
	}()

	if unsubscribe != nil {
		unsubscribe()
	}
	if !replaced || document == nil {
		return
	}

	// register outside the lock in case the feed delivers synchronously
	documentUnsubscribe := document.Listen(func() {
		self.changed(document)
	})

	stale := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed || self.document != document {
			stale = true
			return
		}
		self.unsubscribe = documentUnsubscribe
	}()
	if stale {
		documentUnsubscribe()
		return
	}

	// eager delivery of the current snapshot
	self.changed(document)
}

// invokes the callback only while `document` is still the observed handle
func (self *ChangeObserver) changed(document DocumentHandle) {
	self.stateLock.Lock()
	if self.closed || self.document != document {
		self.stateLock.Unlock()
		return
	}
	self.stateLock.Unlock()

	handleCallback(func() {
		self.onChanged(document)
	})
}

// Close cancels the active subscription. Idempotent.
func (self *ChangeObserver) Close() {
	var unsubscribe func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.closed = true
		unsubscribe = self.unsubscribe
		self.unsubscribe = nil
		self.document = nil
	}()

	if unsubscribe != nil {
		unsubscribe()
	}
}
