package roomsync

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ConnectedFunction = func(document DocumentHandle)
type ConnectErrorFunction = func(err error)

type DocumentConnectionSettings struct {
	// initial retry delay. doubles on each failed attempt.
	RetryBackoffMinimum time.Duration
	// retry delay cap
	RetryBackoffMaximum time.Duration
	// fixed delay after a successful open, before publishing the handle.
	// absorbs a known propagation lag in the remote store.
	SettleTimeout time.Duration
	// when enabled, a document whose schema resource is confirmed absent
	// is never opened (silent halt, not an error)
	SchemaCheck bool
}

func DefaultDocumentConnectionSettings() *DocumentConnectionSettings {
	return &DocumentConnectionSettings{
		RetryBackoffMinimum: 500 * time.Millisecond,
		RetryBackoffMaximum: 60 * time.Second,
		SettleTimeout:       100 * time.Millisecond,
		SchemaCheck:         true,
	}
}

// DocumentConnection owns the open/retry/backoff state machine for one
// (room, path) document binding. It retries indefinitely on failure
// until success or Close. No attempt is ever fatal; callers wanting a
// bounded wait impose their own timeout externally.
//
// At most one open handle exists per binding. The handle is closed on
// teardown and must not be closed by borrowers.
type DocumentConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	room Room
	path string

	settings *DocumentConnectionSettings

	stateLock        sync.Mutex
	document         DocumentHandle
	err              error
	schemaFileExists bool
	attemptCount     int

	connectedCallbacks *CallbackList[ConnectedFunction]
	errorCallbacks     *CallbackList[ConnectErrorFunction]
}

func NewDocumentConnectionWithDefaults(
	ctx context.Context,
	room Room,
	path string,
) *DocumentConnection {
	return NewDocumentConnection(ctx, room, path, DefaultDocumentConnectionSettings())
}

func NewDocumentConnection(
	ctx context.Context,
	room Room,
	path string,
	settings *DocumentConnectionSettings,
) *DocumentConnection {
	cancelCtx, cancel := context.WithCancel(ctx)
	connection := &DocumentConnection{
		ctx:      cancelCtx,
		cancel:   cancel,
		room:     room,
		path:     path,
		settings: settings,
		// permissive default until confirmed absent
		schemaFileExists:   true,
		connectedCallbacks: NewCallbackList[ConnectedFunction](),
		errorCallbacks:     NewCallbackList[ConnectErrorFunction](),
	}
	go connection.run()
	return connection
}

func (self *DocumentConnection) run() {
	defer self.cancel()

	if self.settings.SchemaCheck {
		schemaPath := SchemaPath(self.path)
		exists, err := self.room.Storage().Exists(self.ctx, schemaPath)
		if self.ctx.Err() != nil {
			return
		}
		// if the check mechanism itself is unavailable, treat the
		// schema as present
		if err == nil && !exists {
			glog.Infof("[doc]%s no schema (%s)\n", self.path, schemaPath)
			self.stateLock.Lock()
			self.schemaFileExists = false
			self.stateLock.Unlock()
			return
		}
	}

	for {
		document, err := self.room.Sync().Open(self.ctx, self.path)
		if self.ctx.Err() != nil {
			if err == nil && document != nil {
				self.room.Sync().Close(context.Background(), self.path)
			}
			return
		}

		if err != nil {
			var delay time.Duration
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()

				self.err = err
				delay = retryDelay(self.settings, self.attemptCount)
				self.attemptCount += 1
			}()

			glog.Infof("[doc]%s open error = %s (retry in %s)\n", self.path, err, delay)
			for _, callback := range self.errorCallbacks.Get() {
				handleCallback(func() {
					callback(err)
				})
			}

			select {
			case <-self.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		// settle before publishing the handle
		select {
		case <-self.ctx.Done():
			self.room.Sync().Close(context.Background(), self.path)
			return
		case <-time.After(self.settings.SettleTimeout):
		}

		// the callback snapshot is taken under the same lock that
		// publishes the handle, so a callback added later observes the
		// handle and fires through AddConnectedCallback instead
		var callbacks []ConnectedFunction
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			self.document = document
			self.err = nil
			self.attemptCount = 0
			callbacks = self.connectedCallbacks.Get()
		}()

		glog.V(2).Infof("[doc]%s open\n", self.path)
		for _, callback := range callbacks {
			handleCallback(func() {
				callback(document)
			})
		}
		break
	}

	<-self.ctx.Done()

	// teardown: release the handle and reset local state
	var opened bool
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		opened = self.document != nil
		self.document = nil
		self.attemptCount = 0
	}()
	if opened {
		self.room.Sync().Close(context.Background(), self.path)
	}
}

// AddConnectedCallback registers `callback` to be invoked exactly once
// per successful open. If a handle is already open the callback is
// invoked immediately with the current handle instead.
func (self *DocumentConnection) AddConnectedCallback(callback ConnectedFunction) func() {
	callbackId := -1
	var document DocumentHandle
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		document = self.document
		if document == nil {
			// a connection opens at most once, so registration only
			// matters while the open is still pending
			callbackId = self.connectedCallbacks.Add(callback)
		}
	}()

	if document != nil {
		handleCallback(func() {
			callback(document)
		})
		return func() {}
	}

	return func() {
		self.connectedCallbacks.Remove(callbackId)
	}
}

func (self *DocumentConnection) AddErrorCallback(callback ConnectErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(callback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

func (self *DocumentConnection) Document() DocumentHandle {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.document
}

func (self *DocumentConnection) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.err
}

// IsLoading is true while neither a handle nor an error has been
// recorded, i.e. the very first attempt is still in flight
func (self *DocumentConnection) IsLoading() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.document == nil && self.err == nil
}

func (self *DocumentConnection) SchemaFileExists() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.schemaFileExists
}

func (self *DocumentConnection) AttemptCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.attemptCount
}

func (self *DocumentConnection) Path() string {
	return self.path
}

// Close is idempotent. Any in-flight or pending attempt becomes a no-op.
func (self *DocumentConnection) Close() {
	self.cancel()
}

// SchemaPath is the storage location of the schema resource for a
// document path, derived from the path's file extension.
func SchemaPath(documentPath string) string {
	ext := strings.TrimPrefix(filepath.Ext(documentPath), ".")
	return fmt.Sprintf(".schemas/%s.json", ext)
}

func retryDelay(settings *DocumentConnectionSettings, attemptCount int) time.Duration {
	delay := settings.RetryBackoffMinimum
	for i := 0; i < attemptCount; i += 1 {
		delay *= 2
		if settings.RetryBackoffMaximum <= delay {
			return settings.RetryBackoffMaximum
		}
	}
	return delay
}
