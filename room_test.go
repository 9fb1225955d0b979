package roomsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// in-memory room capabilities shared by the package tests

type testRoom struct {
	storage   *testStorage
	sync      *testSync
	messaging *testMessaging
}

func newTestRoom() *testRoom {
	document := newTestDocument()
	return &testRoom{
		storage: &testStorage{
			existing: map[string]bool{},
			handles:  []*testStorageHandle{},
		},
		sync: &testSync{
			document: document,
		},
		messaging: newTestMessaging(),
	}
}

func (self *testRoom) Storage() Storage {
	return self.storage
}

func (self *testRoom) Sync() Sync {
	return self.sync
}

func (self *testRoom) Messaging() Messaging {
	return self.messaging
}

// document and elements

type testDocument struct {
	root            *testElement
	changeCallbacks *CallbackList[func()]
}

func newTestDocument() *testDocument {
	document := &testDocument{
		changeCallbacks: NewCallbackList[func()](),
	}
	document.root = &testElement{
		document: document,
		tag:      "root",
		attrs:    map[string]string{},
	}
	return document
}

func (self *testDocument) Root() Element {
	return self.root
}

func (self *testDocument) Listen(callback func()) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *testDocument) notify() {
	for _, callback := range self.changeCallbacks.Get() {
		callback()
	}
}

type testElement struct {
	document *testDocument

	stateLock sync.Mutex
	tag       string
	attrs     map[string]string
	children  []Element
}

func (self *testElement) Tag() string {
	return self.tag
}

func (self *testElement) Attribute(name string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	value, ok := self.attrs[name]
	return value, ok
}

func (self *testElement) Children() []Element {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	children := make([]Element, len(self.children))
	copy(children, self.children)
	return children
}

func (self *testElement) CreateChildElement(tag string, attributes map[string]string) (Element, error) {
	attrs := map[string]string{}
	for name, value := range attributes {
		attrs[name] = value
	}
	child := &testElement{
		document: self.document,
		tag:      tag,
		attrs:    attrs,
	}

	self.stateLock.Lock()
	self.children = append(self.children, child)
	self.stateLock.Unlock()

	self.document.notify()
	return child, nil
}

// sync capability with scripted open failures

type testSync struct {
	stateLock sync.Mutex

	document *testDocument
	// number of leading open attempts that fail
	failures   int
	openCount  int
	closeCount int
}

func (self *testSync) Open(ctx context.Context, path string) (DocumentHandle, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.openCount += 1
	if self.openCount <= self.failures {
		return nil, fmt.Errorf("open failed (attempt %d)", self.openCount)
	}
	return self.document, nil
}

func (self *testSync) Close(ctx context.Context, path string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closeCount += 1
	return nil
}

func (self *testSync) OpenCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.openCount
}

func (self *testSync) CloseCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closeCount
}

// storage capability

type testStorage struct {
	stateLock sync.Mutex

	existing    map[string]bool
	existsErr   error
	openErr     error
	downloadErr error
	handles     []*testStorageHandle
}

func (self *testStorage) Exists(ctx context.Context, path string) (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.existsErr != nil {
		return false, self.existsErr
	}
	return self.existing[path], nil
}

func (self *testStorage) Open(ctx context.Context, path string, overwrite bool) (StorageHandle, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.openErr != nil {
		return nil, self.openErr
	}
	handle := &testStorageHandle{
		path:      path,
		overwrite: overwrite,
	}
	self.handles = append(self.handles, handle)
	return handle, nil
}

func (self *testStorage) DownloadUrl(ctx context.Context, path string) (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.downloadErr != nil {
		return "", self.downloadErr
	}
	return "https://store.test/" + path, nil
}

func (self *testStorage) Handles() []*testStorageHandle {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	handles := make([]*testStorageHandle, len(self.handles))
	copy(handles, self.handles)
	return handles
}

type testStorageHandle struct {
	stateLock sync.Mutex

	path      string
	overwrite bool
	written   []byte
	// fail the write once this many bytes have been accepted
	failAfter ByteCount
	failErr   error
	closed    bool
}

func (self *testStorageHandle) Write(ctx context.Context, chunk []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.failErr != nil && self.failAfter <= ByteCount(len(self.written)) {
		return self.failErr
	}
	self.written = append(self.written, chunk...)
	return nil
}

func (self *testStorageHandle) Close(ctx context.Context) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	return nil
}

func (self *testStorageHandle) Closed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closed
}

func (self *testStorageHandle) Written() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	written := make([]byte, len(self.written))
	copy(written, self.written)
	return written
}

// messaging capability

type testSend struct {
	to          Id
	messageType string
	message     map[string]any
}

type testMessaging struct {
	stateLock sync.Mutex

	participants []*Participant
	sends        []testSend
	sendErr      error

	messageC chan *EphemeralMessage

	addedCallbacks   *CallbackList[func(*Participant)]
	removedCallbacks *CallbackList[func(*Participant)]
	enabledCallbacks *CallbackList[func(bool)]
}

func newTestMessaging() *testMessaging {
	return &testMessaging{
		participants:     []*Participant{},
		messageC:         make(chan *EphemeralMessage, 16),
		addedCallbacks:   NewCallbackList[func(*Participant)](),
		removedCallbacks: NewCallbackList[func(*Participant)](),
		enabledCallbacks: NewCallbackList[func(bool)](),
	}
}

func (self *testMessaging) RemoteParticipants() []*Participant {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	participants := make([]*Participant, len(self.participants))
	copy(participants, self.participants)
	return participants
}

func (self *testMessaging) SendMessage(ctx context.Context, to Id, messageType string, message map[string]any) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.sendErr != nil {
		return self.sendErr
	}
	self.sends = append(self.sends, testSend{
		to:          to,
		messageType: messageType,
		message:     message,
	})
	return nil
}

func (self *testMessaging) Sends() []testSend {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	sends := make([]testSend, len(self.sends))
	copy(sends, self.sends)
	return sends
}

func (self *testMessaging) Messages() Source[*EphemeralMessage] {
	return &chanSource[*EphemeralMessage]{
		c: self.messageC,
	}
}

func (self *testMessaging) AddParticipantAddedCallback(callback func(*Participant)) func() {
	callbackId := self.addedCallbacks.Add(callback)
	return func() {
		self.addedCallbacks.Remove(callbackId)
	}
}

func (self *testMessaging) AddParticipantRemovedCallback(callback func(*Participant)) func() {
	callbackId := self.removedCallbacks.Add(callback)
	return func() {
		self.removedCallbacks.Remove(callbackId)
	}
}

func (self *testMessaging) AddMessagingEnabledCallback(callback func(bool)) func() {
	callbackId := self.enabledCallbacks.Add(callback)
	return func() {
		self.enabledCallbacks.Remove(callbackId)
	}
}

func (self *testMessaging) addParticipant(participant *Participant) {
	self.stateLock.Lock()
	self.participants = append(self.participants, participant)
	self.stateLock.Unlock()

	for _, callback := range self.addedCallbacks.Get() {
		callback(participant)
	}
}

func (self *testMessaging) removeParticipant(participantId Id) {
	var removed *Participant
	self.stateLock.Lock()
	participants := []*Participant{}
	for _, participant := range self.participants {
		if participant.ParticipantId == participantId {
			removed = participant
		} else {
			participants = append(participants, participant)
		}
	}
	self.participants = participants
	self.stateLock.Unlock()

	if removed != nil {
		for _, callback := range self.removedCallbacks.Get() {
			callback(removed)
		}
	}
}

func (self *testMessaging) emitMessage(message *EphemeralMessage) {
	self.messageC <- message
}

// channel-backed pull source

type chanSource[T any] struct {
	c chan T
}

func (self *chanSource[T]) Next(ctx context.Context) (T, bool, error) {
	select {
	case value, ok := <-self.c:
		if !ok {
			var empty T
			return empty, false, nil
		}
		return value, true, nil
	case <-ctx.Done():
		var empty T
		return empty, false, ctx.Err()
	}
}

// slice-backed pull source. ends with `err` when set.
type sliceSource[T any] struct {
	stateLock sync.Mutex
	values    []T
	err       error
}

func (self *sliceSource[T]) Next(ctx context.Context) (T, bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.values) == 0 {
		var empty T
		return empty, false, self.err
	}
	value := self.values[0]
	self.values = self.values[1:]
	return value, true, nil
}

func testParticipant(name string, role string) *Participant {
	return &Participant{
		ParticipantId: NewId(),
		Role:          role,
		Attributes: map[string]string{
			"name": name,
		},
	}
}

// polls until the condition holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !condition() {
		t.Fatal("condition not reached before deadline")
	}
}

func fastConnectionSettings() *DocumentConnectionSettings {
	return &DocumentConnectionSettings{
		RetryBackoffMinimum: 1 * time.Millisecond,
		RetryBackoffMaximum: 8 * time.Millisecond,
		SettleTimeout:       1 * time.Millisecond,
		SchemaCheck:         false,
	}
}
