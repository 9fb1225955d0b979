package roomsync

import (
	"context"
)

// the remote room service is an opaque capability. The embedding
// application supplies these interfaces; this package never opens
// sockets itself and never assumes a wire format.

type Room interface {
	Storage() Storage
	Sync() Sync
	Messaging() Messaging
}

type Storage interface {
	// reports whether a storage resource exists at `path`
	Exists(ctx context.Context, path string) (bool, error)
	// opens a writable handle. overwrite replaces any existing resource.
	Open(ctx context.Context, path string, overwrite bool) (StorageHandle, error)
	// public download reference for an uploaded resource
	DownloadUrl(ctx context.Context, path string) (string, error)
}

type StorageHandle interface {
	Write(ctx context.Context, chunk []byte) error
	Close(ctx context.Context) error
}

type Sync interface {
	Open(ctx context.Context, path string) (DocumentHandle, error)
	Close(ctx context.Context, path string) error
}

// DocumentHandle is a live reference to a remote tree-structured
// document. The handle is exclusively owned by the DocumentConnection
// that opened it; borrowers must never close it through `Sync`.
type DocumentHandle interface {
	Root() Element
	// registers a change callback and returns the unsubscribe.
	// callbacks for one handle are delivered serialized in feed order.
	Listen(callback func()) func()
}

// Element is a tagged node with string attributes and ordered children.
// child order is chronological for message/member lists.
type Element interface {
	Tag() string
	// second return is false when the attribute is unset
	Attribute(name string) (string, bool)
	Children() []Element
	CreateChildElement(tag string, attributes map[string]string) (Element, error)
}

// EphemeralMessage is a transient participant-to-participant message.
// it is never persisted to the document.
type EphemeralMessage struct {
	SenderId Id
	Type     string
	Message  map[string]any
}

type Messaging interface {
	// live snapshot of remote participants
	RemoteParticipants() []*Participant
	SendMessage(ctx context.Context, to Id, messageType string, message map[string]any) error
	// inbound ephemeral messages as a pull sequence (see Subscribe)
	Messages() Source[*EphemeralMessage]
	AddParticipantAddedCallback(callback func(*Participant)) func()
	AddParticipantRemovedCallback(callback func(*Participant)) func()
	AddMessagingEnabledCallback(callback func(bool)) func()
}

// ephemeral message types
const (
	MessageTypeChat     = "chat"
	MessageTypeTyping   = "typing"
	MessageTypeThinking = "thinking"
)

// future resolved at most once, awaited with a context

type futureResult[R any] struct {
	Result R
	Error  error
}

type future[R any] struct {
	c chan futureResult[R]
}

func newFuture[R any]() *future[R] {
	return &future[R]{
		c: make(chan futureResult[R], 1),
	}
}

// resolve after the first call is a no-op
func (self *future[R]) Resolve(result R, err error) {
	select {
	case self.c <- futureResult[R]{
		Result: result,
		Error:  err,
	}:
	default:
	}
}

func (self *future[R]) Await(ctx context.Context) (R, error) {
	select {
	case r := <-self.c:
		// leave the value for subsequent awaits
		self.c <- r
		return r.Result, r.Error
	case <-ctx.Done():
		var empty R
		return empty, ctx.Err()
	}
}
