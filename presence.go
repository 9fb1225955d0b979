package roomsync

import (
	"context"
	"sync"
	"time"
)

// ephemeral message payload keys
const (
	MessageKeyPath     = "path"
	MessageKeyThinking = "thinking"
)

type PresenceChangedFunction = func(typing bool, thinking bool)

type PresenceIndicatorsSettings struct {
	// a typing signal lapses this long after the last renewal
	TypingTimeout time.Duration
	// a thinking signal lapses this long after the last renewal
	ThinkingTimeout time.Duration
}

func DefaultPresenceIndicatorsSettings() *PresenceIndicatorsSettings {
	return &PresenceIndicatorsSettings{
		TypingTimeout:   1 * time.Second,
		ThinkingTimeout: 5 * time.Second,
	}
}

// PresenceIndicators derives ephemeral typing/thinking booleans from
// inbound room messages scoped to one document path. This is a decayed
// presence model: signal freshness is bounded, and absence of renewal
// means the signal lapses.
type PresenceIndicators struct {
	path               string
	localParticipantId Id

	settings *PresenceIndicatorsSettings

	stateLock      sync.Mutex
	typingTimers   map[Id]*time.Timer
	thinkingTimers map[Id]*time.Timer
	closed         bool

	changeCallbacks *CallbackList[PresenceChangedFunction]

	subscription *Subscription
}

func NewPresenceIndicatorsWithDefaults(
	ctx context.Context,
	messaging Messaging,
	path string,
	localParticipantId Id,
) *PresenceIndicators {
	return NewPresenceIndicators(ctx, messaging, path, localParticipantId, DefaultPresenceIndicatorsSettings())
}

func NewPresenceIndicators(
	ctx context.Context,
	messaging Messaging,
	path string,
	localParticipantId Id,
	settings *PresenceIndicatorsSettings,
) *PresenceIndicators {
	indicators := &PresenceIndicators{
		path:               path,
		localParticipantId: localParticipantId,
		settings:           settings,
		typingTimers:       map[Id]*time.Timer{},
		thinkingTimers:     map[Id]*time.Timer{},
		changeCallbacks:    NewCallbackList[PresenceChangedFunction](),
	}
	indicators.subscription = Subscribe(ctx, messaging.Messages(), SubscriptionCallbacks[*EphemeralMessage]{
		Next: indicators.receive,
	})
	return indicators
}

func (self *PresenceIndicators) receive(message *EphemeralMessage) {
	// ignore self-authored messages and messages for other paths
	if message.SenderId == self.localParticipantId {
		return
	}
	if path, ok := message.Message[MessageKeyPath].(string); !ok || path != self.path {
		return
	}

	switch message.Type {
	case MessageTypeTyping:
		self.renew(self.typingTimers, message.SenderId, self.settings.TypingTimeout)
	case MessageTypeThinking:
		if thinking, _ := message.Message[MessageKeyThinking].(bool); thinking {
			self.renew(self.thinkingTimers, message.SenderId, self.settings.ThinkingTimeout)
		} else {
			self.clear(self.thinkingTimers, message.SenderId)
		}
	}
}

// (re)starts the expiry timer for one sender
func (self *PresenceIndicators) renew(timers map[Id]*time.Timer, senderId Id, timeout time.Duration) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			return
		}

		before := self.aggregateLocked()
		if timer, ok := timers[senderId]; ok {
			timer.Stop()
		}
		var timer *time.Timer
		timer = time.AfterFunc(timeout, func() {
			self.expire(timers, senderId, timer)
		})
		timers[senderId] = timer
		changed = before != self.aggregateLocked()
	}()

	if changed {
		self.event()
	}
}

func (self *PresenceIndicators) clear(timers map[Id]*time.Timer, senderId Id) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		before := self.aggregateLocked()
		if timer, ok := timers[senderId]; ok {
			timer.Stop()
			delete(timers, senderId)
		}
		changed = before != self.aggregateLocked()
	}()

	if changed {
		self.event()
	}
}

// entries self-remove on expiry. the identity check discards a timer
// that fired while a renewal replaced it.
func (self *PresenceIndicators) expire(timers map[Id]*time.Timer, senderId Id, timer *time.Timer) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if timers[senderId] != timer {
			return
		}

		before := self.aggregateLocked()
		delete(timers, senderId)
		changed = before != self.aggregateLocked()
	}()

	if changed {
		self.event()
	}
}

type presenceAggregate struct {
	typing   bool
	thinking bool
}

// must be called with `stateLock`
func (self *PresenceIndicators) aggregateLocked() presenceAggregate {
	return presenceAggregate{
		typing:   0 < len(self.typingTimers),
		thinking: 0 < len(self.thinkingTimers),
	}
}

func (self *PresenceIndicators) event() {
	var aggregate presenceAggregate
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		aggregate = self.aggregateLocked()
	}()

	for _, callback := range self.changeCallbacks.Get() {
		handleCallback(func() {
			callback(aggregate.typing, aggregate.thinking)
		})
	}
}

// IsTyping is true iff at least one remote typing signal is live
func (self *PresenceIndicators) IsTyping() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < len(self.typingTimers)
}

// IsThinking is true iff at least one remote thinking signal is live
func (self *PresenceIndicators) IsThinking() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < len(self.thinkingTimers)
}

func (self *PresenceIndicators) AddChangeCallback(callback PresenceChangedFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// Close cancels the message subscription and all pending timers.
// Idempotent.
func (self *PresenceIndicators) Close() {
	self.subscription.Unsubscribe()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	for senderId, timer := range self.typingTimers {
		timer.Stop()
		delete(self.typingTimers, senderId)
	}
	for senderId, timer := range self.thinkingTimers {
		timer.Stop()
		delete(self.thinkingTimers, senderId)
	}
}
