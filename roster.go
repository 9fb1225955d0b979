package roomsync

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

type RosterChangedFunction = func(participants []*Participant)

// ParticipantRoster mirrors a room's remote-participant set. On any
// membership event the full roster is recomputed from the messaging
// capability's live snapshot rather than patched incrementally, which
// sidesteps ordering bugs between add/remove events at the cost of an
// O(n) copy per event.
type ParticipantRoster struct {
	messaging Messaging

	stateLock    sync.Mutex
	participants []*Participant
	closed       bool

	changeCallbacks *CallbackList[RosterChangedFunction]

	unsubscribes []func()
}

func NewParticipantRoster(messaging Messaging) *ParticipantRoster {
	roster := &ParticipantRoster{
		messaging:       messaging,
		participants:    []*Participant{},
		changeCallbacks: NewCallbackList[RosterChangedFunction](),
	}

	roster.unsubscribes = []func(){
		messaging.AddParticipantAddedCallback(func(participant *Participant) {
			glog.V(2).Infof("[roster]added %s\n", participant)
			roster.refresh()
		}),
		messaging.AddParticipantRemovedCallback(func(participant *Participant) {
			glog.V(2).Infof("[roster]removed %s\n", participant)
			roster.refresh()
		}),
		messaging.AddMessagingEnabledCallback(func(enabled bool) {
			roster.refresh()
		}),
	}

	// eager init
	roster.refresh()

	return roster
}

func (self *ParticipantRoster) refresh() {
	participants := slices.Clone(self.messaging.RemoteParticipants())

	stale := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			stale = true
			return
		}
		self.participants = participants
	}()
	if stale {
		return
	}

	for _, callback := range self.changeCallbacks.Get() {
		handleCallback(func() {
			callback(participants)
		})
	}
}

func (self *ParticipantRoster) Participants() []*Participant {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.participants)
}

func (self *ParticipantRoster) AddChangeCallback(callback RosterChangedFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// Close tears down all event subscriptions. Idempotent.
func (self *ParticipantRoster) Close() {
	var unsubscribes []func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.closed = true
		unsubscribes = self.unsubscribes
		self.unsubscribes = nil
	}()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
}
