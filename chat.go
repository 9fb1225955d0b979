package roomsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// document element tags and attributes
const (
	TagMessages = "messages"
	TagMessage  = "message"
	TagMembers  = "members"
	TagMember   = "member"
	TagFile     = "file"

	AttrId         = "id"
	AttrText       = "text"
	AttrTime       = "time"
	AttrAuthorName = "author_name"
	AttrName       = "name"
	AttrPath       = "path"
)

type Attachment struct {
	Name string
	Path string
}

type ChatMessage struct {
	MessageId   string
	Text        string
	Time        time.Time
	AuthorName  string
	Attachments []*Attachment
}

type MessagesChangedFunction = func(messages []*ChatMessage)

type ChatSessionSettings struct {
	ConnectionSettings *DocumentConnectionSettings
	// sent exactly once, immediately after the first successful connect.
	// empty means none.
	InitialMessage string
	// membership reconciled on connect
	IncludeLocalMember bool
	MemberNames        []string
}

func DefaultChatSessionSettings() *ChatSessionSettings {
	return &ChatSessionSettings{
		ConnectionSettings: DefaultDocumentConnectionSettings(),
		IncludeLocalMember: true,
	}
}

// ChatSession projects a room document's message list, appends new
// messages, reconciles document membership, and fans new messages out
// as ephemeral room messages to online members. It is a consumer of
// DocumentConnection, ChangeObserver and ParticipantRoster rather than
// a state machine of its own.
type ChatSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	room             Room
	path             string
	localParticipant *Participant

	settings *ChatSessionSettings

	connection *DocumentConnection
	observer   *ChangeObserver
	roster     *ParticipantRoster

	stateLock          sync.Mutex
	messages           []*ChatMessage
	initialMessageSent bool

	// serializes reconciliation passes so concurrent callers cannot
	// both add the same missing name
	reconcileLock sync.Mutex

	messagesChangedCallbacks *CallbackList[MessagesChangedFunction]

	removeConnectedCallback func()
}

func NewChatSessionWithDefaults(
	ctx context.Context,
	room Room,
	path string,
	localParticipant *Participant,
) *ChatSession {
	return NewChatSession(ctx, room, path, localParticipant, DefaultChatSessionSettings())
}

func NewChatSession(
	ctx context.Context,
	room Room,
	path string,
	localParticipant *Participant,
	settings *ChatSessionSettings,
) *ChatSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &ChatSession{
		ctx:                      cancelCtx,
		cancel:                   cancel,
		room:                     room,
		path:                     path,
		localParticipant:         localParticipant,
		settings:                 settings,
		messages:                 []*ChatMessage{},
		messagesChangedCallbacks: NewCallbackList[MessagesChangedFunction](),
	}

	session.observer = NewChangeObserver(session.documentChanged)
	session.roster = NewParticipantRoster(room.Messaging())
	session.connection = NewDocumentConnection(cancelCtx, room, path, settings.ConnectionSettings)
	session.removeConnectedCallback = session.connection.AddConnectedCallback(session.connected)

	return session
}

// invoked once per successful open
func (self *ChatSession) connected(document DocumentHandle) {
	self.observer.Update(document)

	if err := self.ReconcileMembers(nil, self.settings.IncludeLocalMember, self.settings.MemberNames); err != nil {
		glog.Infof("[chat]%s reconcile error = %s\n", self.path, err)
	}

	if self.settings.InitialMessage != "" {
		sendInitial := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if !self.initialMessageSent {
				self.initialMessageSent = true
				sendInitial = true
			}
		}()
		if sendInitial {
			if err := self.Send(self.ctx, self.settings.InitialMessage, nil); err != nil {
				glog.Infof("[chat]%s initial message error = %s\n", self.path, err)
			}
		}
	}
}

// re-derives the message projection from the raw tree on every change
func (self *ChatSession) documentChanged(document DocumentHandle) {
	messages := projectMessages(document)

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.messages = messages
	}()

	for _, callback := range self.messagesChangedCallbacks.Get() {
		handleCallback(func() {
			callback(messages)
		})
	}
}

// Messages is the current ordered projection of the document's message
// list. Order is chronological (document child order).
func (self *ChatSession) Messages() []*ChatMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.messages)
}

// Send appends one message element to the document and fans it out as
// an ephemeral message to every online member. Members listed in the
// document but not currently connected are skipped for delivery but
// remain in history.
func (self *ChatSession) Send(ctx context.Context, text string, attachments []*Attachment) error {
	document := self.connection.Document()
	if document == nil {
		return errors.New("not connected")
	}

	messagesNode, err := ensureChild(document.Root(), TagMessages)
	if err != nil {
		return err
	}

	messageId := NewId()
	messageElement, err := messagesNode.CreateChildElement(TagMessage, map[string]string{
		AttrId:         messageId.String(),
		AttrText:       text,
		AttrTime:       time.Now().UTC().Format(time.RFC3339Nano),
		AttrAuthorName: self.localParticipant.Name(),
	})
	if err != nil {
		return err
	}
	for _, attachment := range attachments {
		if _, err := messageElement.CreateChildElement(TagFile, map[string]string{
			AttrName: attachment.Name,
			AttrPath: attachment.Path,
		}); err != nil {
			return err
		}
	}

	// deliver to the intersection, by name, of document members and the
	// live roster
	var sendErrs []error
	for _, participant := range self.OnlineMembers() {
		sendErr := self.room.Messaging().SendMessage(ctx, participant.ParticipantId, MessageTypeChat, map[string]any{
			MessageKeyPath: self.path,
			AttrId:         messageId.String(),
			AttrText:       text,
			AttrAuthorName: self.localParticipant.Name(),
		})
		if sendErr != nil {
			glog.Infof("[chat]%s send to %s error = %s\n", self.path, participant, sendErr)
			sendErrs = append(sendErrs, sendErr)
		} else {
			glog.V(2).Infof("[chat]%s -> %s\n", self.path, participant)
		}
	}
	return errors.Join(sendErrs...)
}

// SendTyping publishes a typing signal to online members. Receivers
// decay the signal on their own timers (see PresenceIndicators).
func (self *ChatSession) SendTyping(ctx context.Context) error {
	return self.sendPresence(ctx, MessageTypeTyping, map[string]any{
		MessageKeyPath: self.path,
	})
}

// SendThinking publishes or clears a thinking signal to online members
func (self *ChatSession) SendThinking(ctx context.Context, thinking bool) error {
	return self.sendPresence(ctx, MessageTypeThinking, map[string]any{
		MessageKeyPath:     self.path,
		MessageKeyThinking: thinking,
	})
}

func (self *ChatSession) sendPresence(ctx context.Context, messageType string, message map[string]any) error {
	var sendErrs []error
	for _, participant := range self.OnlineMembers() {
		if err := self.room.Messaging().SendMessage(ctx, participant.ParticipantId, messageType, message); err != nil {
			sendErrs = append(sendErrs, err)
		}
	}
	return errors.Join(sendErrs...)
}

// ReconcileMembers adds missing `member` elements for the desired set:
// the supplied participants, optionally the local participant, and the
// raw names. Idempotent; the member list never contains duplicates and
// existing members are never removed.
func (self *ChatSession) ReconcileMembers(participants []*Participant, includeLocal bool, names []string) error {
	self.reconcileLock.Lock()
	defer self.reconcileLock.Unlock()

	document := self.connection.Document()
	if document == nil {
		return errors.New("not connected")
	}

	membersNode, err := ensureChild(document.Root(), TagMembers)
	if err != nil {
		return err
	}

	memberNames := map[string]bool{}
	for _, member := range membersNode.Children() {
		if name, ok := member.Attribute(AttrName); ok {
			memberNames[name] = true
		}
	}

	desired := []string{}
	for _, participant := range participants {
		desired = append(desired, participant.Name())
	}
	if includeLocal {
		desired = append(desired, self.localParticipant.Name())
	}
	desired = append(desired, names...)

	for _, name := range desired {
		if name == "" || memberNames[name] {
			continue
		}
		if _, err := membersNode.CreateChildElement(TagMember, map[string]string{
			AttrName: name,
		}); err != nil {
			return err
		}
		memberNames[name] = true
	}
	return nil
}

// OnlineMembers is the intersection, by name, of the document's member
// list and the live participant roster.
func (self *ChatSession) OnlineMembers() []*Participant {
	document := self.connection.Document()
	if document == nil {
		return []*Participant{}
	}

	memberNames := map[string]bool{}
	if membersNode := findChild(document.Root(), TagMembers); membersNode != nil {
		for _, member := range membersNode.Children() {
			if name, ok := member.Attribute(AttrName); ok {
				memberNames[name] = true
			}
		}
	}

	online := []*Participant{}
	for _, participant := range self.roster.Participants() {
		if memberNames[participant.Name()] {
			online = append(online, participant)
		}
	}
	return online
}

func (self *ChatSession) AddMessagesChangedCallback(callback MessagesChangedFunction) func() {
	callbackId := self.messagesChangedCallbacks.Add(callback)
	return func() {
		self.messagesChangedCallbacks.Remove(callbackId)
	}
}

func (self *ChatSession) Connection() *DocumentConnection {
	return self.connection
}

func (self *ChatSession) Roster() *ParticipantRoster {
	return self.roster
}

// Close tears down the composition. Idempotent.
func (self *ChatSession) Close() {
	self.removeConnectedCallback()
	self.observer.Close()
	self.roster.Close()
	self.connection.Close()
	self.cancel()
}

func projectMessages(document DocumentHandle) []*ChatMessage {
	messages := []*ChatMessage{}
	messagesNode := findChild(document.Root(), TagMessages)
	if messagesNode == nil {
		return messages
	}

	for _, element := range messagesNode.Children() {
		if element.Tag() != TagMessage {
			continue
		}
		message := &ChatMessage{
			Attachments: []*Attachment{},
		}
		message.MessageId, _ = element.Attribute(AttrId)
		message.Text, _ = element.Attribute(AttrText)
		message.AuthorName, _ = element.Attribute(AttrAuthorName)
		if timeStr, ok := element.Attribute(AttrTime); ok {
			if messageTime, err := time.Parse(time.RFC3339Nano, timeStr); err == nil {
				message.Time = messageTime
			}
		}
		for _, child := range element.Children() {
			if child.Tag() != TagFile {
				continue
			}
			attachment := &Attachment{}
			attachment.Name, _ = child.Attribute(AttrName)
			attachment.Path, _ = child.Attribute(AttrPath)
			message.Attachments = append(message.Attachments, attachment)
		}
		messages = append(messages, message)
	}
	return messages
}

func findChild(parent Element, tag string) Element {
	for _, child := range parent.Children() {
		if child.Tag() == tag {
			return child
		}
	}
	return nil
}

func ensureChild(parent Element, tag string) (Element, error) {
	if child := findChild(parent, tag); child != nil {
		return child, nil
	}
	child, err := parent.CreateChildElement(tag, map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", tag, err)
	}
	return child, nil
}
