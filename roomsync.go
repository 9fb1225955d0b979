package roomsync

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) IsZero() bool {
	return self == Id{}
}

// use this type when counting bytes
type ByteCount = int64

// participant roles used by the room service
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Participant is one member of a room as reported by the messaging
// capability. Attributes carry service-defined metadata; `name` is the
// cross-reference key between live participants and document members.
type Participant struct {
	ParticipantId Id
	Role          string
	Attributes    map[string]string
}

func (self *Participant) Name() string {
	return self.Attributes["name"]
}

func (self *Participant) String() string {
	return fmt.Sprintf("%s(%s)", self.Name(), self.ParticipantId)
}
