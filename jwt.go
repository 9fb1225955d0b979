package roomsync

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// RoomToken is the identity the room service minted for the local
// participant. Minting and verification stay with the service; the
// client only reads the claims.
type RoomToken struct {
	ParticipantId Id
	Name          string
	Role          string
	RoomName      string
}

func ParseRoomTokenUnverified(token string) (*RoomToken, error) {
	parser := gojwt.NewParser()
	parsedToken, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsedToken.Claims.(gojwt.MapClaims)

	roomToken := &RoomToken{}

	if participantIdStr, ok := claims["participant_id"].(string); ok {
		if participantId, err := ParseId(participantIdStr); err == nil {
			roomToken.ParticipantId = participantId
		}
	}
	if name, ok := claims["name"].(string); ok {
		roomToken.Name = name
	}
	if role, ok := claims["role"].(string); ok {
		roomToken.Role = role
	}
	if roomName, ok := claims["room"].(string); ok {
		roomToken.RoomName = roomName
	}

	return roomToken, nil
}

func (self *RoomToken) LocalParticipant() *Participant {
	return &Participant{
		ParticipantId: self.ParticipantId,
		Role:          self.Role,
		Attributes: map[string]string{
			"name": self.Name,
		},
	}
}
