package meeting

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Lifecycle event types emitted by the conferencing room widget.
const (
	EventJoined = "joined"
	EventLeft   = "left"
)

// RoleProfessor marks the participant running the room; professors are
// never tracked.
const RoleProfessor = "professor"

// Participant identifies one local participant of a room.
type Participant struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// Event is one room lifecycle notification relayed from the meeting widget.
type Event struct {
	Type        string      `json:"type"`
	Room        string      `json:"room"`
	Participant Participant `json:"participant"`
	At          time.Time   `json:"at"`
}

// Validate checks the fields the tracker depends on.
func (e Event) Validate() error {
	if e.Type != EventJoined && e.Type != EventLeft {
		return errors.New("event type must be joined or left")
	}
	if strings.TrimSpace(e.Room) == "" {
		return errors.New("room required")
	}
	if strings.TrimSpace(e.Participant.Email) == "" {
		return errors.New("participant email required")
	}
	return nil
}

// Encode serializes the event for queue transport.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a queued event payload.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, e.Validate()
}
