package session

import (
	"errors"
	"time"
)

// Status is the classification outcome recorded for one participant in one
// polling cycle.
type Status string

const (
	// StatusPresent means the classifier matched the participant's own face.
	StatusPresent Status = "PRESENT"
	// StatusMismatched means the participant is on the known roster but the
	// classifier did not match them this cycle.
	StatusMismatched Status = "IN_MEETING_MISMATCHED"
	// StatusUnrecognized means the participant's identity is not on the
	// known roster at all.
	StatusUnrecognized Status = "IN_MEETING_UNRECOGNIZED"
)

// Valid reports whether s is one of the recordable statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusMismatched, StatusUnrecognized:
		return true
	}
	return false
}

// Session is one tracked meeting occurrence for one room. Created once per
// qualifying join event, never mutated, retained for audit.
type Session struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	CreatedAt time.Time `json:"created_at"`
}

// Record is one immutable attendance record appended under a session.
type Record struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	FrameURL   string    `json:"frame_url,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// Participant is a roster member known to the recognition gallery.
type Participant struct {
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	Role         string     `json:"role"`
	FaceEnrolled bool       `json:"face_enrolled"`
	EnrolledAt   *time.Time `json:"enrolled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ErrSessionCreate is returned when the backing store cannot create a
// session row; tracking for the whole meeting occurrence is aborted.
var ErrSessionCreate = errors.New("session create failed")
