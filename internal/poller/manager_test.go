package poller

import (
	"context"
	"testing"
	"time"

	"presence/internal/meeting"
	"presence/internal/session"
)

func testManager(rec *fakeRecorder) *Manager {
	src := &fakeSource{}
	cls := &fakeClassifier{fn: matchSubject}
	return NewManager(singleCycleConfig(), map[string]struct{}{"a@x.edu": {}}, src, cls, rec, nil)
}

func joined(room, email, role string) meeting.Event {
	return meeting.Event{
		Type:        meeting.EventJoined,
		Room:        room,
		Participant: meeting.Participant{Email: email, Name: "A", Role: role},
		At:          time.Now(),
	}
}

func left(room, email string) meeting.Event {
	return meeting.Event{
		Type:        meeting.EventLeft,
		Room:        room,
		Participant: meeting.Participant{Email: email},
		At:          time.Now(),
	}
}

func TestManagerTracksJoinAndLeave(t *testing.T) {
	rec := &fakeRecorder{}
	m := testManager(rec)
	defer m.StopAll()

	if err := m.HandleEvent(context.Background(), joined("room-1", "a@x.edu", "student")); err != nil {
		t.Fatalf("join: %v", err)
	}
	if m.Active() != 1 {
		t.Fatalf("active = %d, want 1", m.Active())
	}
	if rec.sessionCount() != 1 {
		t.Fatalf("sessions = %d, want 1", rec.sessionCount())
	}

	m.HandleEvent(context.Background(), left("room-1", "a@x.edu"))
	if m.Active() != 0 {
		t.Fatalf("active after leave = %d, want 0", m.Active())
	}
}

func TestManagerIgnoresProfessors(t *testing.T) {
	rec := &fakeRecorder{}
	m := testManager(rec)
	defer m.StopAll()

	if err := m.HandleEvent(context.Background(), joined("room-1", "prof@x.edu", meeting.RoleProfessor)); err != nil {
		t.Fatalf("professor join: %v", err)
	}
	if m.Active() != 0 {
		t.Fatalf("active = %d, want 0 for professor", m.Active())
	}
	if rec.sessionCount() != 0 {
		t.Fatalf("sessions = %d, want 0 for professor", rec.sessionCount())
	}
}

func TestManagerDuplicateJoinIsNoOp(t *testing.T) {
	rec := &fakeRecorder{}
	m := testManager(rec)
	defer m.StopAll()

	evt := joined("room-1", "a@x.edu", "student")
	if err := m.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := m.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("duplicate join: %v", err)
	}
	if rec.sessionCount() != 1 {
		t.Fatalf("sessions = %d after duplicate join, want 1", rec.sessionCount())
	}
	if m.Active() != 1 {
		t.Fatalf("active = %d, want 1", m.Active())
	}
}

func TestManagerForgetsFailedStart(t *testing.T) {
	rec := &fakeRecorder{startErr: session.ErrSessionCreate}
	m := testManager(rec)

	if err := m.HandleEvent(context.Background(), joined("room-1", "a@x.edu", "student")); err == nil {
		t.Fatal("expected session create error")
	}
	if m.Active() != 0 {
		t.Fatalf("active = %d after failed start, want 0", m.Active())
	}

	// A later join for the same participant may try again.
	rec.mu.Lock()
	rec.startErr = nil
	rec.mu.Unlock()
	if err := m.HandleEvent(context.Background(), joined("room-1", "a@x.edu", "student")); err != nil {
		t.Fatalf("retry join: %v", err)
	}
	defer m.StopAll()
	if m.Active() != 1 {
		t.Fatalf("active = %d after retry, want 1", m.Active())
	}
}

func TestManagerRejectsUnknownEventType(t *testing.T) {
	m := testManager(&fakeRecorder{})
	if err := m.HandleEvent(context.Background(), meeting.Event{Type: "renamed", Room: "r"}); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}
