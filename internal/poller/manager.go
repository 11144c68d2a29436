package poller

import (
	"context"
	"fmt"
	"log"
	"sync"

	"presence/internal/capture"
	"presence/internal/meeting"
)

// Manager owns one controller per (room, participant) and translates meeting
// lifecycle events into controller starts and stops.
type Manager struct {
	cfg        Config
	roster     map[string]struct{}
	source     capture.Source
	classifier Classifier
	recorder   Recorder
	archiver   FrameArchiver

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewManager wires the controller collaborators once; every controller the
// manager spawns shares them.
func NewManager(cfg Config, roster map[string]struct{}, source capture.Source,
	classifier Classifier, recorder Recorder, archiver FrameArchiver) *Manager {
	return &Manager{
		cfg:         cfg,
		roster:      roster,
		source:      source,
		classifier:  classifier,
		recorder:    recorder,
		archiver:    archiver,
		controllers: make(map[string]*Controller),
	}
}

func key(room, email string) string {
	return room + "|" + email
}

// HandleEvent reacts to one meeting lifecycle event. Professors never start
// tracking: the instructor is the tracked room, not a tracked subject.
// A joined event for an already-tracked participant is a no-op.
func (m *Manager) HandleEvent(ctx context.Context, evt meeting.Event) error {
	switch evt.Type {
	case meeting.EventJoined:
		if evt.Participant.Role == meeting.RoleProfessor {
			log.Printf("poller: professor %s joined %s, no tracking", evt.Participant.Email, evt.Room)
			return nil
		}
		return m.startTracking(ctx, evt)
	case meeting.EventLeft:
		m.stopTracking(evt)
		return nil
	}
	return fmt.Errorf("unknown meeting event type %q", evt.Type)
}

func (m *Manager) startTracking(ctx context.Context, evt meeting.Event) error {
	k := key(evt.Room, evt.Participant.Email)

	m.mu.Lock()
	if _, exists := m.controllers[k]; exists {
		m.mu.Unlock()
		return nil
	}
	c := New(m.cfg, evt.Room, evt.Participant, m.roster, m.source, m.classifier, m.recorder, m.archiver)
	m.controllers[k] = c
	m.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		// Session creation failed; tracking never starts for this meeting
		// occurrence, so forget the controller.
		m.mu.Lock()
		delete(m.controllers, k)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) stopTracking(evt meeting.Event) {
	k := key(evt.Room, evt.Participant.Email)

	m.mu.Lock()
	c, exists := m.controllers[k]
	if exists {
		delete(m.controllers, k)
	}
	m.mu.Unlock()

	if exists {
		c.Stop()
	}
}

// Active returns the number of controllers currently tracking.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.controllers)
}

// StopAll stops every controller, waiting for in-flight cycle cleanup.
func (m *Manager) StopAll() {
	m.mu.Lock()
	cs := make([]*Controller, 0, len(m.controllers))
	for k, c := range m.controllers {
		cs = append(cs, c)
		delete(m.controllers, k)
	}
	m.mu.Unlock()

	for _, c := range cs {
		c.Stop()
	}
}
