// Package poller runs the attendance polling loop for tracked meeting
// participants: a repeating timer per (room, participant) where each tick is
// one bounded capture-classify-record cycle.
package poller

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"presence/internal/capture"
	"presence/internal/faceclient"
	"presence/internal/meeting"
	"presence/internal/session"
)

// State of a controller. One-way except for the ACTIVE/CYCLE_RUNNING pair.
type State int32

const (
	StateIdle State = iota
	StateSessionStarting
	StateActive
	StateCycleRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSessionStarting:
		return "SESSION_STARTING"
	case StateActive:
		return "ACTIVE"
	case StateCycleRunning:
		return "CYCLE_RUNNING"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// Recorder durably appends attendance data, scoped to a session.
type Recorder interface {
	StartSession(ctx context.Context, room string) (session.Session, error)
	AppendRecord(ctx context.Context, rec session.Record) (session.Record, error)
}

// Classifier submits one frame to the recognition service.
type Classifier interface {
	Classify(ctx context.Context, imageDataURL, room string, subject faceclient.Face) ([]faceclient.Face, error)
}

// FrameArchiver optionally stores the frame behind a non-PRESENT record for
// later review. A nil archiver disables archiving.
type FrameArchiver interface {
	ArchiveFrame(ctx context.Context, room, sessionID string, frame capture.Frame) (string, error)
}

// Config holds the two-tier cycle timing: a macro period between cycles, a
// sub-poll interval inside a cycle, and a hard wall-clock cap per cycle.
type Config struct {
	Interval    time.Duration
	SubInterval time.Duration
	CycleCap    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 120 * time.Second
	}
	if c.SubInterval <= 0 {
		c.SubInterval = 3 * time.Second
	}
	if c.CycleCap <= 0 {
		c.CycleCap = 15 * time.Second
	}
	return c
}

// Controller owns the polling loop for one participant in one room.
type Controller struct {
	cfg        Config
	room       string
	subject    meeting.Participant
	roster     map[string]struct{}
	source     capture.Source
	classifier Classifier
	recorder   Recorder
	archiver   FrameArchiver

	mu        sync.Mutex
	state     State
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}

	inCycle atomic.Bool
}

// New builds an idle controller. roster is the injected set of identities
// the recognition gallery can definitively recognize; archiver may be nil.
func New(cfg Config, room string, subject meeting.Participant, roster map[string]struct{},
	source capture.Source, classifier Classifier, recorder Recorder, archiver FrameArchiver) *Controller {
	if roster == nil {
		roster = map[string]struct{}{}
	}
	return &Controller{
		cfg:        cfg.withDefaults(),
		room:       room,
		subject:    subject,
		roster:     roster,
		source:     source,
		classifier: classifier,
		recorder:   recorder,
		archiver:   archiver,
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session this controller records under, once started.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start creates the session and launches the repeating timer. Starting an
// already-started controller is a no-op. A session-create failure moves the
// controller straight to STOPPED: tracking never begins for this meeting
// occurrence and no camera acquisition is attempted.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state = StateSessionStarting
	c.mu.Unlock()

	sess, err := c.recorder.StartSession(ctx, c.room)
	if err != nil {
		c.setState(StateStopped)
		log.Printf("poller: session create failed for room %s: %v", c.room, err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.state != StateSessionStarting {
		// Stopped while the session row was being created: the session
		// stays unused and no timer is scheduled.
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.sessionID = sess.ID
	c.state = StateActive
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	activeControllers.Inc()
	log.Printf("poller: tracking started room=%s participant=%s session=%s", c.room, c.subject.Email, sess.ID)
	go c.loop(runCtx)
	return nil
}

// Stop cancels the repeating timer immediately and waits for any in-flight
// cycle to finish its camera-release cleanup. Safe to call more than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateStopped
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
		activeControllers.Dec()
	}
	if prev == StateActive || prev == StateCycleRunning {
		log.Printf("poller: tracking stopped room=%s participant=%s", c.room, c.subject.Email)
	}
}

// loop is the macro timer: one cycle right away, then one per interval until
// the controller stops.
func (c *Controller) loop(ctx context.Context) {
	defer close(c.done)

	c.runCycle(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

// runCycle executes one bounded capture-classify-record cycle. Re-entrant
// ticks while a cycle is running are ignored.
func (c *Controller) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !c.inCycle.CompareAndSwap(false, true) {
		return
	}
	defer c.inCycle.Store(false)

	c.transitionIfActive(StateActive, StateCycleRunning)
	defer c.transitionIfActive(StateCycleRunning, StateActive)

	cyclesTotal.Inc()

	cctx, cancel := context.WithTimeout(ctx, c.cfg.CycleCap)
	defer cancel()

	stream, err := c.source.Acquire(cctx)
	if err != nil {
		cameraFailures.Inc()
		log.Printf("poller: camera acquire failed room=%s: %v", c.room, err)
		return
	}
	defer stream.Release()

	// Identities already recorded within this capture window.
	logged := make(map[string]struct{})
	var last session.Status
	var lastFrame capture.Frame

	sub := time.NewTicker(c.cfg.SubInterval)
	defer sub.Stop()

	for {
		if c.subPoll(cctx, stream, logged, &last, &lastFrame) {
			return // PRESENT recorded for the subject; remaining budget not spent
		}
		select {
		case <-cctx.Done():
			// Record the final status only when the cap genuinely elapsed;
			// a meeting-left or shutdown mid-cycle just cleans up.
			if ctx.Err() == nil {
				c.recordFinal(ctx, logged, last, lastFrame)
			}
			return
		case <-sub.C:
		}
	}
}

// subPoll runs one capture+classify attempt. It returns true once a PRESENT
// record has been written for the polled participant.
func (c *Controller) subPoll(ctx context.Context, stream capture.Stream, logged map[string]struct{}, last *session.Status, lastFrame *capture.Frame) bool {
	frame, err := stream.Frame(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("poller: frame capture failed room=%s: %v", c.room, err)
		}
		return false
	}
	*lastFrame = frame

	faces, err := c.classifier.Classify(ctx, frame.DataURL(), c.room, faceclient.Face{Email: c.subject.Email, Name: c.subject.Name})
	if err != nil {
		// Endpoint failure is not a recognition outcome: leave the cycle's
		// status untouched and retry on the next sub-interval tick.
		classificationFailures.Inc()
		if ctx.Err() == nil {
			log.Printf("poller: classify failed room=%s: %v", c.room, err)
		}
		return false
	}

	matched := false
	for _, f := range faces {
		if f.Email == "" {
			continue
		}
		if f.Email == c.subject.Email {
			matched = true
			continue
		}
		// Other roster members visible in the frame get a PRESENT record
		// too, at most once per capture window.
		if _, known := c.roster[f.Email]; !known {
			continue
		}
		if _, dup := logged[f.Email]; dup {
			continue
		}
		c.append(ctx, session.Record{
			SessionID: c.sessionID,
			Email:     f.Email,
			Name:      f.Name,
			Status:    session.StatusPresent,
		})
		logged[f.Email] = struct{}{}
	}
	if matched {
		if _, dup := logged[c.subject.Email]; !dup {
			c.append(ctx, session.Record{
				SessionID: c.sessionID,
				Email:     c.subject.Email,
				Name:      c.subject.Name,
				Status:    session.StatusPresent,
			})
			logged[c.subject.Email] = struct{}{}
		}
		return true
	}

	if _, known := c.roster[c.subject.Email]; known {
		*last = session.StatusMismatched
	} else {
		*last = session.StatusUnrecognized
	}
	return false
}

// recordFinal writes the cycle's last computed status exactly once when the
// cap elapsed without a PRESENT classification for the subject.
func (c *Controller) recordFinal(ctx context.Context, logged map[string]struct{}, last session.Status, lastFrame capture.Frame) {
	if !last.Valid() {
		return
	}
	if _, dup := logged[c.subject.Email]; dup {
		return
	}

	// The cycle context has expired by now; the final append and archive get
	// a short budget of their own, still tied to controller shutdown.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	frameURL := ""
	if c.archiver != nil && len(lastFrame.Data) > 0 {
		url, err := c.archiver.ArchiveFrame(fctx, c.room, c.sessionID, lastFrame)
		if err != nil {
			log.Printf("poller: frame archive failed room=%s: %v", c.room, err)
		} else {
			frameURL = url
		}
	}

	c.append(fctx, session.Record{
		SessionID: c.sessionID,
		Email:     c.subject.Email,
		Name:      c.subject.Name,
		Status:    last,
		FrameURL:  frameURL,
	})
}

// append writes one record; a failed append is logged and dropped, it never
// aborts the cycle or the loop.
func (c *Controller) append(ctx context.Context, rec session.Record) {
	if _, err := c.recorder.AppendRecord(ctx, rec); err != nil {
		recordFailures.Inc()
		log.Printf("poller: record append failed session=%s participant=%s: %v", rec.SessionID, rec.Email, err)
		return
	}
	recordsTotal.WithLabelValues(string(rec.Status)).Inc()
}

// transitionIfActive flips from -> to but never resurrects a stopped
// controller.
func (c *Controller) transitionIfActive(from, to State) {
	c.mu.Lock()
	if c.state == from {
		c.state = to
	}
	c.mu.Unlock()
}
