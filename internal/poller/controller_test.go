package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"presence/internal/capture"
	"presence/internal/faceclient"
	"presence/internal/meeting"
	"presence/internal/session"
)

type fakeStream struct {
	frame    capture.Frame
	frameErr error
	releases int32
}

func (s *fakeStream) Frame(ctx context.Context) (capture.Frame, error) {
	if err := ctx.Err(); err != nil {
		return capture.Frame{}, err
	}
	if s.frameErr != nil {
		return capture.Frame{}, s.frameErr
	}
	return s.frame, nil
}

func (s *fakeStream) Release() {
	atomic.AddInt32(&s.releases, 1)
}

type fakeSource struct {
	mu         sync.Mutex
	acquireErr error
	failFirst  bool
	acquires   int
	active     int
	maxActive  int
	streams    []*fakeStream
}

func (s *fakeSource) Acquire(ctx context.Context) (capture.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquires++
	if s.acquireErr != nil && (!s.failFirst || s.acquires == 1) {
		return nil, s.acquireErr
	}
	st := &fakeStream{frame: capture.Frame{Data: []byte("jpeg"), Width: 640, Height: 480}}
	s.streams = append(s.streams, st)
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	return &countingStream{fakeStream: st, src: s}, nil
}

// countingStream tracks how many streams are held simultaneously.
type countingStream struct {
	*fakeStream
	src  *fakeSource
	once sync.Once
}

func (c *countingStream) Release() {
	c.fakeStream.Release()
	c.once.Do(func() {
		c.src.mu.Lock()
		c.src.active--
		c.src.mu.Unlock()
	})
}

func (s *fakeSource) totalAcquires() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquires
}

func (s *fakeSource) peakActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

func (s *fakeSource) releaseCounts() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int32, len(s.streams))
	for i, st := range s.streams {
		out[i] = atomic.LoadInt32(&st.releases)
	}
	return out
}

type fakeClassifier struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int, subject faceclient.Face) ([]faceclient.Face, error)
}

func (f *fakeClassifier) Classify(ctx context.Context, imageDataURL, room string, subject faceclient.Face) ([]faceclient.Face, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.fn == nil {
		return nil, nil
	}
	return f.fn(ctx, call, subject)
}

func (f *fakeClassifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRecorder struct {
	mu        sync.Mutex
	startErr  error
	appendErr error
	startGate chan struct{} // when set, StartSession blocks until closed
	sessions  []session.Session
	records   []session.Record
}

func (r *fakeRecorder) StartSession(ctx context.Context, room string) (session.Session, error) {
	if r.startGate != nil {
		<-r.startGate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return session.Session{}, r.startErr
	}
	s := session.Session{ID: "sess-1", Room: room, CreatedAt: time.Now()}
	r.sessions = append(r.sessions, s)
	return s, nil
}

func (r *fakeRecorder) AppendRecord(ctx context.Context, rec session.Record) (session.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return session.Record{}, r.appendErr
	}
	rec.CapturedAt = time.Now()
	r.records = append(r.records, rec)
	return rec, nil
}

func (r *fakeRecorder) recorded() []session.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.Record, len(r.records))
	copy(out, r.records)
	return out
}

func (r *fakeRecorder) sessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func matchSubject(ctx context.Context, call int, subject faceclient.Face) ([]faceclient.Face, error) {
	return []faceclient.Face{{Email: subject.Email, Name: subject.Name, Confidence: 0.9}}, nil
}

func noFaces(ctx context.Context, call int, subject faceclient.Face) ([]faceclient.Face, error) {
	return nil, nil
}

func singleCycleConfig() Config {
	return Config{Interval: time.Hour, SubInterval: 5 * time.Millisecond, CycleCap: 40 * time.Millisecond}
}

func student(email, name string) meeting.Participant {
	return meeting.Participant{Email: email, Name: name, Role: "student"}
}

func TestPresentMatchStopsCycleEarly(t *testing.T) {
	src := &fakeSource{}
	rec := &fakeRecorder{}
	cls := &fakeClassifier{fn: matchSubject}
	roster := map[string]struct{}{"c@x.edu": {}}

	c := New(singleCycleConfig(), "room-1", student("c@x.edu", "C"), roster, src, cls, rec, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	waitFor(t, time.Second, func() bool { return len(rec.recorded()) == 1 })
	// The cycle ends on the first match; the stream must already be released
	// well before the cap.
	waitFor(t, time.Second, func() bool {
		counts := src.releaseCounts()
		return len(counts) == 1 && counts[0] >= 1
	})

	records := rec.recorded()
	if records[0].Status != session.StatusPresent {
		t.Fatalf("status = %s, want PRESENT", records[0].Status)
	}
	if records[0].Email != "c@x.edu" {
		t.Fatalf("email = %s, want c@x.edu", records[0].Email)
	}
	if got := cls.callCount(); got != 1 {
		t.Fatalf("classifier called %d times, want 1 (early stop)", got)
	}
	if got := len(rec.recorded()); got != 1 {
		t.Fatalf("%d records, want exactly 1", got)
	}
}

func TestRosterMemberMismatchedAfterCap(t *testing.T) {
	src := &fakeSource{}
	rec := &fakeRecorder{}
	cls := &fakeClassifier{fn: noFaces}
	roster := map[string]struct{}{"a@x.edu": {}}

	c := New(singleCycleConfig(), "room-1", student("a@x.edu", "A"), roster, src, cls, rec, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	waitFor(t, time.Second, func() bool { return len(rec.recorded()) == 1 })

	records := rec.recorded()
	if records[0].Status != session.StatusMismatched {
		t.Fatalf("status = %s, want IN_MEETING_MISMATCHED", records[0].Status)
	}
	if records[0].Email != "a@x.edu" {
		t.Fatalf("email = %s, want a@x.edu", records[0].Email)
	}
	if cls.callCount() < 2 {
		t.Fatalf("classifier called %d times, want several sub-polls before cap", cls.callCount())
	}
	counts := src.releaseCounts()
	if len(counts) != 1 || counts[0] < 1 {
		t.Fatalf("release counts = %v, want stream released", counts)
	}
}

func TestOffRosterParticipantUnrecognized(t *testing.T) {
	src := &fakeSource{}
	rec := &fakeRecorder{}
	cls := &fakeClassifier{fn: noFaces}

	c := New(singleCycleConfig(), "room-1", student("b@x.edu", "B"), nil, src, cls, rec, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	waitFor(t, time.Second, func() bool { return len(rec.recorded()) == 1 })

	records := rec.recorded()
	if records[0].Status != session.StatusUnrecognized {
		t.Fatalf("status = %s, want IN_MEETING_UNRECOGNIZED", records[0].Status)
	}
	if records[0].Email != "b@x.edu" {
		t.Fatalf("email = %s, want b@x.edu", records[0].Email)
	}
}

func TestSessionCreateFailureStopsBeforeCamera(t *testing.T) {
	src := &fakeSource{}
	rec := &fakeRecorder{startErr: session.ErrSessionCreate}
	cls := &fakeClassifier{fn: matchSubject}

	c := New(singleCycleConfig(), "room-1", student("a@x.edu", "A"), nil, src, cls, rec, nil)
	err := c.Start(context.Background())
	if !errors.Is(err, session.ErrSessionCreate) {
		t.Fatalf("start err = %v, want ErrSessionCreate", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("state = %s, want STOPPED", c.State())
	}
	if src.totalAcquires() != 0 {
		t.Fatalf("camera acquired %d times after failed session create, want 0", src.totalAcquires())
	}
	if len(rec.recorded()) != 0 {
		t.Fatalf("%d records after failed session create, want 0", len(rec.recorded()))
	}
}

func TestStartIsIdempotent(t *testing.T) {
	src := &fakeSource{}
	rec := &fakeRecorder{}
	cls := &fakeClassifier{fn: matchSubject}

	c := New(singleCycleConfig(), "room-1", student("a@x.edu", "A"), nil, src, cls, rec, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}

	if got := rec.sessionCount(); got != 1 {
		t.Fatalf("%d sessions created by double start, want 1", got)
	}
}

func TestCameraFailureAbortsCycleOnly(t *testing.T) {
	src := &fakeSource{acquireErr: capture.ErrCameraUnavailable, failFirst: true}
	rec := &fakeRecorder{}
	cls := &fakeClassifier{fn: matchSubject}

	cfg := Config{Interval: 20 * time.Millisecond, SubInterval: 5 * time.Millisecond, CycleCap: 40 * time.Millisecond}
	c := New(cfg, "room-1", student("a@x.edu", "A"), nil, src, cls, rec, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	// First cycle aborts on acquire; the next scheduled cycle succeeds.
	waitFor(t, time.Second, func() bool { return len(rec.recorded()) >= 1 })
	if src.totalAcquires() < 2 {
		t.Fatalf("acquires = %d, want a retry after camera failure", src.totalAcquires())
	}
	if got := rec.recorded()[0].Status; got != session.StatusPresent {
		t.Fatalf("status = %s, want PRESENT once camera recovers", got)
	}
}

func TestClassificationFailureIsSilentRetry(t *testing.T) {
	src := &fakeSource{}
	rec := &fakeRecorder{}
	cls := &fakeClassifier{fn: func(ctx context.Context, call int, subject faceclient.Face) ([]faceclient.Face, error) {
		if call < 3 {
			return nil, faceclient.ErrClassificationFailed
		}
		return matchSubject(ctx, call, subject)
	}}

	c := New(singleCycleConfig(), "room-1", student("a@x.edu", "A"), nil, src, cls, rec, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	waitFor(t, time.Second, func() bool { return len(rec.recorded()) == 1 })

	records := rec.recorded()
	if records[0].Status != session.StatusPresent {
		t.Fatalf("status = %s, want PRESENT after silent retries", records[0].Status)
	}
	if cls.callCount() != 3 {
		t.Fatalf("classifier called %d times, want 3", cls.callCount())
	}
}

func TestStopMidCycleReleasesCamera(t *testing.T) {
	src := &fakeSource{}
	rec := &fakeRecorder{}
	// Classifier blocks until the cycle context is cancelled.
	cls := &fakeClassifier{fn: func(ctx context.Context, call int, subject faceclient.Face) ([]faceclient.Face, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	cfg := Config{Interval: time.Hour, SubInterval: 5 * time.Millisecond, CycleCap: 10 * time.Second}
	c := New(cfg, "room-1", student("a@x.edu", "A"), map[string]struct{}{"a@x.edu": {}}, src, cls, rec, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, time.Second, func() bool { return src.totalAcquires() == 1 })
	c.Stop()

	if c.State() != StateStopped {
		t.Fatalf("state = %s, want STOPPED", c.State())
	}
	counts := src.releaseCounts()
	if len(counts) != 1 || counts[0] < 1 {
		t.Fatalf("release counts = %v, want in-flight stream released before stop returned", counts)
	}
	// Stopping mid-cycle is not a cap expiry: no final status record.
	if got := len(rec.recorded()); got != 0 {
		t.Fatalf("%d records written by interrupted cycle, want 0", got)
	}
}

func TestStopDuringSessionStartPreventsTracking(t *testing.T) {
	src := &fakeSource{}
	gate := make(chan struct{})
	rec := &fakeRecorder{startGate: gate}
	cls := &fakeClassifier{fn: matchSubject}

	c := New(singleCycleConfig(), "room-1", student("a@x.edu", "A"), nil, src, cls, rec, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()

	waitFor(t, time.Second, func() bool { return c.State() == StateSessionStarting })
	c.Stop()
	close(gate)

	if err := <-errCh; err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.State() != StateStopped {
		t.Fatalf("state = %s, want STOPPED after stop raced session create", c.State())
	}
	// A stop that landed mid-create must win: no timer, no camera, no records.
	time.Sleep(20 * time.Millisecond)
	if got := src.totalAcquires(); got != 0 {
		t.Fatalf("camera acquired %d times after stop, want 0", got)
	}
	if got := len(rec.recorded()); got != 0 {
		t.Fatalf("%d records written after stop, want 0", got)
	}
}

func TestNoOverlappingCycles(t *testing.T) {
	src := &fakeSource{}
	rec := &fakeRecorder{}
	cls := &fakeClassifier{fn: noFaces}

	// Interval shorter than the cycle cap forces tick pressure during cycles.
	cfg := Config{Interval: 10 * time.Millisecond, SubInterval: 5 * time.Millisecond, CycleCap: 30 * time.Millisecond}
	c := New(cfg, "room-1", student("a@x.edu", "A"), map[string]struct{}{"a@x.edu": {}}, src, cls, rec, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	c.Stop()

	if peak := src.peakActive(); peak > 1 {
		t.Fatalf("peak concurrent camera streams = %d, want at most 1", peak)
	}
	for i, n := range src.releaseCounts() {
		if n != 1 {
			t.Fatalf("stream %d released %d times, want exactly 1", i, n)
		}
	}
}

func TestOtherRosterFacesRecordedOncePerWindow(t *testing.T) {
	src := &fakeSource{}
	rec := &fakeRecorder{}
	// Every sub-poll sees d@x.edu but never the polled participant.
	cls := &fakeClassifier{fn: func(ctx context.Context, call int, subject faceclient.Face) ([]faceclient.Face, error) {
		return []faceclient.Face{{Email: "d@x.edu", Name: "D"}}, nil
	}}
	roster := map[string]struct{}{"a@x.edu": {}, "d@x.edu": {}}

	c := New(singleCycleConfig(), "room-1", student("a@x.edu", "A"), roster, src, cls, rec, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	waitFor(t, time.Second, func() bool { return len(rec.recorded()) == 2 })
	// Give any stray duplicate a chance to land before asserting.
	time.Sleep(20 * time.Millisecond)

	records := rec.recorded()
	if len(records) != 2 {
		t.Fatalf("%d records, want 2 (one per identity per window)", len(records))
	}
	byEmail := map[string]session.Status{}
	for _, r := range records {
		byEmail[r.Email] = r.Status
	}
	if byEmail["d@x.edu"] != session.StatusPresent {
		t.Fatalf("d@x.edu status = %s, want PRESENT", byEmail["d@x.edu"])
	}
	if byEmail["a@x.edu"] != session.StatusMismatched {
		t.Fatalf("a@x.edu status = %s, want IN_MEETING_MISMATCHED", byEmail["a@x.edu"])
	}
}

func TestRecordAppendFailureDoesNotAbortLoop(t *testing.T) {
	src := &fakeSource{}
	rec := &fakeRecorder{appendErr: errors.New("store down")}
	cls := &fakeClassifier{fn: noFaces}

	c := New(singleCycleConfig(), "room-1", student("a@x.edu", "A"), map[string]struct{}{"a@x.edu": {}}, src, cls, rec, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	// Cycle completes (cap elapses, append fails) and the controller returns
	// to ACTIVE rather than dying.
	waitFor(t, time.Second, func() bool { return cls.callCount() >= 2 })
	waitFor(t, time.Second, func() bool { return c.State() == StateActive })
}
