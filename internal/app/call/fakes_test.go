package call

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

type stubIssuer struct {
	mu    sync.Mutex
	token string
	err   error
	calls int
}

func (s *stubIssuer) Issue(_ context.Context, _ domain.SessionParameters, _ domain.SessionIdentity) (domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return domain.Credential{}, s.err
	}
	return domain.NewCredential(s.token), nil
}

type fakeConnector struct {
	mu       sync.Mutex
	err      error
	calls    int
	open     int
	maxOpen  int
	tokens   []string
	sessions []*fakeSession
	// gate, when set, blocks Connect until it is closed.
	gate    chan struct{}
	entered chan struct{}

	publishErr    error
	disconnectErr error
}

func (c *fakeConnector) Connect(ctx context.Context, _ string, cred domain.Credential) (core.MediaSession, error) {
	if c.entered != nil {
		close(c.entered)
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.tokens = append(c.tokens, cred.Token())
	if c.err != nil {
		return nil, c.err
	}
	s := &fakeSession{
		conn:          c,
		bus:           core.NewBus[core.Event](16),
		publishErr:    c.publishErr,
		disconnectErr: c.disconnectErr,
	}
	c.sessions = append(c.sessions, s)
	c.open++
	c.maxOpen = max(c.maxOpen, c.open)
	return s, nil
}

func (c *fakeConnector) last() *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[len(c.sessions)-1]
}

func (c *fakeConnector) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

type fakeSession struct {
	conn *fakeConnector
	bus  *core.Bus[core.Event]

	mu            sync.Mutex
	published     []core.LocalAudioTrack
	publishErr    error
	disconnects   int
	disconnectErr error
}

func (s *fakeSession) PublishAudio(_ context.Context, track core.LocalAudioTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, track)
	return nil
}

func (s *fakeSession) Subscribe(fn func(core.Event)) core.Subscription {
	return s.bus.Subscribe(fn)
}

func (s *fakeSession) Disconnect(context.Context) error {
	s.mu.Lock()
	s.disconnects++
	first := s.disconnects == 1
	s.mu.Unlock()
	if first {
		s.conn.mu.Lock()
		s.conn.open--
		s.conn.mu.Unlock()
	}
	return s.disconnectErr
}

func (s *fakeSession) disconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

// emit delivers ev and waits for the handlers to finish.
func (s *fakeSession) emit(ev core.Event) {
	s.bus.Publish(ev)
	s.bus.Sync()
}

func (s *fakeSession) data(sender, text string) {
	s.emit(core.Event{Kind: core.EventDataReceived, Participant: sender, Payload: []byte(text)})
}

type fakeSink struct {
	mu         sync.Mutex
	onEnded    func()
	released   int
	releaseErr error
}

func (s *fakeSink) OnEnded(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnded = fn
}

func (s *fakeSink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	return s.releaseErr
}

// end simulates playback reaching the end of the stream.
func (s *fakeSink) end() {
	s.mu.Lock()
	fn := s.onEnded
	s.onEnded = nil
	done := s.released > 0
	s.mu.Unlock()
	if fn != nil && !done {
		fn()
	}
}

func (s *fakeSink) releasedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type fakeTrack struct {
	id   string
	kind core.TrackKind

	mu         sync.Mutex
	attached   int
	detached   int
	sinks      []*fakeSink
	attachErr  error
	releaseErr error
}

func audioTrack(id string) *fakeTrack { return &fakeTrack{id: id, kind: core.TrackKindAudio} }

func (t *fakeTrack) ID() string           { return t.id }
func (t *fakeTrack) Kind() core.TrackKind { return t.kind }

func (t *fakeTrack) Attach() (core.PlaybackSink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.attachErr != nil {
		return nil, t.attachErr
	}
	s := &fakeSink{releaseErr: t.releaseErr}
	t.attached++
	t.sinks = append(t.sinks, s)
	return s, nil
}

func (t *fakeTrack) Detach(core.PlaybackSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detached++
}

func (t *fakeTrack) counts() (attached, detached int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attached, t.detached
}

func (t *fakeTrack) sink(i int) *fakeSink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sinks[i]
}

type fakeMic struct {
	mu     sync.Mutex
	err    error
	tracks []*fakeLocalTrack

	// onAcquire runs before the track is handed out.
	onAcquire func()
}

func (m *fakeMic) Acquire(context.Context) (core.LocalAudioTrack, error) {
	if m.onAcquire != nil {
		m.onAcquire()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	t := &fakeLocalTrack{id: "mic"}
	m.tracks = append(m.tracks, t)
	return t, nil
}

type fakeLocalTrack struct {
	id      string
	mu      sync.Mutex
	stopped int
}

func (t *fakeLocalTrack) ID() string { return t.id }

func (t *fakeLocalTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped++
	return nil
}

func (t *fakeLocalTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// recorder collects notifications.
type recorder struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recorder) add(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recorder) errs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []error
	for _, n := range r.got {
		if n.Kind == NotifyError {
			out = append(out, n.Err)
		}
	}
	return out
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, n := range r.got {
		if n.Kind == NotifyStateChanged {
			out = append(out, n.State)
		}
	}
	return out
}

type harness struct {
	m      *Manager
	issuer *stubIssuer
	conn   *fakeConnector
	mic    *fakeMic
	rec    *recorder
}

func newHarness(t *testing.T, tweaks ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		issuer: &stubIssuer{token: "abc"},
		conn:   &fakeConnector{},
		mic:    &fakeMic{},
		rec:    &recorder{},
	}
	opts := Options{
		Endpoint:    "wss://media.test/ws",
		Credentials: h.issuer,
		Connector:   h.conn,
		Microphone:  h.mic,
	}
	for _, tw := range tweaks {
		tw(&opts)
	}
	h.m = NewManager(opts)
	sub := h.m.Subscribe(h.rec.add)
	t.Cleanup(func() {
		sub.Close()
		_ = h.m.Close(context.Background())
	})
	return h
}

// flush waits until every queued notification has been delivered.
func (h *harness) flush() { h.m.notify.Sync() }

var errBoom = errors.New("boom")
