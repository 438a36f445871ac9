// Package call drives one live voice session: connecting, publishing the
// microphone, aggregating transport events and tearing everything down.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

const (
	defaultTeardownTimeout = 5 * time.Second
	defaultNotifyBuffer    = 64
)

type Options struct {
	// Endpoint is the media transport URL passed to Connector.
	Endpoint    string
	Credentials core.CredentialIssuer
	Connector   core.MediaConnector
	Microphone  core.Microphone

	// ConnectTimeout bounds the whole Connecting phase; zero means no bound.
	ConnectTimeout  time.Duration
	TeardownTimeout time.Duration
	NotifyBuffer    int
}

// activeCall holds the resources of one connected session.
type activeCall struct {
	gen     uint64
	id      domain.SessionIdentity
	session core.MediaSession
	track   core.LocalAudioTrack
	sub     core.Subscription
}

// Manager owns the Idle → Connecting → Active → Disconnecting → Idle state
// machine. It holds at most one MediaSession at a time and is the only
// caller of its Disconnect.
type Manager struct {
	opts Options

	// op serializes connect and teardown.
	op sync.Mutex

	mu     sync.RWMutex
	state  State
	active *activeCall
	gen    uint64

	speaking   *SpeakingTracker
	transcript *Transcript
	notify     *core.Bus[Notification]

	logger zerolog.Logger
}

func NewManager(opts Options) *Manager {
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = defaultTeardownTimeout
	}
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = defaultNotifyBuffer
	}
	m := &Manager{
		opts:       opts,
		transcript: NewTranscript(),
		notify:     core.NewBus[Notification](opts.NotifyBuffer),
		logger:     log.With().Str("module", "app.call").Logger(),
	}
	m.speaking = NewSpeakingTracker(func(v bool) {
		m.publish(Notification{Kind: NotifySpeakingChanged, Speaking: v})
	}, m.report)
	return m
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Speaking() bool { return m.speaking.Speaking() }

func (m *Manager) Transcript() []domain.TranscriptEntry { return m.transcript.Snapshot() }

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	s := Snapshot{State: m.state}
	if m.active != nil {
		s.Room = m.active.id.RoomID
	}
	m.mu.RUnlock()
	s.Speaking = m.speaking.Speaking()
	s.Transcript = m.transcript.Snapshot()
	return s
}

// Subscribe registers fn for notifications. State, speaking and transcript
// notifications beyond the buffer are dropped; errors wait for room, so fn
// must not block or call StartCall or EndCall.
func (m *Manager) Subscribe(fn func(Notification)) core.Subscription {
	return m.notify.Subscribe(fn)
}

// StartCall connects a new session. It returns ErrBusy without side effects
// unless the manager is idle. Any failure leaves the manager idle with no
// resources held, and is also reported as a NotifyError notification.
func (m *Manager) StartCall(ctx context.Context, params domain.SessionParameters) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if m.State() != StateIdle {
		return m.busy()
	}

	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return m.busy()
	}
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.mu.Unlock()
	m.publish(Notification{Kind: NotifyStateChanged, State: StateConnecting})

	c, err := m.connect(ctx, gen, params)
	if err != nil {
		m.setState(StateIdle)
		m.logger.Error().Err(err).Uint64("gen", gen).Msg("connect failed")
		m.report(err)
		return err
	}

	m.mu.Lock()
	m.active = c
	m.state = StateActive
	m.mu.Unlock()
	m.publish(Notification{Kind: NotifyStateChanged, State: StateActive})

	m.logger.Info().
		Uint64("gen", gen).
		Str("room", string(c.id.RoomID)).
		Str("user", string(c.id.UserID)).
		Msg("call active")
	return nil
}

func (m *Manager) busy() error {
	m.logger.Warn().Str("state", m.State().String()).Msg("start ignored, manager not idle")
	return ErrBusy
}

func (m *Manager) connect(ctx context.Context, gen uint64, params domain.SessionParameters) (_ *activeCall, err error) {
	if m.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()
	}

	id := domain.NewSessionIdentity()
	logger := m.logger.With().Uint64("gen", gen).Str("room", string(id.RoomID)).Logger()

	cred, err := m.opts.Credentials.Issue(ctx, params, id)
	if err != nil {
		return nil, &CredentialError{Err: err}
	}
	if cred.IsZero() {
		return nil, &CredentialError{Err: ErrEmptyCredential}
	}
	logger.Debug().Object("credential", cred).Msg("credential issued")

	// undo runs in reverse on failure so no partial session survives.
	var undo []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			if uerr := undo[i](); uerr != nil {
				logger.Warn().Err(uerr).Msg("release after failed connect")
			}
		}
	}()

	sess, err := m.opts.Connector.Connect(ctx, m.opts.Endpoint, cred)
	if err != nil {
		return nil, &TransportConnectError{Step: StepConnect, Err: err}
	}
	undo = append(undo, func() error {
		dctx, cancel := context.WithTimeout(context.Background(), m.opts.TeardownTimeout)
		defer cancel()
		return sess.Disconnect(dctx)
	})

	c := &activeCall{gen: gen, id: id, session: sess}
	c.sub = sess.Subscribe(func(ev core.Event) { m.handleEvent(gen, ev) })
	undo = append(undo, func() error {
		c.sub.Close()
		m.transcript.Clear()
		return m.speaking.Reset()
	})

	track, err := m.opts.Microphone.Acquire(ctx)
	if err != nil {
		return nil, &TransportConnectError{Step: StepMicrophone, Err: err}
	}
	undo = append(undo, track.Stop)

	if perr := sess.PublishAudio(ctx, track); perr != nil {
		return nil, &TransportConnectError{Step: StepPublish, Err: perr}
	}
	c.track = track
	logger.Info().Str("track", track.ID()).Msg("microphone published")
	return c, nil
}

// handleEvent runs on the session's event goroutine, in transport order.
// Events of a session other than the latest one are dropped.
func (m *Manager) handleEvent(gen uint64, ev core.Event) {
	m.mu.RLock()
	current := m.gen == gen && m.state != StateIdle
	m.mu.RUnlock()
	if !current {
		m.logger.Debug().Uint64("gen", gen).Str("event", ev.Kind.String()).Msg("stale event dropped")
		return
	}
	switch ev.Kind {
	case core.EventTrackSubscribed, core.EventTrackUnsubscribed:
		m.speaking.HandleEvent(ev)
	case core.EventDataReceived:
		entry, err := m.transcript.Append(ev.Participant, ev.Payload)
		if err != nil {
			m.logger.Warn().Err(err).Uint64("gen", gen).Msg("dropped data message")
			m.report(err)
			return
		}
		m.publish(Notification{Kind: NotifyTranscriptAppended, Entry: entry})
	case core.EventDisconnected:
		m.logger.Warn().Err(ev.Err).Uint64("gen", gen).Msg("remote disconnected")
		// Teardown closes this handler's subscription, so it cannot run here.
		go m.endSession(gen)
	}
}

// EndCall disconnects the current session. It is a no-op when idle. A call
// still connecting is allowed to finish first and is then disconnected.
// The manager always ends idle; teardown failures come back as *TeardownError.
func (m *Manager) EndCall(ctx context.Context) error {
	if m.State() == StateIdle {
		return nil
	}
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.RLock()
	c := m.active
	m.mu.RUnlock()
	if c == nil {
		return nil
	}
	return m.teardown(ctx, c)
}

// endSession tears down gen if it is still the active session.
func (m *Manager) endSession(gen uint64) {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.RLock()
	c := m.active
	m.mu.RUnlock()
	if c == nil || c.gen != gen {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.TeardownTimeout)
	defer cancel()
	_ = m.teardown(ctx, c)
}

// teardown must be called with op held.
func (m *Manager) teardown(ctx context.Context, c *activeCall) error {
	m.mu.Lock()
	m.state = StateDisconnecting
	m.active = nil
	m.mu.Unlock()
	m.publish(Notification{Kind: NotifyStateChanged, State: StateDisconnecting})

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.TeardownTimeout)
		defer cancel()
	}

	c.sub.Close()
	var errs []error
	errs = append(errs, c.session.Disconnect(ctx))
	errs = append(errs, c.track.Stop())
	errs = append(errs, m.speaking.Reset())
	m.transcript.Clear()

	m.setState(StateIdle)

	if err := errors.Join(errs...); err != nil {
		terr := &TeardownError{Err: err}
		m.logger.Error().Err(terr).Uint64("gen", c.gen).Msg("teardown finished with errors")
		m.report(terr)
		return terr
	}
	m.logger.Info().Uint64("gen", c.gen).Str("room", string(c.id.RoomID)).Msg("call ended")
	return nil
}

// Close ends any call and stops notification delivery.
func (m *Manager) Close(ctx context.Context) error {
	err := m.EndCall(ctx)
	m.notify.Close()
	return err
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.publish(Notification{Kind: NotifyStateChanged, State: s})
}

// report never drops: it waits for room in the notification queue.
func (m *Manager) report(err error) {
	if !m.notify.Publish(Notification{Kind: NotifyError, Err: err}) {
		m.logger.Warn().Err(err).Msg("error after notifications closed")
	}
}

func (m *Manager) publish(n Notification) {
	if !m.notify.TryPublish(n) {
		m.logger.Warn().Str("kind", n.Kind.String()).Msg("notification dropped")
	}
}
