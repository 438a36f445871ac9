package rtc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/voicecall/internal/adapters/signal"
	"github.com/dkeye/voicecall/internal/core"
)

// Session is a negotiated peer connection. Events raised before the first
// Subscribe are held and replayed to it.
type Session struct {
	pc     *webrtc.PeerConnection
	sig    *signal.Client
	audio  *webrtc.RTPTransceiver
	record RecorderFunc

	events     *core.Bus[core.Event]
	emitMu     sync.Mutex
	subscribed bool
	pending    []core.Event

	mu      sync.Mutex
	remote  string
	tracks  map[string]*RemoteTrack
	closing bool

	lostOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
	wg        conc.WaitGroup
	logger    zerolog.Logger
}

func newSession(pc *webrtc.PeerConnection, sig *signal.Client, opts ConnectorOptions) *Session {
	return &Session{
		pc:     pc,
		sig:    sig,
		record: opts.Recorder,
		events: core.NewBus[core.Event](opts.EventBuffer),
		remote: defaultRemote,
		tracks: make(map[string]*RemoteTrack),
		logger: log.With().Str("module", "adapters.rtc").Logger(),
	}
}

func (s *Session) negotiate(ctx context.Context) error {
	audio, err := s.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return fmt.Errorf("add audio transceiver: %w", err)
	}
	s.audio = audio
	s.wg.Go(func() { drainRTCP(audio.Sender()) })

	dc, err := s.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	s.bindData(dc)
	s.pc.OnDataChannel(s.bindData)
	s.pc.OnTrack(s.onTrack)
	s.pc.OnConnectionStateChange(s.onState)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := s.sig.Send(signal.Message{Type: signal.TypeOffer, SDP: s.pc.LocalDescription().SDP}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}

	answer, early, err := s.awaitAnswer(ctx)
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	if answer.Identity != "" {
		s.mu.Lock()
		s.remote = answer.Identity
		s.mu.Unlock()
	}
	for _, m := range early {
		s.addCandidate(m)
	}
	s.wg.Go(s.signalLoop)
	return nil
}

// awaitAnswer waits for the answer, holding back candidates that arrive
// before it.
func (s *Session) awaitAnswer(ctx context.Context) (signal.Message, []signal.Message, error) {
	var early []signal.Message
	for {
		select {
		case <-ctx.Done():
			return signal.Message{}, nil, ctx.Err()
		case m, ok := <-s.sig.Messages():
			if !ok {
				return signal.Message{}, nil, fmt.Errorf("%w: %v", ErrSignalLost, s.sig.Err())
			}
			switch m.Type {
			case signal.TypeAnswer:
				return m, early, nil
			case signal.TypeCandidate:
				early = append(early, m)
			case signal.TypeError:
				return signal.Message{}, nil, fmt.Errorf("%w: %s", ErrAnswerRejected, m.Error)
			}
		}
	}
}

func (s *Session) signalLoop() {
	for m := range s.sig.Messages() {
		switch m.Type {
		case signal.TypeCandidate:
			s.addCandidate(m)
		case signal.TypeLeave:
			s.lost(ErrRemoteLeft)
		case signal.TypeError:
			s.logger.Warn().Str("error", m.Error).Msg("signal error")
		}
	}
	s.lost(fmt.Errorf("%w: %v", ErrSignalLost, s.sig.Err()))
}

func (s *Session) addCandidate(m signal.Message) {
	err := s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     m.Candidate,
		SDPMid:        m.SDPMid,
		SDPMLineIndex: m.SDPMLineIndex,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("add ice candidate")
	}
}

func (s *Session) bindData(dc *webrtc.DataChannel) {
	if dc.Label() != dataChannelLabel {
		return
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.emit(core.Event{
			Kind:        core.EventDataReceived,
			Participant: s.remoteIdentity(),
			Payload:     slices.Clone(msg.Data),
		})
	})
}

func (s *Session) onTrack(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	rt := NewRemoteTrack(tr.ID(), core.TrackKind(tr.Kind().String()), tr.Codec().MimeType,
		func() (*rtp.Packet, error) {
			pkt, _, err := tr.ReadRTP()
			return pkt, err
		}, s.record)

	// the relay starts only after Subscribed is queued
	ready := make(chan struct{})
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.tracks[rt.ID()] = rt
	remote := s.remote
	s.wg.Go(func() {
		<-ready
		rt.loop(func() {
			s.mu.Lock()
			delete(s.tracks, rt.ID())
			s.mu.Unlock()
			s.emit(core.Event{Kind: core.EventTrackUnsubscribed, Track: rt, Participant: remote})
		})
	})
	s.mu.Unlock()

	s.logger.Info().
		Str("track", rt.ID()).
		Str("kind", string(rt.Kind())).
		Str("codec", rt.MimeType()).
		Msg("remote track subscribed")
	s.emit(core.Event{Kind: core.EventTrackSubscribed, Track: rt, Participant: remote})
	close(ready)
}

func (s *Session) onState(st webrtc.PeerConnectionState) {
	s.logger.Info().Str("peer_connection_state", st.String()).Msg("peer state")
	if st == webrtc.PeerConnectionStateFailed || st == webrtc.PeerConnectionStateClosed {
		s.lost(fmt.Errorf("peer connection %s", st))
	}
}

// lost reports the first unsolicited end of the session.
func (s *Session) lost(err error) {
	if s.isClosing() {
		return
	}
	s.lostOnce.Do(func() {
		s.logger.Warn().Err(err).Msg("session lost")
		s.emit(core.Event{Kind: core.EventDisconnected, Participant: s.remoteIdentity(), Err: err})
	})
}

func (s *Session) emit(ev core.Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if !s.subscribed {
		s.pending = append(s.pending, ev)
		return
	}
	s.events.Publish(ev)
}

func (s *Session) Subscribe(fn func(core.Event)) core.Subscription {
	sub := s.events.Subscribe(fn)
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if !s.subscribed {
		s.subscribed = true
		for _, ev := range s.pending {
			s.events.Publish(ev)
		}
		s.pending = nil
	}
	return sub
}

func (s *Session) PublishAudio(_ context.Context, track core.LocalAudioTrack) error {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return fmt.Errorf("unsupported local track %T", track)
	}
	if err := s.audio.Sender().ReplaceTrack(lt.track); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}
	s.logger.Info().Str("track", lt.ID()).Msg("audio published")
	return nil
}

// Disconnect leaves the session, closes the peer connection and waits for
// every reader to exit. Remote tracks are stopped without ending their sinks.
func (s *Session) Disconnect(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.close(ctx, true)
	})
	return s.closeErr
}

func (s *Session) abort() {
	s.closeOnce.Do(func() {
		_ = s.close(context.Background(), false)
	})
}

func (s *Session) close(ctx context.Context, leave bool) error {
	s.mu.Lock()
	s.closing = true
	tracks := slices.Collect(maps.Values(s.tracks))
	s.tracks = make(map[string]*RemoteTrack)
	s.mu.Unlock()

	for _, t := range tracks {
		t.stop()
	}
	if leave {
		if err := s.sig.Send(signal.Message{Type: signal.TypeLeave}); err != nil && !errors.Is(err, signal.ErrClosed) {
			s.logger.Warn().Err(err).Msg("send leave")
		}
	}

	var errs []error
	if err := s.pc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close peer connection: %w", err))
	}
	_ = s.sig.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for readers: %w", ctx.Err()))
	}
	s.events.Close()
	s.logger.Info().Msg("session closed")
	return errors.Join(errs...)
}

func (s *Session) remoteIdentity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
