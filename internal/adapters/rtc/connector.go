// Package rtc implements the media transport on pion/webrtc: one peer
// connection per call, negotiated over the signal package.
package rtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/adapters/signal"
	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
)

const (
	dataChannelLabel = "chat"
	defaultRemote    = "agent"
	defaultEvents    = 64
)

var (
	ErrAnswerRejected = errors.New("remote rejected offer")
	ErrSignalLost     = errors.New("signal connection lost")
	ErrRemoteLeft     = errors.New("remote participant left")
)

type ConnectorOptions struct {
	ICEServers []string
	Signal     signal.Options
	// Recorder, when set, builds the writer behind each playback sink.
	Recorder RecorderFunc
	// EventBuffer sizes each session's event queue.
	EventBuffer int
	// IncludeLoopback gathers loopback candidates; used for local agents.
	IncludeLoopback bool
}

// Connector opens Sessions against a signaling endpoint.
type Connector struct {
	api    *webrtc.API
	opts   ConnectorOptions
	logger zerolog.Logger
}

func NewConnector(opts ConnectorOptions) (*Connector, error) {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEvents
	}
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{LoggerFactory: loggerFactory{}}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	return &Connector{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		opts:   opts,
		logger: log.With().Str("module", "adapters.rtc").Logger(),
	}, nil
}

func (c *Connector) config() webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(c.opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: c.opts.ICEServers}}
	}
	return cfg
}

// Connect dials the signaling endpoint, negotiates one sendrecv audio
// transceiver plus the chat data channel, and returns once the answer is
// applied.
func (c *Connector) Connect(ctx context.Context, endpoint string, cred domain.Credential) (core.MediaSession, error) {
	sig, err := signal.Dial(ctx, endpoint, cred.Token(), c.opts.Signal)
	if err != nil {
		return nil, err
	}
	pc, err := c.api.NewPeerConnection(c.config())
	if err != nil {
		_ = sig.Close()
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := newSession(pc, sig, c.opts)
	if err := s.negotiate(ctx); err != nil {
		s.abort()
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("negotiation failed")
		return nil, err
	}
	c.logger.Info().Str("endpoint", endpoint).Str("remote", s.remoteIdentity()).Msg("session connected")
	return s, nil
}
