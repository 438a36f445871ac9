package rtc

import (
	"errors"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/core"
)

var ErrTrackEnded = errors.New("remote track ended")

// PacketReader yields the packets of a remote stream until it ends.
type PacketReader func() (*rtp.Packet, error)

// RemoteTrack relays one remote stream to every attached sink.
type RemoteTrack struct {
	id     string
	kind   core.TrackKind
	mime   string
	read   PacketReader
	record RecorderFunc

	mu      sync.RWMutex
	sinks   map[*Sink]struct{}
	ended   bool
	stopped bool

	done   chan struct{}
	logger zerolog.Logger
}

func NewRemoteTrack(id string, kind core.TrackKind, mime string, read PacketReader, record RecorderFunc) *RemoteTrack {
	return &RemoteTrack{
		id:     id,
		kind:   kind,
		mime:   mime,
		read:   read,
		record: record,
		sinks:  make(map[*Sink]struct{}),
		done:   make(chan struct{}),
		logger: log.With().Str("module", "adapters.rtc").Str("track", id).Logger(),
	}
}

func (t *RemoteTrack) ID() string           { return t.id }
func (t *RemoteTrack) Kind() core.TrackKind { return t.kind }
func (t *RemoteTrack) MimeType() string     { return t.mime }

// Done is closed when the relay loop has exited.
func (t *RemoteTrack) Done() <-chan struct{} { return t.done }

func (t *RemoteTrack) Attach() (core.PlaybackSink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended || t.stopped {
		return nil, ErrTrackEnded
	}
	var w PacketWriter = discard{}
	if t.record != nil {
		rw, err := t.record(t.id, t.mime)
		if err != nil {
			return nil, err
		}
		w = rw
	}
	s := newSink(w)
	t.sinks[s] = struct{}{}
	return s, nil
}

func (t *RemoteTrack) Detach(ps core.PlaybackSink) {
	s, ok := ps.(*Sink)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sinks, s)
}

// Sinks returns the number of attached sinks.
func (t *RemoteTrack) Sinks() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sinks)
}

// loop reads packets until the source fails and then ends every sink,
// unless the track was stopped locally. onEnd runs after a remote end.
func (t *RemoteTrack) loop(onEnd func()) {
	defer close(t.done)
	for {
		pkt, err := t.read()
		if err != nil {
			if t.markEnded() {
				t.logger.Info().Err(err).Msg("remote track ended")
				if onEnd != nil {
					onEnd()
				}
			}
			return
		}
		t.forward(pkt)
	}
}

func (t *RemoteTrack) forward(pkt *rtp.Packet) {
	t.mu.RLock()
	snapshot := maps.Clone(t.sinks)
	t.mu.RUnlock()

	var dirty []*Sink
	for s := range snapshot {
		if err := s.write(pkt); err != nil {
			t.logger.Error().Err(err).Msg("playback write error, dropping sink")
			dirty = append(dirty, s)
		}
	}
	if len(dirty) == 0 {
		return
	}
	t.mu.Lock()
	for _, s := range dirty {
		delete(t.sinks, s)
	}
	t.mu.Unlock()
}

// markEnded ends every attached sink. It reports false if the track was
// stopped locally, in which case sinks are left to their owner.
func (t *RemoteTrack) markEnded() bool {
	t.mu.Lock()
	if t.stopped || t.ended {
		t.mu.Unlock()
		return false
	}
	t.ended = true
	sinks := maps.Clone(t.sinks)
	t.mu.Unlock()

	for s := range sinks {
		s.end()
	}
	return true
}

// stop suppresses end notifications before the source is closed locally.
func (t *RemoteTrack) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}
