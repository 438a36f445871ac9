package rtc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// PacketWriter consumes the RTP stream of a played track.
type PacketWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

type discard struct{}

func (discard) WriteRTP(*rtp.Packet) error { return nil }
func (discard) Close() error               { return nil }

// Sink is the PlaybackSink handed out by RemoteTrack.Attach.
type Sink struct {
	mu       sync.Mutex
	w        PacketWriter
	onEnded  func()
	ended    bool
	released bool
	packets  int
}

func newSink(w PacketWriter) *Sink {
	if w == nil {
		w = discard{}
	}
	return &Sink{w: w}
}

// OnEnded registers fn; if the stream already ended, fn runs on its own
// goroutine right away.
func (s *Sink) OnEnded(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	if s.ended {
		go fn()
		return
	}
	s.onEnded = fn
}

// Release closes the underlying writer. Safe to call more than once.
func (s *Sink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	s.onEnded = nil
	if err := s.w.Close(); err != nil {
		return fmt.Errorf("close playback writer: %w", err)
	}
	return nil
}

// Packets returns how many packets reached the writer.
func (s *Sink) Packets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets
}

func (s *Sink) write(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.packets++
	return s.w.WriteRTP(pkt)
}

// end marks the stream finished and fires the callback once.
func (s *Sink) end() {
	s.mu.Lock()
	if s.ended || s.released {
		s.mu.Unlock()
		return
	}
	s.ended = true
	fn := s.onEnded
	s.onEnded = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// RecorderFunc builds the writer for a newly attached sink.
type RecorderFunc func(trackID, mimeType string) (PacketWriter, error)

// OggRecorder writes Opus tracks to dir/<track>-<unix nanos>.ogg. Other
// codecs are discarded.
func OggRecorder(dir string) RecorderFunc {
	return func(trackID, mimeType string) (PacketWriter, error) {
		if !strings.EqualFold(mimeType, webrtc.MimeTypeOpus) {
			return discard{}, nil
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("record dir: %w", err)
		}
		name := filepath.Join(dir, fmt.Sprintf("%s-%d.ogg", sanitize(trackID), time.Now().UnixNano()))
		w, err := oggwriter.New(name, 48000, 2)
		if err != nil {
			return nil, fmt.Errorf("open recording: %w", err)
		}
		return w, nil
	}
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, id)
}
