package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/core"
)

const (
	opusClockRate = 48000
	frameDuration = 20 * time.Millisecond
)

// opusSilence is a single 20 ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// FileMicrophone captures audio from an Ogg/Opus file. With no Path, or once
// the file is exhausted, it sends silence until stopped.
type FileMicrophone struct {
	Path string
}

func (m FileMicrophone) Acquire(ctx context.Context) (core.LocalAudioTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var f *os.File
	if m.Path != "" {
		var err error
		if f, err = os.Open(m.Path); err != nil {
			return nil, fmt.Errorf("open microphone source: %w", err)
		}
	}

	id := "mic-" + uuid.NewString()[:8]
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		id, "voicecall",
	)
	if err != nil {
		if f != nil {
			_ = f.Close()
		}
		return nil, fmt.Errorf("create local track: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	lt := &LocalTrack{
		id:     id,
		track:  track,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: log.With().Str("module", "adapters.rtc").Str("mic", id).Logger(),
	}
	go func() {
		defer close(lt.done)
		if f != nil {
			defer f.Close()
			if err := streamOgg(loopCtx, f, track); err != nil && !errors.Is(err, context.Canceled) {
				lt.logger.Warn().Err(err).Msg("microphone source failed, sending silence")
			}
		}
		_ = streamSilence(loopCtx, track)
	}()
	lt.logger.Info().Str("source", m.Path).Msg("microphone acquired")
	return lt, nil
}

// LocalTrack is the LocalAudioTrack produced by FileMicrophone.
type LocalTrack struct {
	id     string
	track  *webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func (t *LocalTrack) ID() string { return t.id }

func (t *LocalTrack) Stop() error {
	t.once.Do(func() {
		t.cancel()
		<-t.done
		t.logger.Info().Msg("microphone stopped")
	})
	return nil
}

// streamOgg paces the pages of r onto w by their granule positions.
func streamOgg(ctx context.Context, r io.Reader, w sampleWriter) error {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}
	var lastGranule uint64
	for {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ogg page: %w", err)
		}
		// header pages carry no audio
		if header.GranulePosition == 0 {
			continue
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		d := time.Duration(samples) * time.Second / opusClockRate
		if err := w.WriteSample(media.Sample{Data: page, Duration: d}); err != nil {
			return fmt.Errorf("write sample: %w", err)
		}
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
}

func streamSilence(ctx context.Context, w sampleWriter) error {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
				return err
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
