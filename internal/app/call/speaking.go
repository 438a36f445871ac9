package call

import (
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/core"
)

type boundSink struct {
	track core.RemoteTrack
	sink  core.PlaybackSink
}

// SpeakingTracker derives "the agent is speaking" from remote audio track
// events and playback endings. Every sink it attaches is detached and
// released exactly once, whichever of ended, unsubscribe or Reset comes first.
type SpeakingTracker struct {
	mu       sync.Mutex
	speaking bool
	sinks    map[string][]*boundSink

	onChange func(bool)
	onError  func(error)
}

// NewSpeakingTracker calls onChange on every indicator flip and onError for
// sinks that fail to attach, or fail to release outside Reset. Either may be nil.
func NewSpeakingTracker(onChange func(speaking bool), onError func(error)) *SpeakingTracker {
	return &SpeakingTracker{
		sinks:    make(map[string][]*boundSink),
		onChange: onChange,
		onError:  onError,
	}
}

func (t *SpeakingTracker) Speaking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speaking
}

// Bound returns the number of sinks currently attached.
func (t *SpeakingTracker) Bound() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, bs := range t.sinks {
		n += len(bs)
	}
	return n
}

// HandleEvent consumes track events; anything else is ignored.
func (t *SpeakingTracker) HandleEvent(ev core.Event) {
	if ev.Track == nil || ev.Track.Kind() != core.TrackKindAudio {
		return
	}
	switch ev.Kind {
	case core.EventTrackSubscribed:
		t.subscribed(ev.Track)
	case core.EventTrackUnsubscribed:
		t.unsubscribed(ev.Track)
	}
}

func (t *SpeakingTracker) subscribed(track core.RemoteTrack) {
	sink, err := track.Attach()
	if err != nil {
		log.Error().Err(err).Str("module", "app.speaking").Str("track", track.ID()).Msg("attach playback sink")
		t.fail(&PlaybackError{Track: track.ID(), Op: PlaybackAttach, Err: err})
		return
	}
	b := &boundSink{track: track, sink: sink}

	t.mu.Lock()
	t.sinks[track.ID()] = append(t.sinks[track.ID()], b)
	changed := t.setLocked(true)
	t.mu.Unlock()

	// Registered after b is tracked so an immediate end still finds it.
	sink.OnEnded(func() { t.ended(b) })
	t.notify(changed, true)
}

func (t *SpeakingTracker) ended(b *boundSink) {
	t.mu.Lock()
	if !t.removeLocked(b) {
		t.mu.Unlock()
		return
	}
	changed := t.setLocked(false)
	t.mu.Unlock()

	if err := release(b); err != nil {
		log.Warn().Err(err).Str("module", "app.speaking").Str("track", b.track.ID()).Msg("release ended sink")
		t.fail(err)
	}
	t.notify(changed, false)
}

func (t *SpeakingTracker) unsubscribed(track core.RemoteTrack) {
	t.mu.Lock()
	bs := t.sinks[track.ID()]
	delete(t.sinks, track.ID())
	changed := t.setLocked(false)
	t.mu.Unlock()

	for _, b := range bs {
		if err := release(b); err != nil {
			log.Warn().Err(err).Str("module", "app.speaking").Str("track", track.ID()).Msg("release unsubscribed sink")
			t.fail(err)
		}
	}
	t.notify(changed, false)
}

// Reset detaches every sink and clears the indicator.
func (t *SpeakingTracker) Reset() error {
	t.mu.Lock()
	all := t.sinks
	t.sinks = make(map[string][]*boundSink)
	changed := t.setLocked(false)
	t.mu.Unlock()

	var errs []error
	for _, bs := range all {
		for _, b := range bs {
			errs = append(errs, release(b))
		}
	}
	t.notify(changed, false)
	return errors.Join(errs...)
}

func (t *SpeakingTracker) removeLocked(b *boundSink) bool {
	id := b.track.ID()
	bs := t.sinks[id]
	i := slices.Index(bs, b)
	if i < 0 {
		return false
	}
	bs = slices.Delete(bs, i, i+1)
	if len(bs) == 0 {
		delete(t.sinks, id)
	} else {
		t.sinks[id] = bs
	}
	return true
}

func (t *SpeakingTracker) setLocked(v bool) bool {
	if t.speaking == v {
		return false
	}
	t.speaking = v
	return true
}

func (t *SpeakingTracker) notify(changed, v bool) {
	if changed && t.onChange != nil {
		t.onChange(v)
	}
}

func (t *SpeakingTracker) fail(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}

func release(b *boundSink) error {
	b.track.Detach(b.sink)
	if err := b.sink.Release(); err != nil {
		return &PlaybackError{Track: b.track.ID(), Op: PlaybackRelease, Err: err}
	}
	return nil
}
