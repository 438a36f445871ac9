package core

import (
	"context"

	"github.com/dkeye/voicecall/internal/domain"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// MediaConnector opens real-time sessions. The returned MediaSession is owned
// by the caller, who must Disconnect it.
type MediaConnector interface {
	Connect(ctx context.Context, endpoint string, cred domain.Credential) (MediaSession, error)
}

type MediaSession interface {
	// PublishAudio sends the local track to the remote party.
	PublishAudio(ctx context.Context, track LocalAudioTrack) error
	// Subscribe registers fn for transport events. Events are delivered one at
	// a time, in transport order, until the subscription is closed.
	Subscribe(fn func(Event)) Subscription
	// Disconnect closes the session and every remote track it delivered.
	Disconnect(ctx context.Context) error
}

// RemoteTrack is a subscribed remote media stream.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
	// Attach binds a new playback sink to the track.
	Attach() (PlaybackSink, error)
	// Detach unbinds a sink previously returned by Attach.
	Detach(PlaybackSink)
}

// PlaybackSink plays one remote track.
type PlaybackSink interface {
	// OnEnded registers a callback fired at most once when playback stops on
	// its own (the remote stream ended). It does not fire after Release.
	OnEnded(fn func())
	Release() error
}

// Microphone produces the local audio track for a call.
type Microphone interface {
	Acquire(ctx context.Context) (LocalAudioTrack, error)
}

type LocalAudioTrack interface {
	ID() string
	// Stop releases the capture source. Safe to call more than once.
	Stop() error
}
