package core

type EventKind int

const (
	EventTrackSubscribed EventKind = iota
	EventTrackUnsubscribed
	EventDataReceived
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventTrackSubscribed:
		return "track_subscribed"
	case EventTrackUnsubscribed:
		return "track_unsubscribed"
	case EventDataReceived:
		return "data_received"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is one item of a MediaSession's event stream.
type Event struct {
	Kind EventKind
	// Track is set for subscribe/unsubscribe events.
	Track RemoteTrack
	// Participant is the sender identity for data and track events.
	Participant string
	// Payload is the raw data message.
	Payload []byte
	// Err carries the reason of a Disconnected event, if any.
	Err error
}
