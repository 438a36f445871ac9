package call

import (
	"github.com/dkeye/voicecall/internal/domain"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type NotificationKind int

const (
	NotifyStateChanged NotificationKind = iota
	NotifySpeakingChanged
	NotifyTranscriptAppended
	NotifyError
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyStateChanged:
		return "state"
	case NotifySpeakingChanged:
		return "speaking"
	case NotifyTranscriptAppended:
		return "transcript"
	case NotifyError:
		return "error"
	default:
		return "unknown"
	}
}

// Notification is what the presentation layer observes. Only the fields that
// match Kind are set.
type Notification struct {
	Kind     NotificationKind
	State    State
	Speaking bool
	Entry    domain.TranscriptEntry
	Err      error
}

// Snapshot is a consistent read of the manager's observable state.
type Snapshot struct {
	State      State                    `json:"state"`
	Speaking   bool                     `json:"speaking"`
	Room       domain.RoomID            `json:"room,omitempty"`
	Transcript []domain.TranscriptEntry `json:"transcript"`
}
