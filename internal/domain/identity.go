// Package domain contains the call's value types, without transport or lifecycle logic.
package domain

import (
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const idSuffixLen = 12

type (
	UserID string
	RoomID string
)

// SessionIdentity names one connection attempt. A fresh identity is made
// for every StartCall and dropped on disconnect.
type SessionIdentity struct {
	UserID UserID `json:"user"`
	RoomID RoomID `json:"room"`
}

func NewSessionIdentity() SessionIdentity {
	return SessionIdentity{
		UserID: UserID("user-" + shortID()),
		RoomID: RoomID("room-" + shortID()),
	}
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:idSuffixLen]
}

// Credential is a short-lived bearer token for one session. It is redacted
// in every string and log form.
type Credential struct {
	token string
}

func NewCredential(token string) Credential { return Credential{token: token} }

// Token returns the raw bearer value; only transport adapters should call it.
func (c Credential) Token() string { return c.token }

func (c Credential) IsZero() bool { return c.token == "" }

func (c Credential) String() string { return "[redacted]" }

func (c Credential) MarshalZerologObject(e *zerolog.Event) {
	e.Bool("present", !c.IsZero())
}

// TranscriptEntry is one chat line of a session. Sequence is its zero-based
// position in receipt order.
type TranscriptEntry struct {
	Sender   string `json:"sender"`
	Text     string `json:"text"`
	Sequence int    `json:"sequence"`
}
