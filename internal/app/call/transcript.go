package call

import (
	"slices"
	"sync"
	"unicode/utf8"

	"github.com/dkeye/voicecall/internal/domain"
)

// Transcript is the ordered chat log of the current session. Entries are
// never modified once appended.
type Transcript struct {
	mu      sync.RWMutex
	entries []domain.TranscriptEntry
}

func NewTranscript() *Transcript { return &Transcript{} }

// Append decodes payload as UTF-8 text and adds it at the end of the log.
// Undecodable payloads are rejected with a *DecodeError and leave the log untouched.
func (t *Transcript) Append(sender string, payload []byte) (domain.TranscriptEntry, error) {
	if !utf8.Valid(payload) {
		return domain.TranscriptEntry{}, &DecodeError{Sender: sender, Err: ErrInvalidUTF8}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := domain.TranscriptEntry{
		Sender:   sender,
		Text:     string(payload),
		Sequence: len(t.entries),
	}
	t.entries = append(t.entries, e)
	return e, nil
}

// Clear drops the whole log. Slices returned by Snapshot are unaffected.
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}

func (t *Transcript) Snapshot() []domain.TranscriptEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := slices.Clone(t.entries)
	if out == nil {
		out = []domain.TranscriptEntry{}
	}
	return out
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
