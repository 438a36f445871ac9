package call

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by StartCall when the manager is not idle. The call
	// is ignored and nothing is reported.
	ErrBusy = errors.New("call already in progress")

	ErrEmptyCredential = errors.New("credential service returned an empty token")
	ErrInvalidUTF8     = errors.New("payload is not valid utf-8")
)

// Connection steps named in TransportConnectError.
const (
	StepConnect    = "connect"
	StepMicrophone = "microphone"
	StepPublish    = "publish"
)

// CredentialError aborts a connection attempt before any transport is opened.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string { return "credential: " + e.Err.Error() }
func (e *CredentialError) Unwrap() error { return e.Err }

// TransportConnectError aborts a connection attempt after the credential was
// issued. Step tells which stage failed.
type TransportConnectError struct {
	Step string
	Err  error
}

func (e *TransportConnectError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Step, e.Err)
}
func (e *TransportConnectError) Unwrap() error { return e.Err }

// Playback operations named in PlaybackError.
const (
	PlaybackAttach  = "attach"
	PlaybackRelease = "release"
)

// PlaybackError reports a playback sink that could not be attached or
// released. The session keeps running.
type PlaybackError struct {
	Track string
	Op    string
	Err   error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback %s on track %s: %v", e.Op, e.Track, e.Err)
}
func (e *PlaybackError) Unwrap() error { return e.Err }

// DecodeError drops a single data message; the session keeps running.
type DecodeError struct {
	Sender string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message from %q: %v", e.Sender, e.Err)
}
func (e *DecodeError) Unwrap() error { return e.Err }

// TeardownError reports failures while disconnecting. The manager is idle
// regardless.
type TeardownError struct {
	Err error
}

func (e *TeardownError) Error() string { return "teardown: " + e.Err.Error() }
func (e *TeardownError) Unwrap() error { return e.Err }
