package bridge

import (
	"fmt"

	"github.com/theintaker/voicebridge/internal/transport"
)

// ConnectionState is the lifecycle state of a [Session].
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

// String implements fmt.Stringer.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// VoiceState is the conversational sub-state of a connected [Session].
type VoiceState int

const (
	VoiceIdle VoiceState = iota
	VoiceListening
	VoiceThinking
	VoiceSpeaking
	VoiceEscalating
)

// String implements fmt.Stringer.
func (v VoiceState) String() string {
	switch v {
	case VoiceIdle:
		return "idle"
	case VoiceListening:
		return "listening"
	case VoiceThinking:
		return "thinking"
	case VoiceSpeaking:
		return "speaking"
	case VoiceEscalating:
		return "escalating"
	default:
		return fmt.Sprintf("VoiceState(%d)", int(v))
	}
}

// EventKind classifies an [Event].
type EventKind int

const (
	// EventStateChanged reports a new ConnectionState. Err is set when the
	// new state is StateError.
	EventStateChanged EventKind = iota + 1

	// EventVoiceStateChanged reports a new VoiceState.
	EventVoiceStateChanged

	// EventResult delivers the intake result.
	EventResult

	// EventText delivers conversational text from the remote.
	EventText

	// EventRemoteState relays a state announcement from the remote.
	EventRemoteState

	// EventRemoteError relays an error reported by the remote.
	EventRemoteError
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventVoiceStateChanged:
		return "voice_state_changed"
	case EventResult:
		return "result"
	case EventText:
		return "text"
	case EventRemoteState:
		return "remote_state"
	case EventRemoteError:
		return "remote_error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered to observers registered with [WithObserver].
type Event struct {
	Kind   EventKind
	State  ConnectionState
	Voice  VoiceState
	Result *transport.IntakeResult
	Text   string
	Err    error
}
