package transport

import (
	"encoding/json"
	"fmt"
)

// Kind classifies an inbound [Message].
type Kind int

const (
	// KindAudio carries raw PCM16 from a binary frame.
	KindAudio Kind = iota + 1

	// KindResult carries the final intake result.
	KindResult

	// KindText carries conversational text from a JSON frame that is not a
	// known control envelope.
	KindText

	// KindState carries a remote state announcement such as "listening".
	KindState

	// KindRemoteError carries an error reported by the remote endpoint.
	KindRemoteError

	// KindEscalation signals that the remote requested escalation to a human.
	KindEscalation
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindResult:
		return "result"
	case KindText:
		return "text"
	case KindState:
		return "state"
	case KindRemoteError:
		return "remote_error"
	case KindEscalation:
		return "escalation"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Wire type tags of JSON control envelopes.
const (
	TypeFinalize     = "finalize"
	TypeInterrupt    = "interrupt"
	TypeIntakeResult = "intake_result"
	TypeState        = "state"
	TypeError        = "error"
	TypeEscalate     = "escalate"
)

// Message is one decoded inbound frame. Exactly one payload field is set,
// selected by Kind.
type Message struct {
	Kind Kind

	// Audio is the PCM16 payload of a [KindAudio] message.
	Audio []byte

	// Result is the payload of a [KindResult] message.
	Result *IntakeResult

	// Text is the conversational text of a [KindText] message, the state of
	// a [KindState] message, the message of a [KindRemoteError], or the reason
	// of a [KindEscalation].
	Text string

	// Raw holds the original JSON of every non-audio message.
	Raw json.RawMessage
}

// IntakeResult is the remote's final scoring of an intake. The bridge treats
// it as display data and passes it through untransformed.
type IntakeResult struct {
	// ASAMScores maps each ASAM dimension to its severity rating.
	ASAMScores map[string]any `json:"asam_scores"`

	// LevelOfCare is the recommended level of care, e.g. "Level 3.7".
	LevelOfCare string `json:"level_of_care"`

	// SuggestedPlan is a markdown treatment plan.
	SuggestedPlan string `json:"suggested_plan"`
}

// Score returns the integer severity for dimension, if present and numeric.
func (r *IntakeResult) Score(dimension string) (int, bool) {
	if r == nil {
		return 0, false
	}
	switch v := r.ASAMScores[dimension].(type) {
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

// ControlMessage is an outbound JSON control envelope.
type ControlMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// envelope is the common shape of inbound JSON frames.
type envelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Text    string          `json:"text,omitempty"`
}

// DecodeError reports an inbound text frame that could not be decoded. The
// frame is discarded and the channel keeps running.
type DecodeError struct {
	// Data is the offending frame, truncated for logging.
	Data string
	Err  error
}

// Error implements error.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("transport: decode %q: %v", e.Data, e.Err)
}

// Unwrap returns the underlying parse error.
func (e *DecodeError) Unwrap() error { return e.Err }

const maxLoggedFrame = 120

func newDecodeError(data []byte, err error) *DecodeError {
	s := string(data)
	if len(s) > maxLoggedFrame {
		s = s[:maxLoggedFrame] + "…"
	}
	return &DecodeError{Data: s, Err: err}
}

// DecodeText classifies an inbound text frame.
func DecodeText(data []byte) (Message, error) {
	if !json.Valid(data) {
		return Message{}, newDecodeError(data, fmt.Errorf("not JSON"))
	}
	raw := json.RawMessage(append([]byte(nil), data...))

	// Bare JSON strings and non-object values are conversational text.
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		var s string
		if json.Unmarshal(data, &s) == nil {
			return Message{Kind: KindText, Text: s, Raw: raw}, nil
		}
		return Message{Kind: KindText, Text: string(data), Raw: raw}, nil
	}

	switch env.Type {
	case TypeIntakeResult:
		if len(env.Data) == 0 {
			return Message{}, newDecodeError(data, fmt.Errorf("intake_result without data"))
		}
		var res IntakeResult
		if err := json.Unmarshal(env.Data, &res); err != nil {
			return Message{}, newDecodeError(data, err)
		}
		return Message{Kind: KindResult, Result: &res, Raw: raw}, nil
	case TypeState:
		var state string
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &state); err != nil {
				return Message{}, newDecodeError(data, err)
			}
		}
		return Message{Kind: KindState, Text: state, Raw: raw}, nil
	case TypeError:
		return Message{Kind: KindRemoteError, Text: env.Message, Raw: raw}, nil
	case TypeEscalate:
		return Message{Kind: KindEscalation, Text: env.Reason, Raw: raw}, nil
	default:
		text := env.Text
		if text == "" {
			text = string(data)
		}
		return Message{Kind: KindText, Text: text, Raw: raw}, nil
	}
}
