package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies server-to-client JSON event variants. Synthesized
// audio travels as raw binary websocket frames, not as one of these.
type EventType string

const (
	TypeASRPartial EventType = "asr_partial"
	TypeASRFinal   EventType = "asr_final"
	TypeLLMToken   EventType = "llm_token"
	TypeError      EventType = "error"
	TypeTurnEnd    EventType = "turn_end"
)

// ActionFinishSpeaking marks the end of the user's utterance for this turn.
const ActionFinishSpeaking = "finish_speaking"

var ErrUnsupportedAction = errors.New("unsupported control action")

type ASRPartial struct {
	Type EventType `json:"type"`
	Text string    `json:"text"`
}

type ASRFinal struct {
	Type EventType `json:"type"`
	Text string    `json:"text"`
}

type LLMToken struct {
	Type EventType `json:"type"`
	Text string    `json:"text"`
}

type ErrorEvent struct {
	Type      EventType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

type TurnEnd struct {
	Type EventType `json:"type"`
}

// Control is the client text-message shape, e.g. {"action":"finish_speaking"}.
type Control struct {
	Action string `json:"action"`
}

// ParseControl decodes a client control message and validates the action.
func ParseControl(raw []byte) (Control, error) {
	var msg Control
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Control{}, fmt.Errorf("invalid control message: %w", err)
	}
	switch msg.Action {
	case ActionFinishSpeaking:
		return msg, nil
	default:
		return Control{}, fmt.Errorf("%w: %q", ErrUnsupportedAction, msg.Action)
	}
}

func NewASRPartial(text string) ASRPartial { return ASRPartial{Type: TypeASRPartial, Text: text} }
func NewASRFinal(text string) ASRFinal     { return ASRFinal{Type: TypeASRFinal, Text: text} }
func NewLLMToken(text string) LLMToken     { return LLMToken{Type: TypeLLMToken, Text: text} }
func NewTurnEnd() TurnEnd                  { return TurnEnd{Type: TypeTurnEnd} }

func NewError(code, message string, retryable bool) ErrorEvent {
	return ErrorEvent{Type: TypeError, Code: code, Message: message, Retryable: retryable}
}
