// Package chat drives one assistant exchange end-to-end: it sends a user
// turn, consumes the typed event stream, assembles the incremental assistant
// message together with its tool-call lifecycle, and surfaces the terminal
// risk signal.
package chat

import (
	"encoding/json"
	"fmt"

	"github.com/carelink/carelink/internal/platform/eventstream"
)

// Wire event names on the assistant stream.
const (
	eventRiskCheck       = "risk_check"
	eventToolStart       = "tool_start"
	eventToolEnd         = "tool_end"
	eventTextDelta       = "text_delta"
	eventMessageComplete = "message_complete"
	eventMetadata        = "metadata"
	eventError           = "error"
)

// StreamEvent is the closed union of events delivered during one assistant
// turn. Exactly the types in this file implement it.
type StreamEvent interface {
	isStreamEvent()
}

// RiskCheck reports an upstream risk classification decision.
type RiskCheck struct {
	Level    string `json:"level"`
	RiskType string `json:"risk_type,omitempty"`
}

// ToolStart marks the beginning of a server-side tool invocation.
type ToolStart struct {
	ToolID   string `json:"tool_id"`
	ToolName string `json:"tool_name"`
}

// ToolEnd marks the completion of a previously started tool invocation.
type ToolEnd struct {
	ToolID        string `json:"tool_id"`
	ToolName      string `json:"tool_name"`
	ResultPreview string `json:"result_preview"`
}

// TextDelta carries one increment of assistant message text.
type TextDelta struct {
	Text string `json:"text"`
}

// MessageComplete is the terminal success event. Content is authoritative and
// may differ from the concatenation of deltas.
type MessageComplete struct {
	Content string     `json:"content"`
	Risk    *RiskCheck `json:"risk,omitempty"`
}

// Metadata supplies identifiers needed to continue the conversation. It may
// arrive at any point in the stream.
type Metadata struct {
	ConversationID string `json:"conversation_id"`
	RiskAlert      bool   `json:"risk_alert"`
}

// StreamErr is the terminal failure event for a turn.
type StreamErr struct {
	Message string `json:"message"`
}

func (RiskCheck) isStreamEvent()       {}
func (ToolStart) isStreamEvent()       {}
func (ToolEnd) isStreamEvent()         {}
func (TextDelta) isStreamEvent()       {}
func (MessageComplete) isStreamEvent() {}
func (Metadata) isStreamEvent()        {}
func (StreamErr) isStreamEvent()       {}

// DecodeEvent parses a framed wire record into its typed variant. Unknown
// event names and undecodable payloads are errors; the session skips them
// without aborting the stream.
func DecodeEvent(rec eventstream.Record) (StreamEvent, error) {
	unmarshal := func(v interface{}) error {
		if err := json.Unmarshal([]byte(rec.Data), v); err != nil {
			return fmt.Errorf("decode %s payload: %w", rec.Event, err)
		}
		return nil
	}

	switch rec.Event {
	case eventRiskCheck:
		var ev RiskCheck
		if err := unmarshal(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case eventToolStart:
		var ev ToolStart
		if err := unmarshal(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case eventToolEnd:
		var ev ToolEnd
		if err := unmarshal(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case eventTextDelta:
		var ev TextDelta
		if err := unmarshal(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case eventMessageComplete:
		var ev MessageComplete
		if err := unmarshal(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case eventMetadata:
		var ev Metadata
		if err := unmarshal(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	case eventError:
		var ev StreamErr
		if err := unmarshal(&ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown stream event %q", rec.Event)
	}
}
