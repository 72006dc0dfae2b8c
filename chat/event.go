package chat

import (
	"encoding/json"
	"fmt"
)

// EventType tags a server→client conversation event.
type EventType string

const (
	EventStatusChanged     EventType = "status_changed"
	EventAgentStarted      EventType = "agent_started"
	EventAgentChunk        EventType = "agent_chunk"
	EventAgentComplete     EventType = "agent_complete"
	EventAgentCancelled    EventType = "agent_cancelled"
	EventToolCallRequested EventType = "tool_call_requested"
	EventToolCallApproved  EventType = "tool_call_approved"
	EventToolCallExecuting EventType = "tool_call_executing"
	EventToolCallCompleted EventType = "tool_call_completed"
	EventToolCallFailed    EventType = "tool_call_failed"
	EventToolCallRejected  EventType = "tool_call_rejected"
	EventToolCallCancelled EventType = "tool_call_cancelled"
	EventError             EventType = "error"
)

// Event is the closed union of conversation events. Tags outside the
// vocabulary decode to UnknownEvent rather than an error so the protocol can
// grow without breaking deployed clients.
type Event interface {
	// Type returns the wire tag.
	Type() EventType

	isEvent()
}

// StatusChanged replaces the conversation status.
type StatusChanged struct {
	Status Status `json:"status"`
}

// AgentStarted announces a new agent message that will stream content.
type AgentStarted struct {
	MessageID string `json:"message_id"`
}

// AgentChunk appends content to a streaming agent message.
type AgentChunk struct {
	MessageID string `json:"message_id"`
	Chunk     string `json:"chunk"`
}

// AgentComplete marks a streaming agent message as finished.
type AgentComplete struct {
	MessageID string `json:"message_id"`
}

// AgentCancelled marks a streaming agent message as cancelled mid-stream.
type AgentCancelled struct {
	MessageID string `json:"message_id"`
}

// ToolCallRequested proposes a side-effecting action for human approval.
type ToolCallRequested struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Description string          `json:"description"`
}

// ToolCallApproved confirms the user approved the tool call.
type ToolCallApproved struct {
	ID string `json:"id"`
}

// ToolCallExecuting announces the approved tool call is running.
type ToolCallExecuting struct {
	ID string `json:"id"`
}

// ToolCallCompleted carries the result of a successful execution.
type ToolCallCompleted struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ToolCallFailed carries the error of a failed execution.
type ToolCallFailed struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// ToolCallRejected confirms the user rejected the tool call.
type ToolCallRejected struct {
	ID string `json:"id"`
}

// ToolCallCancelled marks a non-terminal tool call as cancelled.
type ToolCallCancelled struct {
	ID string `json:"id"`
}

// ErrorEvent surfaces a backend-reported error. It does not change the
// conversation status; a status_changed normally follows.
type ErrorEvent struct {
	Message string `json:"message"`
}

// UnknownEvent preserves an unrecognized tag and its payload. The reducer
// treats it as a no-op.
type UnknownEvent struct {
	Tag     string
	Payload json.RawMessage
}

func (StatusChanged) Type() EventType     { return EventStatusChanged }
func (AgentStarted) Type() EventType      { return EventAgentStarted }
func (AgentChunk) Type() EventType        { return EventAgentChunk }
func (AgentComplete) Type() EventType     { return EventAgentComplete }
func (AgentCancelled) Type() EventType    { return EventAgentCancelled }
func (ToolCallRequested) Type() EventType { return EventToolCallRequested }
func (ToolCallApproved) Type() EventType  { return EventToolCallApproved }
func (ToolCallExecuting) Type() EventType { return EventToolCallExecuting }
func (ToolCallCompleted) Type() EventType { return EventToolCallCompleted }
func (ToolCallFailed) Type() EventType    { return EventToolCallFailed }
func (ToolCallRejected) Type() EventType  { return EventToolCallRejected }
func (ToolCallCancelled) Type() EventType { return EventToolCallCancelled }
func (ErrorEvent) Type() EventType        { return EventError }
func (e UnknownEvent) Type() EventType    { return EventType(e.Tag) }

func (StatusChanged) isEvent()     {}
func (AgentStarted) isEvent()      {}
func (AgentChunk) isEvent()        {}
func (AgentComplete) isEvent()     {}
func (AgentCancelled) isEvent()    {}
func (ToolCallRequested) isEvent() {}
func (ToolCallApproved) isEvent()  {}
func (ToolCallExecuting) isEvent() {}
func (ToolCallCompleted) isEvent() {}
func (ToolCallFailed) isEvent()    {}
func (ToolCallRejected) isEvent()  {}
func (ToolCallCancelled) isEvent() {}
func (ErrorEvent) isEvent()        {}
func (UnknownEvent) isEvent()      {}

// DecodeEvent parses one tagged event payload. A tag outside the vocabulary
// yields an UnknownEvent, never an error: unknown tags are the protocol's
// forward-compatibility escape hatch.
func DecodeEvent(data []byte) (Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("chat: decode event: %w", err)
	}

	switch EventType(probe.Type) {
	case EventStatusChanged:
		return decodeAs[StatusChanged](data, probe.Type)
	case EventAgentStarted:
		return decodeAs[AgentStarted](data, probe.Type)
	case EventAgentChunk:
		return decodeAs[AgentChunk](data, probe.Type)
	case EventAgentComplete:
		return decodeAs[AgentComplete](data, probe.Type)
	case EventAgentCancelled:
		return decodeAs[AgentCancelled](data, probe.Type)
	case EventToolCallRequested:
		return decodeAs[ToolCallRequested](data, probe.Type)
	case EventToolCallApproved:
		return decodeAs[ToolCallApproved](data, probe.Type)
	case EventToolCallExecuting:
		return decodeAs[ToolCallExecuting](data, probe.Type)
	case EventToolCallCompleted:
		return decodeAs[ToolCallCompleted](data, probe.Type)
	case EventToolCallFailed:
		return decodeAs[ToolCallFailed](data, probe.Type)
	case EventToolCallRejected:
		return decodeAs[ToolCallRejected](data, probe.Type)
	case EventToolCallCancelled:
		return decodeAs[ToolCallCancelled](data, probe.Type)
	case EventError:
		return decodeAs[ErrorEvent](data, probe.Type)
	default:
		return UnknownEvent{Tag: probe.Type, Payload: append([]byte(nil), data...)}, nil
	}
}

func decodeAs[E Event](data []byte, tag string) (Event, error) {
	var e E
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("chat: decode %s: %w", tag, err)
	}
	return e, nil
}

// EncodeEvent serializes an event with its type tag injected, the inverse of
// DecodeEvent.
func EncodeEvent(e Event) ([]byte, error) {
	if u, ok := e.(UnknownEvent); ok {
		return u.Payload, nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("chat: encode %s: %w", e.Type(), err)
	}
	// Splice the tag into the object. Every vocabulary event marshals to an
	// object, so the direct rewrite is safe.
	tagged, err := json.Marshal(struct {
		Type EventType `json:"type"`
	}{e.Type()})
	if err != nil {
		return nil, fmt.Errorf("chat: encode %s tag: %w", e.Type(), err)
	}
	if string(body) == "{}" {
		return tagged, nil
	}
	out := append(tagged[:len(tagged)-1], ',')
	out = append(out, body[1:]...)
	return out, nil
}
