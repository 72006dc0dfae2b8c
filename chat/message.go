package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role discriminates the message union. Every message on the wire and in a
// Conversation snapshot carries exactly one of these.
type Role string

const (
	RoleUser     Role = "user"
	RoleAgent    Role = "agent"
	RoleToolCall Role = "tool_call"
)

// AgentMessageStatus tracks the lifecycle of a streaming agent reply.
type AgentMessageStatus string

const (
	AgentMessageStreaming AgentMessageStatus = "streaming"
	AgentMessageComplete  AgentMessageStatus = "complete"
	AgentMessageCancelled AgentMessageStatus = "cancelled"
)

// ToolCallStatus tracks a proposed tool call from proposal to resolution.
// Valid transitions form a DAG: pending_approval → approved|rejected,
// approved → executing, executing → completed|failed, and any non-terminal
// status → cancelled.
type ToolCallStatus string

const (
	ToolPendingApproval ToolCallStatus = "pending_approval"
	ToolApproved        ToolCallStatus = "approved"
	ToolExecuting       ToolCallStatus = "executing"
	ToolCompleted       ToolCallStatus = "completed"
	ToolFailed          ToolCallStatus = "failed"
	ToolRejected        ToolCallStatus = "rejected"
	ToolCancelled       ToolCallStatus = "cancelled"
)

// Terminal reports whether the status is an end state. A terminal tool call
// never changes again.
func (s ToolCallStatus) Terminal() bool {
	switch s {
	case ToolCompleted, ToolFailed, ToolRejected, ToolCancelled:
		return true
	}
	return false
}

// Message is the closed union of conversation entries. The only
// implementations are UserMessage, AgentMessage, and ToolCallMessage;
// the unexported method keeps the set closed so reducer switches stay
// exhaustive.
type Message interface {
	// MessageID returns the id, unique within one conversation.
	MessageID() string
	// MessageRole returns the union discriminator.
	MessageRole() Role

	isMessage()
}

// UserMessage is a message typed by a human. Immutable once created; the id
// is chosen by the client that sent it.
type UserMessage struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	InsertedAt *time.Time `json:"inserted_at,omitempty"`
}

func (m UserMessage) MessageID() string { return m.ID }
func (m UserMessage) MessageRole() Role { return RoleUser }
func (UserMessage) isMessage() {}

// AgentMessage is an agent reply whose content grows via chunk events until
// it completes or is cancelled.
type AgentMessage struct {
	ID         string             `json:"id"`
	Content    string             `json:"content"`
	Status     AgentMessageStatus `json:"status"`
	InsertedAt *time.Time         `json:"inserted_at,omitempty"`
}

func (m AgentMessage) MessageID() string { return m.ID }
func (m AgentMessage) MessageRole() Role { return RoleAgent }
func (AgentMessage) isMessage() {}

// ToolCallMessage is a proposed side-effecting action awaiting the approval
// gate. Result, Error, and RejectionReason are populated only once Status
// reaches the matching terminal value.
type ToolCallMessage struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Arguments       json.RawMessage `json:"arguments,omitempty"`
	Description     string          `json:"description"`
	Status          ToolCallStatus  `json:"status"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	InsertedAt      *time.Time      `json:"inserted_at,omitempty"`
}

func (m ToolCallMessage) MessageID() string { return m.ID }
func (m ToolCallMessage) MessageRole() Role { return RoleToolCall }
func (ToolCallMessage) isMessage() {}

// MarshalJSON emits the message with its role discriminator.
func (m UserMessage) MarshalJSON() ([]byte, error) {
	type alias UserMessage
	return json.Marshal(struct {
		Role Role `json:"role"`
		alias
	}{RoleUser, alias(m)})
}

// MarshalJSON emits the message with its role discriminator.
func (m AgentMessage) MarshalJSON() ([]byte, error) {
	type alias AgentMessage
	return json.Marshal(struct {
		Role Role `json:"role"`
		alias
	}{RoleAgent, alias(m)})
}

// MarshalJSON emits the message with its role discriminator.
func (m ToolCallMessage) MarshalJSON() ([]byte, error) {
	type alias ToolCallMessage
	return json.Marshal(struct {
		Role Role `json:"role"`
		alias
	}{RoleToolCall, alias(m)})
}

// DecodeMessage parses one message by its role discriminator.
func DecodeMessage(data []byte) (Message, error) {
	var probe struct {
		Role Role `json:"role"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("chat: decode message: %w", err)
	}
	switch probe.Role {
	case RoleUser:
		var m UserMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("chat: decode user message: %w", err)
		}
		return m, nil
	case RoleAgent:
		var m AgentMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("chat: decode agent message: %w", err)
		}
		return m, nil
	case RoleToolCall:
		var m ToolCallMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("chat: decode tool call message: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("chat: unknown message role %q", probe.Role)
	}
}

// Messages is an ordered message list with role-aware JSON round-tripping.
type Messages []Message

// UnmarshalJSON decodes each element by its role discriminator.
func (ms *Messages) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("chat: decode messages: %w", err)
	}
	out := make(Messages, 0, len(raw))
	for _, r := range raw {
		m, err := DecodeMessage(r)
		if err != nil {
			return err
		}
		out = append(out, m)
	}
	*ms = out
	return nil
}
