// Package chat defines the conversation protocol shared by every Hanashi
// client and the reference backend: the server→client event vocabulary, the
// message union, the Conversation snapshot, the pure reducer that applies
// events to snapshots, and the wire framing for channel traffic.
//
// The package is deliberately free of transport and I/O concerns. Two
// consumers that decode the same event stream and apply it through Reduce
// converge to equal Conversation values; that convergence is the protocol's
// core correctness property, so everything here is data plus pure functions.
package chat

// Status is the server-authoritative conversation state. Clients never derive
// it locally; they copy it from status_changed events.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
)

// Conversation is one turn-based exchange with the agent. A snapshot of this
// struct is the join reply, and every subsequent event mutates it through
// Reduce.
type Conversation struct {
	ID           string   `json:"id"`
	Status       Status   `json:"status"`
	Messages     Messages `json:"messages"`
	PendingError *string  `json:"pending_error"`
}

// NewConversation returns an empty idle conversation, the state a channel is
// seeded with before its first event.
func NewConversation(id string) Conversation {
	return Conversation{
		ID:       id,
		Status:   StatusIdle,
		Messages: Messages{},
	}
}

// Message returns the message with the given id, if present.
func (c Conversation) Message(id string) (Message, bool) {
	for _, m := range c.Messages {
		if m.MessageID() == id {
			return m, true
		}
	}
	return nil, false
}

// PendingToolCall returns the unique non-terminal tool call, if any.
//
// This is a deliberate linear scan rather than a cached pointer: the backend
// guarantees at most one tool call is in a non-terminal state per
// conversation, so scanning the message list is correct and cannot
// desynchronize from it the way a second source of truth could.
func (c Conversation) PendingToolCall() (ToolCallMessage, bool) {
	for _, m := range c.Messages {
		if tc, ok := m.(ToolCallMessage); ok && !tc.Status.Terminal() {
			return tc, true
		}
	}
	return ToolCallMessage{}, false
}

// StreamingMessage returns the agent message currently streaming, if any.
// Like PendingToolCall, uniqueness is a backend contract.
func (c Conversation) StreamingMessage() (AgentMessage, bool) {
	for _, m := range c.Messages {
		if am, ok := m.(AgentMessage); ok && am.Status == AgentMessageStreaming {
			return am, true
		}
	}
	return AgentMessage{}, false
}
