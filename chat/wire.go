package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TopicPrefix scopes chat channels on the shared socket.
const TopicPrefix = "chat:"

// Topic returns the channel topic for a conversation id.
func Topic(conversationID string) string {
	return TopicPrefix + conversationID
}

// ConversationID extracts the conversation id from a chat topic.
func ConversationID(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, TopicPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Frame event names for channel control traffic. Everything else in a
// frame's Event field is a push name (client→server) or "event"
// (server→client conversation events).
const (
	FrameJoin  = "join"
	FrameLeave = "leave"
	FrameReply = "reply"
	FrameEvent = "event"
)

// Push names a client may send on a joined chat channel.
const (
	PushSendMessage     = "send_message"
	PushApproveToolCall = "approve_tool_call"
	PushRejectToolCall  = "reject_tool_call"
	PushCancel          = "cancel"
)

// Frame is one JSON message on the socket, either direction. Ref correlates
// a push with its reply and is empty on server-originated events.
type Frame struct {
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReplyStatus is the outcome of a push. Timeout never crosses the wire; it
// is synthesized client-side when no reply arrives in time.
type ReplyStatus string

const (
	ReplyOK      ReplyStatus = "ok"
	ReplyError   ReplyStatus = "error"
	ReplyTimeout ReplyStatus = "timeout"
)

// Reply is the payload of a FrameReply frame.
type Reply struct {
	Status   ReplyStatus     `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ErrorReason is the error-reply response body.
type ErrorReason struct {
	Reason string `json:"reason"`
}

// Reason extracts the reason from an error reply, falling back to the raw
// response when it does not parse.
func (r Reply) Reason() string {
	var er ErrorReason
	if err := json.Unmarshal(r.Response, &er); err == nil && er.Reason != "" {
		return er.Reason
	}
	if len(r.Response) > 0 {
		return string(r.Response)
	}
	return string(r.Status)
}

// JoinParams is the payload of a chat channel join.
type JoinParams struct {
	WorkspaceID string `json:"workspace_id"`
}

// SendMessageParams is the send_message push payload. The id is chosen by
// the client so the optimistic local insert and the server's record agree.
type SendMessageParams struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// ApproveToolCallParams is the approve_tool_call push payload.
type ApproveToolCallParams struct {
	ToolID string `json:"tool_id"`
}

// RejectToolCallParams is the reject_tool_call push payload.
type RejectToolCallParams struct {
	ToolID string `json:"tool_id"`
	Reason string `json:"reason,omitempty"`
}

// EncodeFrame marshals a frame with its payload.
func EncodeFrame(ref, topic, event string, payload any) (Frame, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("chat: encode %s payload: %w", event, err)
		}
		raw = b
	}
	return Frame{Ref: ref, Topic: topic, Event: event, Payload: raw}, nil
}
