package chat_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanashi/chat"
)

func TestDecodeEventVocabulary(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want chat.Event
	}{
		{
			name: "status_changed",
			raw:  `{"type":"status_changed","status":"running"}`,
			want: chat.StatusChanged{Status: chat.StatusRunning},
		},
		{
			name: "agent_started",
			raw:  `{"type":"agent_started","message_id":"a1"}`,
			want: chat.AgentStarted{MessageID: "a1"},
		},
		{
			name: "agent_chunk",
			raw:  `{"type":"agent_chunk","message_id":"a1","chunk":"Hel"}`,
			want: chat.AgentChunk{MessageID: "a1", Chunk: "Hel"},
		},
		{
			name: "agent_complete",
			raw:  `{"type":"agent_complete","message_id":"a1"}`,
			want: chat.AgentComplete{MessageID: "a1"},
		},
		{
			name: "agent_cancelled",
			raw:  `{"type":"agent_cancelled","message_id":"a1"}`,
			want: chat.AgentCancelled{MessageID: "a1"},
		},
		{
			name: "tool_call_requested",
			raw:  `{"type":"tool_call_requested","id":"t1","name":"write_file","arguments":{"path":"x"},"description":"Write a file"}`,
			want: chat.ToolCallRequested{
				ID:          "t1",
				Name:        "write_file",
				Arguments:   json.RawMessage(`{"path":"x"}`),
				Description: "Write a file",
			},
		},
		{
			name: "tool_call_completed",
			raw:  `{"type":"tool_call_completed","id":"t1","result":{"bytes":42}}`,
			want: chat.ToolCallCompleted{ID: "t1", Result: json.RawMessage(`{"bytes":42}`)},
		},
		{
			name: "tool_call_failed",
			raw:  `{"type":"tool_call_failed","id":"t1","error":"boom"}`,
			want: chat.ToolCallFailed{ID: "t1", Error: "boom"},
		},
		{
			name: "tool_call_rejected",
			raw:  `{"type":"tool_call_rejected","id":"t1"}`,
			want: chat.ToolCallRejected{ID: "t1"},
		},
		{
			name: "error",
			raw:  `{"type":"error","message":"agent crashed"}`,
			want: chat.ErrorEvent{Message: "agent crashed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := chat.DecodeEvent([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeEventUnknownTag(t *testing.T) {
	raw := `{"type":"presence_diff","joins":{"u1":{}}}`
	got, err := chat.DecodeEvent([]byte(raw))
	require.NoError(t, err, "unknown tags are not errors")

	u, ok := got.(chat.UnknownEvent)
	require.True(t, ok)
	assert.Equal(t, "presence_diff", u.Tag)
	assert.JSONEq(t, raw, string(u.Payload))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	events := []chat.Event{
		chat.StatusChanged{Status: chat.StatusAwaitingApproval},
		chat.AgentStarted{MessageID: "a1"},
		chat.AgentChunk{MessageID: "a1", Chunk: "Hello"},
		chat.AgentComplete{MessageID: "a1"},
		chat.AgentCancelled{MessageID: "a1"},
		chat.ToolCallRequested{ID: "t1", Name: "write_file", Arguments: json.RawMessage(`{"p":1}`), Description: "d"},
		chat.ToolCallApproved{ID: "t1"},
		chat.ToolCallExecuting{ID: "t1"},
		chat.ToolCallCompleted{ID: "t1", Result: json.RawMessage(`{"ok":true}`)},
		chat.ToolCallFailed{ID: "t1", Error: "boom"},
		chat.ToolCallRejected{ID: "t1"},
		chat.ToolCallCancelled{ID: "t1"},
		chat.ErrorEvent{Message: "oops"},
	}

	for _, e := range events {
		data, err := chat.EncodeEvent(e)
		require.NoError(t, err)

		var probe struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &probe))
		assert.Equal(t, string(e.Type()), probe.Type)

		back, err := chat.DecodeEvent(data)
		require.NoError(t, err)
		assert.Equal(t, e, back, "round trip for %s", e.Type())
	}
}

func TestConversationSnapshotRoundTrip(t *testing.T) {
	reason := "busy"
	conv := chat.Conversation{
		ID:     "c1",
		Status: chat.StatusAwaitingApproval,
		Messages: chat.Messages{
			chat.UserMessage{ID: "m1", Content: "Hello"},
			chat.AgentMessage{ID: "a1", Content: "Hi", Status: chat.AgentMessageComplete},
			chat.ToolCallMessage{
				ID:          "t1",
				Name:        "write_file",
				Arguments:   json.RawMessage(`{"path":"x"}`),
				Description: "Write a file",
				Status:      chat.ToolPendingApproval,
			},
		},
		PendingError: &reason,
	}

	data, err := json.Marshal(conv)
	require.NoError(t, err)

	var back chat.Conversation
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, conv, back)

	// Roles survive as discriminators.
	var peek struct {
		Messages []struct {
			Role chat.Role `json:"role"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(data, &peek))
	assert.Equal(t, chat.RoleUser, peek.Messages[0].Role)
	assert.Equal(t, chat.RoleAgent, peek.Messages[1].Role)
	assert.Equal(t, chat.RoleToolCall, peek.Messages[2].Role)
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "chat:c1", chat.Topic("c1"))

	id, ok := chat.ConversationID("chat:c1")
	require.True(t, ok)
	assert.Equal(t, "c1", id)

	_, ok = chat.ConversationID("doc:c1")
	assert.False(t, ok)
	_, ok = chat.ConversationID("chat:")
	assert.False(t, ok)
}

func TestReplyReason(t *testing.T) {
	r := chat.Reply{Status: chat.ReplyError, Response: json.RawMessage(`{"reason":"busy"}`)}
	assert.Equal(t, "busy", r.Reason())

	r = chat.Reply{Status: chat.ReplyError, Response: json.RawMessage(`"nope"`)}
	assert.Equal(t, `"nope"`, r.Reason())

	r = chat.Reply{Status: chat.ReplyTimeout}
	assert.Equal(t, "timeout", r.Reason())
}
