package chat_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanashi/chat"
)

func reduceAll(c chat.Conversation, events ...chat.Event) chat.Conversation {
	for _, e := range events {
		c = chat.Reduce(c, e)
	}
	return c
}

func TestReduceStatusChanged(t *testing.T) {
	c := chat.NewConversation("c1")
	c = chat.Reduce(c, chat.StatusChanged{Status: chat.StatusRunning})
	assert.Equal(t, chat.StatusRunning, c.Status)

	c = chat.Reduce(c, chat.StatusChanged{Status: chat.StatusIdle})
	assert.Equal(t, chat.StatusIdle, c.Status)
}

func TestReduceAgentStreamingLifecycle(t *testing.T) {
	c := reduceAll(chat.NewConversation("c1"),
		chat.AgentStarted{MessageID: "a1"},
		chat.AgentChunk{MessageID: "a1", Chunk: "Hel"},
		chat.AgentChunk{MessageID: "a1", Chunk: "lo"},
		chat.AgentComplete{MessageID: "a1"},
	)

	require.Len(t, c.Messages, 1)
	am, ok := c.Messages[0].(chat.AgentMessage)
	require.True(t, ok)
	assert.Equal(t, "a1", am.ID)
	assert.Equal(t, "Hello", am.Content)
	assert.Equal(t, chat.AgentMessageComplete, am.Status)
}

func TestReduceAgentCancelled(t *testing.T) {
	c := reduceAll(chat.NewConversation("c1"),
		chat.StatusChanged{Status: chat.StatusRunning},
		chat.AgentStarted{MessageID: "a2"},
		chat.AgentChunk{MessageID: "a2", Chunk: "partial"},
		chat.AgentCancelled{MessageID: "a2"},
		chat.StatusChanged{Status: chat.StatusIdle},
	)

	assert.Equal(t, chat.StatusIdle, c.Status)
	am, ok := c.Messages[0].(chat.AgentMessage)
	require.True(t, ok)
	assert.Equal(t, chat.AgentMessageCancelled, am.Status)
	assert.Equal(t, "partial", am.Content)
}

func TestReduceToolCallApprovalPath(t *testing.T) {
	args := json.RawMessage(`{"path":"notes.md"}`)
	c := reduceAll(chat.NewConversation("c1"),
		chat.ToolCallRequested{ID: "t1", Name: "write_file", Arguments: args, Description: "Write a file"},
	)

	tc, ok := c.PendingToolCall()
	require.True(t, ok)
	assert.Equal(t, "t1", tc.ID)
	assert.Equal(t, chat.ToolPendingApproval, tc.Status)

	c = reduceAll(c,
		chat.ToolCallApproved{ID: "t1"},
		chat.ToolCallExecuting{ID: "t1"},
		chat.ToolCallCompleted{ID: "t1", Result: json.RawMessage(`{"bytes":42}`)},
	)

	_, pending := c.PendingToolCall()
	assert.False(t, pending)

	final, ok := c.Messages[0].(chat.ToolCallMessage)
	require.True(t, ok)
	assert.Equal(t, chat.ToolCompleted, final.Status)
	assert.JSONEq(t, `{"bytes":42}`, string(final.Result))
	assert.Equal(t, "write_file", final.Name)
}

func TestReduceToolCallRejectedAndFailed(t *testing.T) {
	c := reduceAll(chat.NewConversation("c1"),
		chat.ToolCallRequested{ID: "t1", Name: "write_file", Description: "Write a file"},
		chat.ToolCallRejected{ID: "t1"},
		chat.ToolCallRequested{ID: "t2", Name: "write_file", Description: "Write a file"},
		chat.ToolCallApproved{ID: "t2"},
		chat.ToolCallExecuting{ID: "t2"},
		chat.ToolCallFailed{ID: "t2", Error: "disk full"},
	)

	first, ok := c.Messages[0].(chat.ToolCallMessage)
	require.True(t, ok)
	assert.Equal(t, chat.ToolRejected, first.Status)

	second, ok := c.Messages[1].(chat.ToolCallMessage)
	require.True(t, ok)
	assert.Equal(t, chat.ToolFailed, second.Status)
	assert.Equal(t, "disk full", second.Error)

	_, pending := c.PendingToolCall()
	assert.False(t, pending)
}

func TestReduceUnknownIDIsNoOp(t *testing.T) {
	c := chat.NewConversation("c1")

	// Update events for ids that were never created must not create
	// messages or panic (scenario: a creation event was dropped upstream).
	got := reduceAll(c,
		chat.ToolCallCompleted{ID: "t9", Result: json.RawMessage(`{}`)},
		chat.AgentChunk{MessageID: "a9", Chunk: "x"},
		chat.AgentComplete{MessageID: "a9"},
		chat.ToolCallCancelled{ID: "t9"},
	)

	assert.Empty(t, got.Messages)
	assert.Equal(t, c, got)
}

func TestReduceUnknownEventTagIsNoOp(t *testing.T) {
	c := reduceAll(chat.NewConversation("c1"),
		chat.AgentStarted{MessageID: "a1"},
	)

	got := chat.Reduce(c, chat.UnknownEvent{Tag: "presence_diff", Payload: []byte(`{"type":"presence_diff"}`)})
	assert.Equal(t, c, got)
}

func TestReduceErrorEvent(t *testing.T) {
	c := chat.Reduce(chat.NewConversation("c1"), chat.ErrorEvent{Message: "agent crashed"})
	require.NotNil(t, c.PendingError)
	assert.Equal(t, "agent crashed", *c.PendingError)
	// An error event must not touch the status; a status_changed follows.
	assert.Equal(t, chat.StatusIdle, c.Status)
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	base := reduceAll(chat.NewConversation("c1"),
		chat.AgentStarted{MessageID: "a1"},
		chat.AgentChunk{MessageID: "a1", Chunk: "He"},
	)
	snapshot := reduceAll(chat.NewConversation("c1"),
		chat.AgentStarted{MessageID: "a1"},
		chat.AgentChunk{MessageID: "a1", Chunk: "He"},
	)

	_ = chat.Reduce(base, chat.AgentChunk{MessageID: "a1", Chunk: "llo"})
	_ = chat.Reduce(base, chat.AgentComplete{MessageID: "a1"})
	_ = chat.Reduce(base, chat.ToolCallRequested{ID: "t1", Name: "n", Description: "d"})

	assert.Equal(t, snapshot, base, "Reduce must not mutate its input")
}

func TestReduceIsDeterministic(t *testing.T) {
	events := []chat.Event{
		chat.StatusChanged{Status: chat.StatusRunning},
		chat.AgentStarted{MessageID: "a1"},
		chat.AgentChunk{MessageID: "a1", Chunk: "Hi"},
		chat.ToolCallRequested{ID: "t1", Name: "write_file", Description: "d"},
		chat.StatusChanged{Status: chat.StatusAwaitingApproval},
		chat.ToolCallApproved{ID: "t1"},
		chat.ToolCallExecuting{ID: "t1"},
		chat.ToolCallCompleted{ID: "t1", Result: json.RawMessage(`"ok"`)},
		chat.AgentComplete{MessageID: "a1"},
		chat.StatusChanged{Status: chat.StatusIdle},
	}

	a := reduceAll(chat.NewConversation("c1"), events...)
	b := reduceAll(chat.NewConversation("c1"), events...)
	assert.Equal(t, a, b, "independently reduced states must converge")
}

func TestToolCallStatusTerminal(t *testing.T) {
	terminal := []chat.ToolCallStatus{chat.ToolCompleted, chat.ToolFailed, chat.ToolRejected, chat.ToolCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	open := []chat.ToolCallStatus{chat.ToolPendingApproval, chat.ToolApproved, chat.ToolExecuting}
	for _, s := range open {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestPendingToolCallScansForNonTerminal(t *testing.T) {
	c := reduceAll(chat.NewConversation("c1"),
		chat.ToolCallRequested{ID: "t1", Name: "a", Description: "d"},
		chat.ToolCallRejected{ID: "t1"},
		chat.ToolCallRequested{ID: "t2", Name: "b", Description: "d"},
		chat.ToolCallApproved{ID: "t2"},
	)

	tc, ok := c.PendingToolCall()
	require.True(t, ok)
	assert.Equal(t, "t2", tc.ID)
	assert.Equal(t, chat.ToolApproved, tc.Status)
}
