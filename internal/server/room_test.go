package server

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanashi/chat"
	"github.com/ashita-ai/hanashi/internal/agent"
	"github.com/ashita-ai/hanashi/internal/storage"
	"github.com/ashita-ai/hanashi/migrations"
)

func newTestHub(t *testing.T) (*Hub, *storage.DB, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := storage.New(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.RunMigrations(context.Background(), migrations.FS))

	workspace := t.TempDir()
	runner := agent.New(agent.Config{
		Tools: []agent.Tool{
			agent.WriteFileTool{Root: workspace},
			agent.ListFilesTool{Root: workspace},
		},
		ChunkInterval: time.Millisecond,
		Logger:        logger,
	})

	hub := NewHub(db, runner, logger)
	t.Cleanup(hub.Close)
	return hub, db, workspace
}

// waitStatus polls the room snapshot until the status matches or the
// deadline passes.
func waitStatus(t *testing.T, room *Room, want chat.Status) chat.Conversation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conv := room.Snapshot()
		if conv.Status == want {
			return conv
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("room never reached status %q, stuck at %q", want, room.Snapshot().Status)
	return chat.Conversation{}
}

// waitFunc polls the room snapshot until pred accepts it.
func waitFunc(t *testing.T, room *Room, pred func(chat.Conversation) bool) chat.Conversation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conv := room.Snapshot()
		if pred(conv) {
			return conv
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("room never reached the expected state")
	return chat.Conversation{}
}

func TestRoomPlainTurnPersists(t *testing.T) {
	hub, db, _ := newTestHub(t)
	room, err := hub.Room(context.Background(), "conv-1", "ws-1")
	require.NoError(t, err)

	require.NoError(t, room.SendMessage("m1", "hello there"))
	conv := waitFunc(t, room, func(c chat.Conversation) bool {
		return c.Status == chat.StatusIdle && len(c.Messages) == 2
	})

	user, ok := conv.Messages[0].(chat.UserMessage)
	require.True(t, ok)
	assert.Equal(t, "hello there", user.Content)

	reply, ok := conv.Messages[1].(chat.AgentMessage)
	require.True(t, ok)
	assert.Equal(t, chat.AgentMessageComplete, reply.Status)
	assert.Contains(t, reply.Content, "hello there")

	// The idle snapshot must have hit disk.
	saved, owner, err := db.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "ws-1", owner)
	assert.Equal(t, chat.StatusIdle, saved.Status)
	require.Len(t, saved.Messages, 2)
}

func TestRoomRefusesSendWhileBusy(t *testing.T) {
	hub, _, _ := newTestHub(t)
	room, err := hub.Room(context.Background(), "conv-1", "ws-1")
	require.NoError(t, err)

	require.NoError(t, room.SendMessage("m1", "first"))
	assert.ErrorIs(t, room.SendMessage("m2", "second"), errConversationBusy)

	waitStatus(t, room, chat.StatusIdle)
}

func TestRoomRefusesDuplicateMessageID(t *testing.T) {
	hub, _, _ := newTestHub(t)
	room, err := hub.Room(context.Background(), "conv-1", "ws-1")
	require.NoError(t, err)

	require.NoError(t, room.SendMessage("m1", "first"))
	waitStatus(t, room, chat.StatusIdle)

	assert.ErrorIs(t, room.SendMessage("m1", "again"), errDuplicateMessage)
}

func TestRoomApproveExecutesTool(t *testing.T) {
	hub, _, workspace := newTestHub(t)
	room, err := hub.Room(context.Background(), "conv-1", "ws-1")
	require.NoError(t, err)

	require.NoError(t, room.SendMessage("m1", "write notes.txt: remember the milk"))
	conv := waitStatus(t, room, chat.StatusAwaitingApproval)

	pending, ok := conv.PendingToolCall()
	require.True(t, ok)
	assert.Equal(t, "write_file", pending.Name)

	assert.ErrorIs(t, room.Approve("no-such-id"), errUnknownToolCall)
	require.NoError(t, room.Approve(pending.ID))

	conv = waitStatus(t, room, chat.StatusIdle)
	tc, ok := conv.Message(pending.ID)
	require.True(t, ok)
	assert.Equal(t, chat.ToolCompleted, tc.(chat.ToolCallMessage).Status)

	data, err := os.ReadFile(filepath.Join(workspace, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remember the milk", string(data))
}

func TestRoomRejectSkipsTool(t *testing.T) {
	hub, _, workspace := newTestHub(t)
	room, err := hub.Room(context.Background(), "conv-1", "ws-1")
	require.NoError(t, err)

	require.NoError(t, room.SendMessage("m1", "write notes.txt: secret"))
	conv := waitStatus(t, room, chat.StatusAwaitingApproval)
	pending, ok := conv.PendingToolCall()
	require.True(t, ok)

	require.NoError(t, room.Reject(pending.ID, "not today"))
	conv = waitStatus(t, room, chat.StatusIdle)

	tc, ok := conv.Message(pending.ID)
	require.True(t, ok)
	assert.Equal(t, chat.ToolRejected, tc.(chat.ToolCallMessage).Status)

	_, err = os.Stat(filepath.Join(workspace, "notes.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRoomRejectReasonOnSnapshot(t *testing.T) {
	hub, db, _ := newTestHub(t)
	room, err := hub.Room(context.Background(), "conv-1", "ws-1")
	require.NoError(t, err)

	require.NoError(t, room.SendMessage("m1", "write notes.txt: secret"))
	conv := waitStatus(t, room, chat.StatusAwaitingApproval)
	pending, ok := conv.PendingToolCall()
	require.True(t, ok)

	require.NoError(t, room.Reject(pending.ID, "too risky"))
	conv = waitStatus(t, room, chat.StatusIdle)

	tc, ok := conv.Message(pending.ID)
	require.True(t, ok)
	rejected := tc.(chat.ToolCallMessage)
	assert.Equal(t, chat.ToolRejected, rejected.Status)
	assert.Equal(t, "too risky", rejected.RejectionReason)

	// The persisted snapshot carries the reason, so later joins render it.
	saved, _, err := db.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	tc, ok = saved.Message(pending.ID)
	require.True(t, ok)
	assert.Equal(t, "too risky", tc.(chat.ToolCallMessage).RejectionReason)
}

func TestRoomDecideWithoutPendingToolCall(t *testing.T) {
	hub, _, _ := newTestHub(t)
	room, err := hub.Room(context.Background(), "conv-1", "ws-1")
	require.NoError(t, err)

	assert.ErrorIs(t, room.Approve("tc-1"), errNoPendingToolCall)
	assert.ErrorIs(t, room.Reject("tc-1", ""), errNoPendingToolCall)
}

func TestRoomCancelWhileAwaitingApproval(t *testing.T) {
	hub, _, _ := newTestHub(t)
	room, err := hub.Room(context.Background(), "conv-1", "ws-1")
	require.NoError(t, err)

	require.NoError(t, room.SendMessage("m1", "write notes.txt: pending"))
	waitStatus(t, room, chat.StatusAwaitingApproval)

	room.Cancel()
	conv := waitStatus(t, room, chat.StatusIdle)

	_, pending := conv.PendingToolCall()
	assert.False(t, pending)
	_, streaming := conv.StreamingMessage()
	assert.False(t, streaming)

	// Idle again, so the next send is accepted.
	require.NoError(t, room.SendMessage("m2", "hello"))
	waitStatus(t, room, chat.StatusIdle)
}

func TestRoomSubscriberConvergesWithSnapshot(t *testing.T) {
	hub, _, _ := newTestHub(t)
	room, err := hub.Room(context.Background(), "conv-1", "ws-1")
	require.NoError(t, err)

	snapshot, events, off := room.Subscribe()
	defer off()

	require.NoError(t, room.SendMessage("m1", "write notes.txt: converge"))
	conv := waitStatus(t, room, chat.StatusAwaitingApproval)
	pending, ok := conv.PendingToolCall()
	require.True(t, ok)
	require.NoError(t, room.Approve(pending.ID))
	waitStatus(t, room, chat.StatusIdle)

	// The subscriber never saw the user message as an event; it replays the
	// turn on top of the snapshot and must still converge, except for the
	// user message which arrives via the send reply path.
	local := snapshot
	local.Messages = append(chat.Messages{}, local.Messages...)
	local.Messages = append(local.Messages, chat.UserMessage{ID: "m1", Content: "write notes.txt: converge"})
	local.Status = chat.StatusRunning

drain:
	for {
		select {
		case e := <-events:
			local = chat.Reduce(local, e)
		default:
			break drain
		}
	}

	assert.Equal(t, room.Snapshot(), local)
}

func TestHubRejectsForeignWorkspace(t *testing.T) {
	hub, _, _ := newTestHub(t)

	_, err := hub.Room(context.Background(), "conv-1", "ws-a")
	require.NoError(t, err)

	_, err = hub.Room(context.Background(), "conv-1", "ws-b")
	assert.ErrorIs(t, err, errUnauthorizedWorkspace)
}

func TestHubCreatesMissingConversation(t *testing.T) {
	hub, db, _ := newTestHub(t)

	_, err := hub.Room(context.Background(), "fresh", "ws-a")
	require.NoError(t, err)

	conv, owner, err := db.GetConversation(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, "ws-a", owner)
	assert.Equal(t, chat.StatusIdle, conv.Status)
	assert.Empty(t, conv.Messages)
}

func TestHubSettlesInterruptedSnapshot(t *testing.T) {
	hub, db, _ := newTestHub(t)

	// Simulate a crash mid-turn: a persisted snapshot stuck awaiting
	// approval with a streaming reply and a pending tool call.
	stale := chat.NewConversation("conv-1")
	stale.Status = chat.StatusAwaitingApproval
	stale.Messages = chat.Messages{
		chat.UserMessage{ID: "m1", Content: "write x: y"},
		chat.AgentMessage{ID: "a1", Content: "working", Status: chat.AgentMessageStreaming},
		chat.ToolCallMessage{ID: "tc1", Name: "write_file", Status: chat.ToolPendingApproval},
	}
	require.NoError(t, db.SaveConversation(context.Background(), "ws-a", stale))

	room, err := hub.Room(context.Background(), "conv-1", "ws-a")
	require.NoError(t, err)

	conv := room.Snapshot()
	assert.Equal(t, chat.StatusIdle, conv.Status)

	tc, ok := conv.Message("tc1")
	require.True(t, ok)
	assert.Equal(t, chat.ToolCancelled, tc.(chat.ToolCallMessage).Status)

	am, ok := conv.Message("a1")
	require.True(t, ok)
	assert.Equal(t, chat.AgentMessageCancelled, am.(chat.AgentMessage).Status)
}
