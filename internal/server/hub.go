package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashita-ai/hanashi/chat"
	"github.com/ashita-ai/hanashi/internal/agent"
	"github.com/ashita-ai/hanashi/internal/storage"
	"github.com/ashita-ai/hanashi/internal/telemetry"
)

// errUnauthorizedWorkspace rejects a join whose workspace does not own the
// conversation.
var errUnauthorizedWorkspace = errors.New("unauthorized workspace")

var hubMeter = telemetry.Meter("hanashi/hub")

// Hub resolves conversation ids to live Rooms, loading persisted snapshots
// on first access and creating conversations that do not exist yet.
type Hub struct {
	db     *storage.DB
	runner *agent.Runner
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub creates a Hub. Call Close during shutdown to abort in-flight turns.
func NewHub(db *storage.DB, runner *agent.Runner, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		db:     db,
		runner: runner,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*Room),
	}
}

// Room returns the live room for a conversation, creating the conversation
// when it does not exist. The workspace id must match the conversation's
// owner; a mismatch is an authorization failure, not a new conversation.
func (h *Hub) Room(ctx context.Context, conversationID, workspaceID string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[conversationID]; ok {
		if room.workspaceID != workspaceID {
			return nil, errUnauthorizedWorkspace
		}
		return room, nil
	}

	conv, owner, err := h.db.GetConversation(ctx, conversationID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		conv = chat.NewConversation(conversationID)
		owner = workspaceID
		if err := h.db.SaveConversation(ctx, owner, conv); err != nil {
			return nil, fmt.Errorf("server: create conversation: %w", err)
		}
		h.logger.Info("conversation created", "conversation_id", conversationID, "workspace_id", workspaceID)
	case err != nil:
		return nil, fmt.Errorf("server: load conversation: %w", err)
	case owner != workspaceID:
		return nil, errUnauthorizedWorkspace
	}

	// A restart can leave a snapshot mid-turn. There is no turn to resume,
	// so surface the interruption and settle the conversation back to idle.
	conv = settleInterrupted(conv)

	room := newRoom(h.ctx, owner, conv, h.db, h.runner, h.logger)
	h.rooms[conversationID] = room
	if counter, err := hubMeter.Int64Counter("hanashi.rooms.opened"); err == nil {
		counter.Add(ctx, 1)
	}
	return room, nil
}

// Close aborts every room's in-flight turn.
func (h *Hub) Close() {
	h.cancel()
}

// settleInterrupted cancels whatever a stale snapshot left in flight.
func settleInterrupted(conv chat.Conversation) chat.Conversation {
	if conv.Status == chat.StatusIdle {
		return conv
	}
	if tc, ok := conv.PendingToolCall(); ok {
		conv = chat.Reduce(conv, chat.ToolCallCancelled{ID: tc.ID})
	}
	if am, ok := conv.StreamingMessage(); ok {
		conv = chat.Reduce(conv, chat.AgentCancelled{MessageID: am.ID})
	}
	return chat.Reduce(conv, chat.StatusChanged{Status: chat.StatusIdle})
}
