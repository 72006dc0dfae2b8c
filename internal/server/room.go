package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ashita-ai/hanashi/chat"
	"github.com/ashita-ai/hanashi/internal/agent"
	"github.com/ashita-ai/hanashi/internal/storage"
)

// roomEventBuffer is the per-subscriber event channel depth. A subscriber
// that falls this far behind loses events and must rejoin for a fresh
// snapshot.
const roomEventBuffer = 256

// Push rejection reasons. These travel to clients as error-reply payloads.
var (
	errConversationBusy      = errors.New("busy")
	errDuplicateMessage      = errors.New("duplicate message id")
	errNoPendingToolCall     = errors.New("no pending tool call")
	errToolCallNotApprovable = errors.New("tool call is not awaiting approval")
	errUnknownToolCall       = errors.New("unknown tool call id")
)

// Room owns the authoritative state of one conversation: it validates
// pushes, drives agent turns, folds every event through the reducer, fans
// events out to subscribed connections, and persists snapshots.
//
// All state transitions happen under one mutex, so subscribers always
// observe a snapshot-then-events sequence with no gap.
type Room struct {
	id          string
	workspaceID string
	db          *storage.DB
	runner      *agent.Runner
	logger      *slog.Logger
	ctx         context.Context // bounds agent turns; cancelled on hub close

	mu            sync.Mutex
	conv          chat.Conversation
	turn          *agent.Turn
	subSeq        uint64
	subs          map[uint64]chan chat.Event
	rejectReasons map[string]string // tool id -> reason, until tool_call_rejected lands
}

func newRoom(ctx context.Context, workspaceID string, conv chat.Conversation, db *storage.DB, runner *agent.Runner, logger *slog.Logger) *Room {
	return &Room{
		id:            conv.ID,
		workspaceID:   workspaceID,
		db:            db,
		runner:        runner,
		logger:        logger.With("conversation_id", conv.ID),
		ctx:           ctx,
		conv:          conv,
		subs:          make(map[uint64]chan chat.Event),
		rejectReasons: make(map[string]string),
	}
}

// Snapshot returns the current conversation state.
func (r *Room) Snapshot() chat.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conv
}

// Subscribe atomically returns the current snapshot and a channel carrying
// every event applied after it, plus a cancel function. The channel is
// closed on cancel.
func (r *Room) Subscribe() (chat.Conversation, <-chan chat.Event, func()) {
	r.mu.Lock()
	r.subSeq++
	id := r.subSeq
	ch := make(chan chat.Event, roomEventBuffer)
	r.subs[id] = ch
	conv := r.conv
	r.mu.Unlock()

	return conv, ch, func() {
		r.mu.Lock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
		r.mu.Unlock()
	}
}

// SendMessage appends a user message and starts an agent turn. Refused when
// the conversation is not idle or the client-chosen id is already taken.
func (r *Room) SendMessage(id, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conv.Status != chat.StatusIdle {
		return errConversationBusy
	}
	if _, exists := r.conv.Message(id); exists {
		return errDuplicateMessage
	}

	msgs := make(chat.Messages, len(r.conv.Messages), len(r.conv.Messages)+1)
	copy(msgs, r.conv.Messages)
	r.conv.Messages = append(msgs, chat.UserMessage{ID: id, Content: content})
	// Mark running now rather than waiting for the turn's first event, so a
	// second send racing the turn startup hits the busy gate. Subscribers
	// still learn the transition from the turn's explicit status event.
	r.conv.Status = chat.StatusRunning
	r.persistLocked()

	// The turn goroutine emits into apply, which waits for this mutex, so
	// the turn's first event lands strictly after the user message.
	r.turn = r.runner.StartTurn(r.ctx, content, r.apply)
	if counter, err := hubMeter.Int64Counter("hanashi.turns.started"); err == nil {
		counter.Add(context.Background(), 1)
	}
	return nil
}

// Approve resolves the pending approval gate in favor of execution. The
// tool id must name the conversation's unique pending tool call.
func (r *Room) Approve(toolID string) error {
	return r.decide(toolID, func(t *agent.Turn) { t.Approve() })
}

// Reject resolves the pending approval gate by refusing the tool call. The
// reason is held until the rejected event lands, then stamped onto the
// snapshot's tool call message; it never travels on the wire event.
func (r *Room) Reject(toolID, reason string) error {
	return r.decide(toolID, func(t *agent.Turn) {
		r.rejectReasons[toolID] = reason
		t.Reject(reason)
	})
}

func (r *Room) decide(toolID string, fn func(*agent.Turn)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending, ok := r.conv.PendingToolCall()
	if !ok {
		return errNoPendingToolCall
	}
	if pending.ID != toolID {
		return errUnknownToolCall
	}
	if pending.Status != chat.ToolPendingApproval || r.turn == nil {
		return errToolCallNotApprovable
	}
	fn(r.turn)
	return nil
}

// Cancel aborts the in-flight turn, if any. Safe in any status; cancelling
// an idle conversation is a no-op.
func (r *Room) Cancel() {
	r.mu.Lock()
	turn := r.turn
	r.mu.Unlock()
	if turn != nil {
		turn.Cancel()
	}
}

// apply folds one turn event into the conversation and fans it out.
func (r *Room) apply(e chat.Event) {
	r.mu.Lock()
	r.conv = chat.Reduce(r.conv, e)
	if ev, ok := e.(chat.ToolCallRejected); ok {
		r.stampRejectionLocked(ev.ID)
	}
	// Chunks are the hot path; everything else snapshots to disk.
	if _, chunk := e.(chat.AgentChunk); !chunk {
		r.persistLocked()
	}
	for _, ch := range r.subs {
		select {
		case ch <- e:
		default:
			r.logger.Warn("dropping event for slow subscriber", "event", e.Type())
		}
	}
	r.mu.Unlock()
}

// stampRejectionLocked copies the held rejection reason onto the rejected
// tool call message, so persisted snapshots and later join replies carry it.
func (r *Room) stampRejectionLocked(toolID string) {
	reason, ok := r.rejectReasons[toolID]
	if !ok {
		return
	}
	delete(r.rejectReasons, toolID)
	if reason == "" {
		return
	}

	msgs := make(chat.Messages, len(r.conv.Messages))
	copy(msgs, r.conv.Messages)
	for i, m := range msgs {
		if tc, ok := m.(chat.ToolCallMessage); ok && tc.ID == toolID {
			tc.RejectionReason = reason
			msgs[i] = tc
		}
	}
	r.conv.Messages = msgs
}

func (r *Room) persistLocked() {
	if err := r.db.SaveConversation(context.Background(), r.workspaceID, r.conv); err != nil {
		r.logger.Error("persist conversation failed", "error", err)
	}
}
