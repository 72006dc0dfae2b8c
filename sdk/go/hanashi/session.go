package hanashi

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashita-ai/hanashi/chat"
)

// snapshotBuffer is the per-subscriber channel depth. A full subscriber
// misses intermediate snapshots, never the ordering: the next delivered
// snapshot supersedes everything dropped before it.
const snapshotBuffer = 16

// ChannelTransport is the slice of Channel the session controller needs.
// *Channel implements it; tests substitute an in-memory fake.
type ChannelTransport interface {
	Join(ctx context.Context, params any) (chat.Conversation, error)
	Push(event string, payload any, fn func(chat.Reply)) error
	OnEvent(fn func(chat.Event)) func()
	Leave()
}

// SessionConfig holds the dependencies for a Session.
type SessionConfig struct {
	// Channel is the joined-topic transport, usually socket.Channel(chat.Topic(id)).
	Channel ChannelTransport

	// WorkspaceID is sent as the join parameter.
	WorkspaceID string

	// Logger is used for dispatcher diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Session owns one conversation over one channel: it seeds state from the
// join snapshot, applies every server event through chat.Reduce, applies
// optimistic sends with rollback, and publishes a snapshot to subscribers
// after each state change.
//
// All state transitions happen under one mutex, so subscribers and
// Snapshot callers never observe a partially-applied event.
type Session struct {
	channel     ChannelTransport
	workspaceID string
	logger      *slog.Logger

	mu          sync.Mutex
	joined      bool
	joining     bool
	backlog     []chat.Event // events received between join push and snapshot seed
	conv        chat.Conversation
	sendPending string // id of the optimistic message whose push is unresolved
	subSeq      uint64
	subs        map[uint64]chan chat.Conversation
	offEvent    func()
}

// NewSession creates a Session. Call Join before anything else.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		channel:     cfg.Channel,
		workspaceID: cfg.WorkspaceID,
		logger:      logger,
		subs:        make(map[uint64]chan chat.Conversation),
	}
}

// Join joins the channel and seeds the conversation from the join reply.
//
// The event handler is registered before the join push goes out: when the
// conversation is mid-turn the server pumps events right behind the join
// reply, and those can reach the read loop before Join's caller resumes.
// Events arriving before the snapshot is seeded are buffered, then folded
// in order on top of it.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	s.joining = true
	s.offEvent = s.channel.OnEvent(s.apply)
	s.mu.Unlock()

	conv, err := s.channel.Join(ctx, chat.JoinParams{WorkspaceID: s.workspaceID})
	if err != nil {
		s.mu.Lock()
		off := s.offEvent
		s.offEvent = nil
		s.joining = false
		s.backlog = nil
		s.mu.Unlock()
		if off != nil {
			off()
		}
		return err
	}

	s.mu.Lock()
	s.conv = conv
	if s.conv.Messages == nil {
		s.conv.Messages = chat.Messages{}
	}
	// The server subscribes the connection before replying, so buffered
	// events are exactly the ones applied after this snapshot.
	for _, e := range s.backlog {
		s.conv = chat.Reduce(s.conv, e)
	}
	s.backlog = nil
	s.joining = false
	s.joined = true
	s.mu.Unlock()

	s.publish()
	return nil
}

// Snapshot returns the current conversation state. The returned value is
// safe to retain: state transitions replace the message slice rather than
// mutating it.
func (s *Session) Snapshot() chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// Subscribe returns a channel receiving a snapshot after every state
// change, plus a cancel function. Slow subscribers skip intermediate
// snapshots rather than blocking event application.
func (s *Session) Subscribe() (<-chan chat.Conversation, func()) {
	s.mu.Lock()
	s.subSeq++
	id := s.subSeq
	ch := make(chan chat.Conversation, snapshotBuffer)
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	}
}

// SendMessage optimistically appends a user message and pushes it to the
// server. The message id is client-chosen so the local insert and the
// server's record agree.
//
// The send is refused locally (no push, no mutation) unless the
// conversation is idle and no earlier send is still unresolved. On an
// error or timeout reply the optimistic message is removed and the
// failure reason surfaces as the conversation's pending error.
func (s *Session) SendMessage(id, content string) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	if s.conv.Status != chat.StatusIdle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	if s.sendPending != "" {
		s.mu.Unlock()
		return ErrSendInFlight
	}

	// Optimistic insert before the round trip.
	msgs := make(chat.Messages, len(s.conv.Messages), len(s.conv.Messages)+1)
	copy(msgs, s.conv.Messages)
	s.conv.Messages = append(msgs, chat.UserMessage{ID: id, Content: content})
	s.sendPending = id
	s.mu.Unlock()
	s.publish()

	err := s.channel.Push(chat.PushSendMessage, chat.SendMessageParams{ID: id, Content: content}, func(r chat.Reply) {
		s.resolveSend(id, r)
	})
	if err != nil {
		// The push never left; roll back as if it had been rejected.
		s.resolveSend(id, chat.Reply{Status: chat.ReplyError})
		return err
	}
	return nil
}

// resolveSend reconciles the optimistic insert with the push outcome. On ok
// the message is already correct by construction; on error or timeout it is
// removed and the reason surfaces.
func (s *Session) resolveSend(id string, r chat.Reply) {
	s.mu.Lock()
	if s.sendPending == id {
		s.sendPending = ""
	}
	if r.Status == chat.ReplyOK {
		s.mu.Unlock()
		return
	}

	msgs := make(chat.Messages, 0, len(s.conv.Messages))
	for _, m := range s.conv.Messages {
		if m.MessageID() != id {
			msgs = append(msgs, m)
		}
	}
	s.conv.Messages = msgs
	reason := r.Reason()
	s.conv.PendingError = &reason
	s.mu.Unlock()

	s.logger.Warn("send_message rejected", "message_id", id, "status", r.Status, "reason", reason)
	s.publish()
}

// ApproveToolCall pushes an approval for the tool call. No optimistic
// mutation: the state changes only when tool_call_approved arrives, since
// the server may refuse (e.g. the call already resolved).
func (s *Session) ApproveToolCall(toolID string) error {
	return s.passThrough(chat.PushApproveToolCall, chat.ApproveToolCallParams{ToolID: toolID})
}

// RejectToolCall pushes a rejection for the tool call. Like approval, the
// state changes only via the resulting event.
func (s *Session) RejectToolCall(toolID, reason string) error {
	return s.passThrough(chat.PushRejectToolCall, chat.RejectToolCallParams{ToolID: toolID, Reason: reason})
}

// Cancel asks the server to abort the current turn. Fire-and-forget: the
// effect arrives later as agent_cancelled / tool_call_cancelled /
// status_changed events, if at all. Safe to call in any status.
func (s *Session) Cancel() error {
	return s.passThrough(chat.PushCancel, struct{}{})
}

func (s *Session) passThrough(push string, payload any) error {
	s.mu.Lock()
	joined := s.joined
	s.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}

	return s.channel.Push(push, payload, func(r chat.Reply) {
		if r.Status == chat.ReplyOK {
			return
		}
		reason := r.Reason()

		s.mu.Lock()
		s.conv.PendingError = &reason
		s.mu.Unlock()

		s.logger.Warn("push rejected", "push", push, "status", r.Status, "reason", reason)
		s.publish()
	})
}

// Close leaves the channel and closes all subscriber channels. The session
// is unusable afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	off := s.offEvent
	s.offEvent = nil
	joined := s.joined
	s.joined = false
	s.joining = false
	s.backlog = nil
	subs := s.subs
	s.subs = make(map[uint64]chan chat.Conversation)
	s.mu.Unlock()

	if off != nil {
		off()
	}
	if joined {
		s.channel.Leave()
	}
	for _, ch := range subs {
		close(ch)
	}
}

// apply runs one server event through the reducer and publishes the result.
// Events arrive from the socket read loop in server order.
func (s *Session) apply(e chat.Event) {
	s.mu.Lock()
	if s.joining {
		s.backlog = append(s.backlog, e)
		s.mu.Unlock()
		return
	}
	s.conv = chat.Reduce(s.conv, e)
	s.mu.Unlock()
	s.publish()
}

// publish delivers the current snapshot to every subscriber, dropping
// per-subscriber when a buffer is full.
func (s *Session) publish() {
	s.mu.Lock()
	conv := s.conv
	for _, ch := range s.subs {
		select {
		case ch <- conv:
		default:
		}
	}
	s.mu.Unlock()
}
