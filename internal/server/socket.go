package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ashita-ai/hanashi/chat"
	"github.com/ashita-ai/hanashi/internal/ratelimit"
)

// HandleSocket authenticates and upgrades a websocket connection, then
// serves its frame loop until the client disconnects.
func (h *Handlers) HandleSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := h.jwtMgr.ValidateToken(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid or expired socket token")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	if h.maxFrameBytes > 0 {
		ws.SetReadLimit(h.maxFrameBytes)
	}

	c := &socketConn{
		ws:      ws,
		hub:     h.hub,
		limiter: h.limiter,
		logger:  h.logger.With("user_id", claims.UserID().String()),
		userID:  claims.UserID(),
		subs:    make(map[string]*roomSub),
	}
	c.logger.Info("socket connected")
	c.run(r.Context())
}

// socketConn is one authenticated websocket connection multiplexing chat
// channels.
type socketConn struct {
	ws      *websocket.Conn
	hub     *Hub
	limiter ratelimit.Limiter
	logger  *slog.Logger
	userID  uuid.UUID

	writeMu sync.Mutex // serializes WriteJSON

	mu   sync.Mutex
	subs map[string]*roomSub // by topic
}

type roomSub struct {
	room *Room
	off  func()
}

func (c *socketConn) run(ctx context.Context) {
	defer c.close()
	for {
		var frame chat.Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("socket read ended", "error", err)
			}
			return
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *socketConn) handleFrame(ctx context.Context, f chat.Frame) {
	switch f.Event {
	case chat.FrameJoin:
		c.handleJoin(ctx, f)
	case chat.FrameLeave:
		c.handleLeave(f)
	case chat.PushSendMessage, chat.PushApproveToolCall, chat.PushRejectToolCall, chat.PushCancel:
		c.handlePush(ctx, f)
	default:
		c.replyError(f, "unknown event "+f.Event)
	}
}

func (c *socketConn) handleJoin(ctx context.Context, f chat.Frame) {
	if _, ok := chat.ConversationID(f.Topic); !ok {
		c.replyError(f, "unknown topic")
		return
	}
	var params chat.JoinParams
	if err := json.Unmarshal(f.Payload, &params); err != nil || params.WorkspaceID == "" {
		c.replyError(f, "workspace_id is required")
		return
	}

	convID, _ := chat.ConversationID(f.Topic)
	room, err := c.hub.Room(ctx, convID, params.WorkspaceID)
	if err != nil {
		c.replyError(f, reasonFor(err))
		return
	}

	snapshot, events, off := room.Subscribe()

	c.mu.Lock()
	if prev, ok := c.subs[f.Topic]; ok {
		// Re-join replaces the old subscription.
		prev.off()
	}
	c.subs[f.Topic] = &roomSub{room: room, off: off}
	c.mu.Unlock()

	// Reply before pumping so the client sees snapshot, then events, with
	// nothing in between lost: the channel buffers from subscription time.
	c.reply(f, chat.ReplyOK, snapshot)
	go c.pump(f.Topic, events)
}

func (c *socketConn) handleLeave(f chat.Frame) {
	c.mu.Lock()
	sub, ok := c.subs[f.Topic]
	delete(c.subs, f.Topic)
	c.mu.Unlock()

	if ok {
		sub.off()
	}
	c.reply(f, chat.ReplyOK, nil)
}

func (c *socketConn) handlePush(ctx context.Context, f chat.Frame) {
	c.mu.Lock()
	sub, joined := c.subs[f.Topic]
	c.mu.Unlock()
	if !joined {
		c.replyError(f, "not joined")
		return
	}

	switch f.Event {
	case chat.PushSendMessage:
		allowed, err := c.limiter.Allow(ctx, "user:"+c.userID.String())
		if err != nil {
			// Fail open: a broken limiter should not take down sends.
			c.logger.Warn("rate limiter error", "error", err)
			allowed = true
		}
		if !allowed {
			c.replyError(f, "rate limited")
			return
		}

		var params chat.SendMessageParams
		if err := json.Unmarshal(f.Payload, &params); err != nil || params.ID == "" || params.Content == "" {
			c.replyError(f, "id and content are required")
			return
		}
		if err := sub.room.SendMessage(params.ID, params.Content); err != nil {
			c.replyError(f, reasonFor(err))
			return
		}
		c.reply(f, chat.ReplyOK, nil)

	case chat.PushApproveToolCall:
		var params chat.ApproveToolCallParams
		if err := json.Unmarshal(f.Payload, &params); err != nil || params.ToolID == "" {
			c.replyError(f, "tool_id is required")
			return
		}
		if err := sub.room.Approve(params.ToolID); err != nil {
			c.replyError(f, reasonFor(err))
			return
		}
		c.reply(f, chat.ReplyOK, nil)

	case chat.PushRejectToolCall:
		var params chat.RejectToolCallParams
		if err := json.Unmarshal(f.Payload, &params); err != nil || params.ToolID == "" {
			c.replyError(f, "tool_id is required")
			return
		}
		if err := sub.room.Reject(params.ToolID, params.Reason); err != nil {
			c.replyError(f, reasonFor(err))
			return
		}
		c.reply(f, chat.ReplyOK, nil)

	case chat.PushCancel:
		sub.room.Cancel()
		c.reply(f, chat.ReplyOK, nil)
	}
}

// pump forwards room events to the client until the subscription closes.
func (c *socketConn) pump(topic string, events <-chan chat.Event) {
	for e := range events {
		payload, err := chat.EncodeEvent(e)
		if err != nil {
			c.logger.Error("encode event failed", "event", e.Type(), "error", err)
			continue
		}
		c.writeFrame(chat.Frame{Topic: topic, Event: chat.FrameEvent, Payload: payload})
	}
}

func (c *socketConn) reply(f chat.Frame, status chat.ReplyStatus, response any) {
	var raw json.RawMessage
	if response != nil {
		b, err := json.Marshal(response)
		if err != nil {
			c.logger.Error("encode reply failed", "error", err)
			return
		}
		raw = b
	}
	body, err := json.Marshal(chat.Reply{Status: status, Response: raw})
	if err != nil {
		c.logger.Error("encode reply failed", "error", err)
		return
	}
	c.writeFrame(chat.Frame{Ref: f.Ref, Topic: f.Topic, Event: chat.FrameReply, Payload: body})
}

func (c *socketConn) replyError(f chat.Frame, reason string) {
	c.reply(f, chat.ReplyError, chat.ErrorReason{Reason: reason})
}

func (c *socketConn) writeFrame(frame chat.Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(frame); err != nil {
		c.logger.Debug("socket write failed", "error", err)
	}
}

// close tears down every subscription and the underlying connection.
func (c *socketConn) close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*roomSub)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.off()
	}
	_ = c.ws.Close()
	c.logger.Info("socket disconnected")
}

// reasonFor maps an internal error to a client-facing rejection reason.
func reasonFor(err error) string {
	return strings.TrimPrefix(err.Error(), "server: ")
}
