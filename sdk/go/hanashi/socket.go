package hanashi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashita-ai/hanashi/chat"
)

const (
	defaultHandshakeTimeout = 8 * time.Second
	defaultPushTimeout      = 10 * time.Second
)

// SocketConfig holds the settings needed to dial a Socket.
type SocketConfig struct {
	// URL is the websocket endpoint (e.g. "ws://localhost:8080/socket").
	URL string

	// Token is the socket token obtained from the login exchange. Sent as a
	// query parameter and validated before the upgrade.
	Token string

	// PushTimeout is how long a push waits for its reply before resolving
	// locally with a timeout status. Defaults to 10 seconds.
	PushTimeout time.Duration

	// HandshakeTimeout bounds the websocket dial. Defaults to 8 seconds.
	HandshakeTimeout time.Duration

	// Logger is used for transport diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Socket is one websocket connection multiplexing any number of channels.
// It owns the read loop; replies and server events for a channel are
// dispatched in arrival order from that single goroutine.
//
// A Socket does not reconnect. When the connection drops, every joined
// channel stops receiving events and pushes fail; reconnection policy
// belongs to the caller.
type Socket struct {
	conn        *websocket.Conn
	pushTimeout time.Duration
	logger      *slog.Logger

	writeMu sync.Mutex // serializes WriteMessage

	mu       sync.Mutex
	refSeq   uint64
	channels map[string]*Channel
	pending  map[string]*pendingPush
	closed   bool

	done chan struct{}
}

type pendingPush struct {
	timer *time.Timer
	fn    func(chat.Reply)
}

// Dial connects and authenticates a Socket and starts its read loop.
func Dial(ctx context.Context, cfg SocketConfig) (*Socket, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("hanashi: URL is required")
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("hanashi: parse url: %w", err)
	}
	if cfg.Token != "" {
		q := u.Query()
		q.Set("token", cfg.Token)
		u.RawQuery = q.Encode()
	}

	handshake := cfg.HandshakeTimeout
	if handshake == 0 {
		handshake = defaultHandshakeTimeout
	}
	dialer := &websocket.Dialer{HandshakeTimeout: handshake}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("hanashi: dial %s: %w (status %s)", cfg.URL, err, resp.Status)
		}
		return nil, fmt.Errorf("hanashi: dial %s: %w", cfg.URL, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pushTimeout := cfg.PushTimeout
	if pushTimeout == 0 {
		pushTimeout = defaultPushTimeout
	}

	s := &Socket{
		conn:        conn,
		pushTimeout: pushTimeout,
		logger:      logger,
		channels:    make(map[string]*Channel),
		pending:     make(map[string]*pendingPush),
		done:        make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Channel returns the channel for a topic, creating it if needed. The
// channel is inert until Join is called.
func (s *Socket) Channel(topic string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[topic]; ok {
		return ch
	}
	ch := &Channel{socket: s, topic: topic, handlers: make(map[uint64]func(chat.Event))}
	s.channels[topic] = ch
	return ch
}

// Close tears down the connection. Outstanding pushes resolve with a
// timeout status when their timers fire; no further events are delivered.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// Done is closed when the read loop exits (connection lost or Close called).
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// push writes a frame and registers fn to receive the correlated reply.
// fn is invoked exactly once: from the read loop on a server reply, or from
// a timer goroutine with a timeout reply.
func (s *Socket) push(topic, event string, payload any, fn func(chat.Reply)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	s.refSeq++
	ref := strconv.FormatUint(s.refSeq, 10)

	frame, err := chat.EncodeFrame(ref, topic, event, payload)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("hanashi: encode frame: %w", err)
	}

	if fn != nil {
		p := &pendingPush{fn: fn}
		p.timer = time.AfterFunc(s.pushTimeout, func() {
			s.expirePush(ref, topic, event)
		})
		s.pending[ref] = p
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		if fn != nil {
			s.takePending(ref)
		}
		return fmt.Errorf("hanashi: write %s: %w", event, err)
	}
	return nil
}

// expirePush resolves a push locally when no reply arrived in time. The
// server may still act on the push; timeout only means the outcome is
// unknown to this client.
func (s *Socket) expirePush(ref, topic, event string) {
	p := s.takePending(ref)
	if p == nil {
		return
	}
	s.logger.Warn("push timed out", "topic", topic, "push", event, "ref", ref)
	p.fn(chat.Reply{Status: chat.ReplyTimeout})
}

// takePending removes and returns the pending push for ref, stopping its
// timer. Returns nil if the push already resolved.
func (s *Socket) takePending(ref string) *pendingPush {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[ref]
	if !ok {
		return nil
	}
	delete(s.pending, ref)
	p.timer.Stop()
	return p
}

func (s *Socket) readLoop() {
	defer close(s.done)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Warn("socket read failed", "error", err)
			}
			return
		}

		var frame chat.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		s.route(frame)
	}
}

// route dispatches one inbound frame. Replies go to their pending push;
// everything else goes to the channel for the frame's topic.
func (s *Socket) route(frame chat.Frame) {
	if frame.Event == chat.FrameReply {
		p := s.takePending(frame.Ref)
		if p == nil {
			// Reply after local timeout; outcome already reported.
			return
		}
		var reply chat.Reply
		if err := json.Unmarshal(frame.Payload, &reply); err != nil {
			s.logger.Warn("dropping malformed reply", "ref", frame.Ref, "error", err)
			reply = chat.Reply{Status: chat.ReplyError}
		}
		p.fn(reply)
		return
	}

	s.mu.Lock()
	ch := s.channels[frame.Topic]
	s.mu.Unlock()
	if ch == nil {
		s.logger.Debug("dropping frame for unknown topic", "topic", frame.Topic, "event", frame.Event)
		return
	}
	ch.dispatch(frame)
}
