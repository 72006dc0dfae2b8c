package hanashi

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ashita-ai/hanashi/chat"
)

// Channel is one joined topic on a Socket. It carries pushes out and fans
// server events in to subscribers, in arrival order.
type Channel struct {
	socket *Socket
	topic  string

	mu         sync.Mutex
	handlerSeq uint64
	handlers   map[uint64]func(chat.Event)
}

// Topic returns the channel's topic string.
func (c *Channel) Topic() string { return c.topic }

// Join performs the join handshake and returns the conversation snapshot
// from the join reply. It blocks until the server replies, the push times
// out, or ctx is done.
func (c *Channel) Join(ctx context.Context, params any) (chat.Conversation, error) {
	type outcome struct {
		conv chat.Conversation
		err  error
	}
	result := make(chan outcome, 1)

	err := c.socket.push(c.topic, chat.FrameJoin, params, func(r chat.Reply) {
		if r.Status != chat.ReplyOK {
			result <- outcome{err: &JoinError{Topic: c.topic, Status: r.Status, Reason: r.Reason()}}
			return
		}
		var conv chat.Conversation
		if err := json.Unmarshal(r.Response, &conv); err != nil {
			result <- outcome{err: &JoinError{Topic: c.topic, Status: r.Status, Reason: "malformed snapshot: " + err.Error()}}
			return
		}
		result <- outcome{conv: conv}
	})
	if err != nil {
		return chat.Conversation{}, err
	}

	select {
	case out := <-result:
		return out.conv, out.err
	case <-ctx.Done():
		return chat.Conversation{}, ctx.Err()
	}
}

// Push sends a named push on this channel. fn, if non-nil, receives the
// reply (or a synthesized timeout) exactly once. Push itself only fails on
// local encode or write errors.
func (c *Channel) Push(event string, payload any, fn func(chat.Reply)) error {
	return c.socket.push(c.topic, event, payload, fn)
}

// OnEvent registers fn for every decoded conversation event on this
// channel. The returned function removes the registration.
func (c *Channel) OnEvent(fn func(chat.Event)) func() {
	c.mu.Lock()
	c.handlerSeq++
	id := c.handlerSeq
	c.handlers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Leave tells the server to drop this channel's membership. Events already
// in flight may still be delivered.
func (c *Channel) Leave() {
	_ = c.socket.push(c.topic, chat.FrameLeave, nil, nil)
	c.socket.mu.Lock()
	delete(c.socket.channels, c.topic)
	c.socket.mu.Unlock()
}

// dispatch decodes and fans out one server frame for this topic. Called
// from the socket read loop, so handlers observe events in arrival order.
func (c *Channel) dispatch(frame chat.Frame) {
	if frame.Event != chat.FrameEvent {
		c.socket.logger.Debug("ignoring non-event frame", "topic", c.topic, "event", frame.Event)
		return
	}
	event, err := chat.DecodeEvent(frame.Payload)
	if err != nil {
		c.socket.logger.Warn("dropping malformed event", "topic", c.topic, "error", err)
		return
	}

	c.mu.Lock()
	fns := make([]func(chat.Event), 0, len(c.handlers))
	for _, fn := range c.handlers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}
