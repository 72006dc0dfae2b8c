// Package hanashi provides the Go client for the Hanashi conversation
// protocol: a websocket Socket multiplexing topic-scoped Channels, and a
// Session controller that reconciles the server's event stream into an
// observable Conversation snapshot.
package hanashi

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/hanashi/chat"
)

var (
	// ErrNotJoined is returned by dispatcher operations before Join succeeds.
	ErrNotJoined = errors.New("hanashi: channel not joined")

	// ErrNotIdle is returned by SendMessage when the conversation is busy.
	// No push is issued and no local state changes.
	ErrNotIdle = errors.New("hanashi: conversation is not idle")

	// ErrSendInFlight is returned by SendMessage while a previous send's
	// push has not resolved yet. One optimistic insert at a time keeps the
	// rollback discipline unambiguous.
	ErrSendInFlight = errors.New("hanashi: a send_message push is already in flight")

	// ErrSocketClosed is returned when the underlying socket has been closed.
	ErrSocketClosed = errors.New("hanashi: socket closed")
)

// JoinError reports a rejected or timed-out channel join.
type JoinError struct {
	Topic  string
	Status chat.ReplyStatus
	Reason string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("hanashi: join %s: %s (%s)", e.Topic, e.Status, e.Reason)
}
