package chat

// Reduce applies one event to a conversation and returns the next state.
//
// It is a pure function: the input conversation is never mutated (message
// lists are copied on write), the same inputs always produce the same output,
// and it is total over the event vocabulary. Unknown event tags and update
// events whose id matches no message are no-ops returning the input
// unchanged — a missing creation event degrades to silence, not a failure.
func Reduce(c Conversation, e Event) Conversation {
	switch ev := e.(type) {
	case StatusChanged:
		c.Status = ev.Status
		return c

	case AgentStarted:
		return appendMessage(c, AgentMessage{
			ID:     ev.MessageID,
			Status: AgentMessageStreaming,
		})

	case AgentChunk:
		return updateAgent(c, ev.MessageID, func(m AgentMessage) AgentMessage {
			m.Content += ev.Chunk
			return m
		})

	case AgentComplete:
		return updateAgent(c, ev.MessageID, func(m AgentMessage) AgentMessage {
			m.Status = AgentMessageComplete
			return m
		})

	case AgentCancelled:
		return updateAgent(c, ev.MessageID, func(m AgentMessage) AgentMessage {
			m.Status = AgentMessageCancelled
			return m
		})

	case ToolCallRequested:
		return appendMessage(c, ToolCallMessage{
			ID:          ev.ID,
			Name:        ev.Name,
			Arguments:   ev.Arguments,
			Description: ev.Description,
			Status:      ToolPendingApproval,
		})

	case ToolCallApproved:
		return updateToolCall(c, ev.ID, func(m ToolCallMessage) ToolCallMessage {
			m.Status = ToolApproved
			return m
		})

	case ToolCallExecuting:
		return updateToolCall(c, ev.ID, func(m ToolCallMessage) ToolCallMessage {
			m.Status = ToolExecuting
			return m
		})

	case ToolCallCompleted:
		return updateToolCall(c, ev.ID, func(m ToolCallMessage) ToolCallMessage {
			m.Status = ToolCompleted
			m.Result = ev.Result
			return m
		})

	case ToolCallFailed:
		return updateToolCall(c, ev.ID, func(m ToolCallMessage) ToolCallMessage {
			m.Status = ToolFailed
			m.Error = ev.Error
			return m
		})

	case ToolCallRejected:
		return updateToolCall(c, ev.ID, func(m ToolCallMessage) ToolCallMessage {
			m.Status = ToolRejected
			return m
		})

	case ToolCallCancelled:
		return updateToolCall(c, ev.ID, func(m ToolCallMessage) ToolCallMessage {
			m.Status = ToolCancelled
			return m
		})

	case ErrorEvent:
		msg := ev.Message
		c.PendingError = &msg
		return c

	default:
		// UnknownEvent and anything else outside the vocabulary.
		return c
	}
}

// appendMessage returns c with m appended to a fresh message slice.
func appendMessage(c Conversation, m Message) Conversation {
	out := make(Messages, len(c.Messages), len(c.Messages)+1)
	copy(out, c.Messages)
	c.Messages = append(out, m)
	return c
}

// updateAgent rewrites the agent message with the given id in place
// (positionally), copying the slice. Missing ids and role mismatches are
// no-ops.
func updateAgent(c Conversation, id string, fn func(AgentMessage) AgentMessage) Conversation {
	for i, m := range c.Messages {
		am, ok := m.(AgentMessage)
		if !ok || am.ID != id {
			continue
		}
		out := make(Messages, len(c.Messages))
		copy(out, c.Messages)
		out[i] = fn(am)
		c.Messages = out
		return c
	}
	return c
}

// updateToolCall is updateAgent for tool call messages.
func updateToolCall(c Conversation, id string, fn func(ToolCallMessage) ToolCallMessage) Conversation {
	for i, m := range c.Messages {
		tc, ok := m.(ToolCallMessage)
		if !ok || tc.ID != id {
			continue
		}
		out := make(Messages, len(c.Messages))
		copy(out, c.Messages)
		out[i] = fn(tc)
		c.Messages = out
		return c
	}
	return c
}
