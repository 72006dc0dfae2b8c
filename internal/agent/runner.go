package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hanashi/chat"
)

// Runner produces scripted agent turns. One Runner serves any number of
// conversations; each turn runs in its own goroutine.
type Runner struct {
	tools         map[string]Tool
	chunkInterval time.Duration
	logger        *slog.Logger
}

// Config holds the dependencies for a Runner.
type Config struct {
	// Tools the agent may propose, looked up by name.
	Tools []Tool

	// ChunkInterval paces streamed chunks. Defaults to 40ms.
	ChunkInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// New creates a Runner.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.ChunkInterval
	if interval == 0 {
		interval = 40 * time.Millisecond
	}
	tools := make(map[string]Tool, len(cfg.Tools))
	for _, t := range cfg.Tools {
		tools[t.Name()] = t
	}
	return &Runner{tools: tools, chunkInterval: interval, logger: logger}
}

// Tools returns the registered tools.
func (r *Runner) Tools() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Turn is one in-flight agent reply. Approve, Reject, and Cancel feed the
// user's decisions into the running turn; each is safe to call at any time
// and is a no-op when the turn is not waiting for that input.
type Turn struct {
	cancel    context.CancelFunc
	decisions chan decision
	done      chan struct{}
}

type decision struct {
	approved bool
	reason   string
}

// StartTurn begins a turn answering prompt. Every lifecycle event is passed
// to emit, in order, from the turn's goroutine: status changes, agent
// streaming, and the tool approval gate when the plan includes a tool call.
func (r *Runner) StartTurn(ctx context.Context, prompt string, emit func(chat.Event)) *Turn {
	ctx, cancel := context.WithCancel(ctx)
	t := &Turn{
		cancel:    cancel,
		decisions: make(chan decision, 1),
		done:      make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		defer cancel()
		r.run(ctx, prompt, emit, t.decisions)
	}()
	return t
}

// Approve resolves the approval gate in favor of executing the tool call.
func (t *Turn) Approve() { t.decide(decision{approved: true}) }

// Reject resolves the approval gate by refusing the tool call.
func (t *Turn) Reject(reason string) { t.decide(decision{reason: reason}) }

// Cancel aborts the turn. The turn emits its cancellation events and exits.
func (t *Turn) Cancel() { t.cancel() }

// Done is closed when the turn's goroutine has emitted its final event.
func (t *Turn) Done() <-chan struct{} { return t.done }

func (t *Turn) decide(d decision) {
	select {
	case t.decisions <- d:
	default:
	}
}

type proposal struct {
	name        string
	description string
	args        json.RawMessage
}

type turnPlan struct {
	preamble string
	tool     *proposal
}

// plan maps a prompt onto a scripted turn. "write <path>: <content>" and
// "list" produce tool proposals; anything else is a plain streamed reply.
func (r *Runner) plan(prompt string) turnPlan {
	trimmed := strings.TrimSpace(prompt)

	if rest, ok := strings.CutPrefix(trimmed, "write "); ok {
		if path, content, ok := strings.Cut(rest, ":"); ok {
			path = strings.TrimSpace(path)
			content = strings.TrimSpace(content)
			args, _ := json.Marshal(writeFileArgs{Path: path, Content: content})
			return turnPlan{
				preamble: "I can do that, but writing " + path + " needs your approval first.",
				tool: &proposal{
					name:        "write_file",
					description: "Write " + path + " in the workspace",
					args:        args,
				},
			}
		}
	}

	if trimmed == "list" || strings.HasPrefix(trimmed, "list ") {
		return turnPlan{
			preamble: "Let me look at what the workspace contains.",
			tool: &proposal{
				name:        "list_files",
				description: "List the files in the workspace",
				args:        json.RawMessage(`{}`),
			},
		}
	}

	return turnPlan{
		preamble: "You said: " + trimmed + ". Nothing there needs a tool, so that is my whole answer.",
	}
}

func (r *Runner) run(ctx context.Context, prompt string, emit func(chat.Event), decisions <-chan decision) {
	p := r.plan(prompt)
	msgID := uuid.NewString()

	emit(chat.StatusChanged{Status: chat.StatusRunning})
	emit(chat.AgentStarted{MessageID: msgID})

	if !r.stream(ctx, msgID, p.preamble, emit) {
		r.finishCancelled(msgID, emit)
		return
	}

	if p.tool == nil {
		emit(chat.AgentComplete{MessageID: msgID})
		emit(chat.StatusChanged{Status: chat.StatusIdle})
		return
	}

	toolID := uuid.NewString()
	emit(chat.ToolCallRequested{
		ID:          toolID,
		Name:        p.tool.name,
		Arguments:   p.tool.args,
		Description: p.tool.description,
	})
	emit(chat.StatusChanged{Status: chat.StatusAwaitingApproval})

	var d decision
	select {
	case <-ctx.Done():
		emit(chat.ToolCallCancelled{ID: toolID})
		r.finishCancelled(msgID, emit)
		return
	case d = <-decisions:
	}

	if !d.approved {
		r.logger.Info("tool call rejected", "tool", p.tool.name, "reason", d.reason)
		emit(chat.ToolCallRejected{ID: toolID})
		emit(chat.StatusChanged{Status: chat.StatusRunning})
		if !r.stream(ctx, msgID, "Understood, I will leave things as they are.", emit) {
			r.finishCancelled(msgID, emit)
			return
		}
		emit(chat.AgentComplete{MessageID: msgID})
		emit(chat.StatusChanged{Status: chat.StatusIdle})
		return
	}

	emit(chat.ToolCallApproved{ID: toolID})
	emit(chat.StatusChanged{Status: chat.StatusRunning})
	emit(chat.ToolCallExecuting{ID: toolID})

	closing := "Done. Anything else?"
	if tool, ok := r.tools[p.tool.name]; ok {
		result, err := tool.Execute(ctx, p.tool.args)
		if ctx.Err() != nil {
			emit(chat.ToolCallCancelled{ID: toolID})
			r.finishCancelled(msgID, emit)
			return
		}
		if err != nil {
			r.logger.Warn("tool execution failed", "tool", p.tool.name, "error", err)
			emit(chat.ToolCallFailed{ID: toolID, Error: err.Error()})
			closing = "The tool run failed, so I stopped there."
		} else {
			emit(chat.ToolCallCompleted{ID: toolID, Result: result})
		}
	} else {
		emit(chat.ToolCallFailed{ID: toolID, Error: "unknown tool: " + p.tool.name})
		closing = "That tool is not available here."
	}

	if !r.stream(ctx, msgID, closing, emit) {
		r.finishCancelled(msgID, emit)
		return
	}
	emit(chat.AgentComplete{MessageID: msgID})
	emit(chat.StatusChanged{Status: chat.StatusIdle})
}

func (r *Runner) finishCancelled(msgID string, emit func(chat.Event)) {
	emit(chat.AgentCancelled{MessageID: msgID})
	emit(chat.StatusChanged{Status: chat.StatusIdle})
}

// stream emits text word by word at the configured pace. Returns false if
// the context was cancelled mid-stream.
func (r *Runner) stream(ctx context.Context, msgID, text string, emit func(chat.Event)) bool {
	words := strings.Fields(text)
	ticker := time.NewTicker(r.chunkInterval)
	defer ticker.Stop()

	for i, w := range words {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		chunk := w
		if i < len(words)-1 {
			chunk += " "
		}
		emit(chat.AgentChunk{MessageID: msgID, Chunk: chunk})
	}
	return true
}
