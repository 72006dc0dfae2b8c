// Command hanashi-repl is a headless line-oriented client for one
// conversation. Stdout carries exclusively an NDJSON log of every inbound
// event and every outbound push with its reply, one JSON object per line,
// so external harnesses can script against it; prompts and diagnostics go
// to stderr.
//
// It deliberately does not use the SDK session layer: it keeps its own
// minimal state (status plus a single pending-tool-call pointer), which
// makes it an independent consumer of the same event contract.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hanashi/chat"
	sdk "github.com/ashita-ai/hanashi/sdk/go/hanashi"
)

func main() {
	os.Exit(run())
}

func run() int {
	server := flag.String("server", envOr("HANASHI_SERVER", "http://localhost:8080"), "hanashi server base URL")
	email := flag.String("email", envOr("HANASHI_EMAIL", "dev@hanashi.local"), "login email")
	password := flag.String("password", os.Getenv("HANASHI_PASSWORD"), "login password")
	conversationID := flag.String("conversation", "", "conversation id (default: a fresh uuid)")
	workspaceID := flag.String("workspace", envOr("HANASHI_WORKSPACE", "default"), "workspace id")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *conversationID == "" {
		*conversationID = uuid.NewString()
	}
	if *password == "" {
		fmt.Fprintln(os.Stderr, "password required (-password or HANASHI_PASSWORD)")
		return 2
	}

	out := &ndjsonLog{enc: json.NewEncoder(os.Stdout), now: time.Now}

	token, err := login(*server, *email, *password)
	if err != nil {
		logger.Error("login failed", "error", err)
		return 1
	}

	socket, err := sdk.Dial(context.Background(), sdk.SocketConfig{
		URL:    wsURL(*server),
		Token:  token,
		Logger: logger,
	})
	if err != nil {
		logger.Error("dial failed", "error", err)
		return 1
	}
	defer socket.Close()

	state := &tracker{status: chat.StatusIdle}
	ch := socket.Channel(chat.Topic(*conversationID))
	ch.OnEvent(func(e chat.Event) {
		state.observe(e)
		out.event(e)
	})

	joinCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conv, err := ch.Join(joinCtx, chat.JoinParams{WorkspaceID: *workspaceID})
	cancel()
	if err != nil {
		logger.Error("join failed", "error", err)
		return 1
	}
	state.seed(conv)
	out.write("join", map[string]any{
		"conversation_id": conv.ID,
		"status":          string(conv.Status),
		"messages":        len(conv.Messages),
	})

	fmt.Fprintf(os.Stderr, "joined %s as %s; /help for commands\n", conv.ID, *email)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			break
		}
		cmd, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		if cmd.name == "quit" {
			break
		}
		dispatch(ch, state, out, cmd)

		select {
		case <-socket.Done():
			fmt.Fprintln(os.Stderr, "connection lost")
			return 1
		default:
		}
	}
	return 0
}

// dispatch turns one parsed command into a push (or a local response),
// logging the push and its reply on stdout.
func dispatch(ch *sdk.Channel, state *tracker, out *ndjsonLog, cmd command) {
	switch cmd.name {
	case "help":
		fmt.Fprintln(os.Stderr, `commands:
  /send <text>          send a message (bare text works too)
  /approve [id]         approve the pending tool call
  /reject [id] [reason] reject the pending tool call
  /cancel               cancel the in-flight turn
  /status               print local state
  /quit                 exit`)

	case "status":
		status, pendingTool, pendingErr := state.snapshot()
		out.write("status", map[string]any{
			"status":        string(status),
			"pending_tool":  pendingTool,
			"pending_error": pendingErr,
		})

	case "send":
		status, _, _ := state.snapshot()
		if status != chat.StatusIdle {
			// Idle gate: no push leaves the client while a turn is running.
			fmt.Fprintf(os.Stderr, "conversation is %s, not idle\n", status)
			return
		}
		id := uuid.NewString()
		push(ch, out, chat.PushSendMessage, map[string]any{"id": id, "content": cmd.text},
			chat.SendMessageParams{ID: id, Content: cmd.text})

	case "approve":
		id := cmd.id
		if id == "" {
			_, id, _ = state.snapshot()
		}
		if id == "" {
			fmt.Fprintln(os.Stderr, "no pending tool call")
			return
		}
		push(ch, out, chat.PushApproveToolCall, map[string]any{"tool_id": id},
			chat.ApproveToolCallParams{ToolID: id})

	case "reject":
		id := cmd.id
		if id == "" {
			_, id, _ = state.snapshot()
		}
		if id == "" {
			fmt.Fprintln(os.Stderr, "no pending tool call")
			return
		}
		push(ch, out, chat.PushRejectToolCall, map[string]any{"tool_id": id, "reason": cmd.text},
			chat.RejectToolCallParams{ToolID: id, Reason: cmd.text})

	case "cancel":
		push(ch, out, chat.PushCancel, map[string]any{}, struct{}{})

	default:
		fmt.Fprintf(os.Stderr, "unknown command /%s; /help for commands\n", cmd.name)
	}
}

// push logs the outbound push, sends it, and logs the reply when it lands.
func push(ch *sdk.Channel, out *ndjsonLog, event string, logFields map[string]any, payload any) {
	fields := map[string]any{"push": event}
	for k, v := range logFields {
		fields[k] = v
	}
	out.write("push", fields)

	err := ch.Push(event, payload, func(r chat.Reply) {
		reply := map[string]any{"push": event, "status": string(r.Status)}
		if r.Status != chat.ReplyOK {
			reply["reason"] = r.Reason()
		}
		out.write("reply", reply)
	})
	if err != nil {
		out.write("reply", map[string]any{"push": event, "status": "error", "reason": err.Error()})
	}
}

// command is one parsed input line.
type command struct {
	name string
	id   string
	text string
}

// parseLine maps an input line onto a command. Bare text is a send; the
// second return is false for blank lines.
func parseLine(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, false
	}
	if !strings.HasPrefix(line, "/") {
		return command{name: "send", text: line}, true
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "send":
		return command{name: "send", text: rest}, true
	case "approve", "reject":
		id, reason, _ := strings.Cut(rest, " ")
		return command{name: name, id: id, text: strings.TrimSpace(reason)}, true
	default:
		return command{name: name}, true
	}
}

// tracker is the REPL's minimal conversation state: the authoritative
// status, one pending-tool-call pointer, and the last surfaced error.
type tracker struct {
	mu          sync.Mutex
	status      chat.Status
	pendingTool string
	pendingErr  string
}

func (t *tracker) seed(conv chat.Conversation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = conv.Status
	if tc, ok := conv.PendingToolCall(); ok {
		t.pendingTool = tc.ID
	}
	if conv.PendingError != nil {
		t.pendingErr = *conv.PendingError
	}
}

func (t *tracker) observe(e chat.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch ev := e.(type) {
	case chat.StatusChanged:
		t.status = ev.Status
	case chat.ToolCallRequested:
		t.pendingTool = ev.ID
	case chat.ToolCallCompleted:
		t.clearTool(ev.ID)
	case chat.ToolCallFailed:
		t.clearTool(ev.ID)
	case chat.ToolCallRejected:
		t.clearTool(ev.ID)
	case chat.ToolCallCancelled:
		t.clearTool(ev.ID)
	case chat.ErrorEvent:
		t.pendingErr = ev.Message
	}
}

func (t *tracker) clearTool(id string) {
	if t.pendingTool == id {
		t.pendingTool = ""
	}
}

func (t *tracker) snapshot() (chat.Status, string, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.pendingTool, t.pendingErr
}

// ndjsonLog owns stdout: one JSON object per line, nothing else ever
// written there.
type ndjsonLog struct {
	mu  sync.Mutex
	enc *json.Encoder
	now func() time.Time
}

func (l *ndjsonLog) write(event string, fields map[string]any) {
	record := map[string]any{
		"ts":    l.now().UTC().Format(time.RFC3339Nano),
		"event": event,
	}
	for k, v := range fields {
		if k == "ts" || k == "event" {
			continue
		}
		record[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.enc.Encode(record)
}

// event logs one inbound conversation event with its wire fields flattened
// into the record.
func (l *ndjsonLog) event(e chat.Event) {
	fields := map[string]any{}
	if data, err := chat.EncodeEvent(e); err == nil {
		_ = json.Unmarshal(data, &fields)
	}
	delete(fields, "type")
	l.write(string(e.Type()), fields)
}

func login(server, email, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return "", err
	}
	resp, err := http.Post(server+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login: status %s", resp.Status)
	}

	var envelope struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", fmt.Errorf("login: decode response: %w", err)
	}
	if envelope.Data.Token == "" {
		return "", fmt.Errorf("login: empty token")
	}
	return envelope.Data.Token, nil
}

func wsURL(server string) string {
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://") + "/socket"
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://") + "/socket"
	}
	return server + "/socket"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
