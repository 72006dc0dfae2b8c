// Command hanashi-tui is an interactive terminal client for one
// conversation. It drives the SDK session layer: optimistic sends, the
// reducer, and snapshot subscriptions all come from the SDK; the TUI only
// renders snapshots and maps keys onto session calls.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
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

	// The terminal belongs to bubbletea; diagnostics are discarded unless
	// HANASHI_TUI_LOG points at a file.
	logWriter := io.Discard
	if path := os.Getenv("HANASHI_TUI_LOG"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err == nil {
			defer f.Close()
			logWriter = f
		}
	}
	logger := slog.New(slog.NewTextHandler(logWriter, nil))

	if *conversationID == "" {
		*conversationID = uuid.NewString()
	}
	if *password == "" {
		fmt.Fprintln(os.Stderr, "password required (-password or HANASHI_PASSWORD)")
		return 2
	}

	token, err := login(*server, *email, *password)
	if err != nil {
		fmt.Fprintln(os.Stderr, "login failed:", err)
		return 1
	}

	socket, err := sdk.Dial(context.Background(), sdk.SocketConfig{
		URL:    wsURL(*server),
		Token:  token,
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial failed:", err)
		return 1
	}
	defer socket.Close()

	session := sdk.NewSession(sdk.SessionConfig{
		Channel:     socket.Channel(chat.Topic(*conversationID)),
		WorkspaceID: *workspaceID,
		Logger:      logger,
	})
	joinCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = session.Join(joinCtx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "join failed:", err)
		return 1
	}
	defer session.Close()

	p := tea.NewProgram(newModel(*conversationID, session), tea.WithAltScreen())

	// Forward session snapshots and the socket's death into the program.
	snaps, off := session.Subscribe()
	defer off()
	go func() {
		for conv := range snaps {
			p.Send(snapshotMsg{conv: conv})
		}
	}()
	go func() {
		<-socket.Done()
		p.Send(disconnectedMsg{})
	}()

	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "tui:", err)
		return 1
	}
	return 0
}

// snapshotMsg carries a fresh conversation snapshot from the session.
type snapshotMsg struct {
	conv chat.Conversation
}

// disconnectedMsg signals that the socket closed underneath the session.
type disconnectedMsg struct{}

type theme struct {
	header    lipgloss.Style
	footer    lipgloss.Style
	user      lipgloss.Style
	agent     lipgloss.Style
	toolCall  lipgloss.Style
	toolMeta  lipgloss.Style
	pending   lipgloss.Style
	errorText lipgloss.Style
	statusBar map[chat.Status]lipgloss.Style
}

func newTheme() theme {
	green := lipgloss.Color("2")
	cyan := lipgloss.Color("6")
	yellow := lipgloss.Color("3")
	red := lipgloss.Color("1")
	muted := lipgloss.Color("8")

	return theme{
		header:    lipgloss.NewStyle().Bold(true).Foreground(cyan),
		footer:    lipgloss.NewStyle().Foreground(muted),
		user:      lipgloss.NewStyle().Bold(true).Foreground(green),
		agent:     lipgloss.NewStyle().Bold(true).Foreground(cyan),
		toolCall:  lipgloss.NewStyle().Bold(true).Foreground(yellow),
		toolMeta:  lipgloss.NewStyle().Foreground(muted),
		pending:   lipgloss.NewStyle().Bold(true).Foreground(yellow),
		errorText: lipgloss.NewStyle().Foreground(red),
		statusBar: map[chat.Status]lipgloss.Style{
			chat.StatusIdle:             lipgloss.NewStyle().Foreground(green),
			chat.StatusRunning:          lipgloss.NewStyle().Foreground(cyan),
			chat.StatusAwaitingApproval: lipgloss.NewStyle().Bold(true).Foreground(yellow),
		},
	}
}

type model struct {
	conversationID string
	session        *sdk.Session

	conv         chat.Conversation
	disconnected bool
	notice       string

	width  int
	height int
	ready  bool

	input      textinput.Model
	transcript viewport.Model
	spinner    spinner.Model

	theme theme
}

func newModel(conversationID string, session *sdk.Session) model {
	input := textinput.New()
	input.Prompt = "> "
	input.CharLimit = 4000
	input.Placeholder = "Message the agent (try: write notes.txt: hello)"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	return model{
		conversationID: conversationID,
		session:        session,
		conv:           session.Snapshot(),
		input:          input,
		transcript:     viewport.New(0, 0),
		spinner:        sp,
		theme:          newTheme(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = msg.Width - 4
		// header + status + input + footer take four rows.
		m.transcript.Width = msg.Width
		m.transcript.Height = max(msg.Height-4, 1)
		m.ready = true
		m.refreshTranscript()
		return m, nil

	case snapshotMsg:
		wasBottom := m.transcript.AtBottom()
		m.conv = msg.conv
		m.refreshTranscript()
		if wasBottom {
			m.transcript.GotoBottom()
		}
		return m, nil

	case disconnectedMsg:
		m.disconnected = true
		m.notice = "connection lost"
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit

		case "enter":
			m.notice = ""
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			if err := m.session.SendMessage(uuid.NewString(), text); err != nil {
				m.notice = sendErrorNotice(err)
				return m, nil
			}
			m.input.Reset()
			return m, nil

		case "ctrl+a":
			m.notice = ""
			tc, ok := m.conv.PendingToolCall()
			if !ok {
				m.notice = "no pending tool call"
				return m, nil
			}
			if err := m.session.ApproveToolCall(tc.ID); err != nil {
				m.notice = err.Error()
			}
			return m, nil

		case "ctrl+r":
			m.notice = ""
			tc, ok := m.conv.PendingToolCall()
			if !ok {
				m.notice = "no pending tool call"
				return m, nil
			}
			// The input box doubles as the rejection reason.
			reason := strings.TrimSpace(m.input.Value())
			if err := m.session.RejectToolCall(tc.ID, reason); err != nil {
				m.notice = err.Error()
				return m, nil
			}
			m.input.Reset()
			return m, nil

		case "ctrl+x":
			m.notice = ""
			if err := m.session.Cancel(); err != nil {
				m.notice = err.Error()
			}
			return m, nil
		}
	}

	var inputCmd, vpCmd tea.Cmd
	m.input, inputCmd = m.input.Update(msg)
	m.transcript, vpCmd = m.transcript.Update(msg)
	cmds = append(cmds, inputCmd, vpCmd)
	return m, tea.Batch(cmds...)
}

func (m *model) refreshTranscript() {
	if !m.ready {
		return
	}
	m.transcript.SetContent(renderTranscript(m.conv, m.theme, m.width))
}

func (m model) View() string {
	if !m.ready {
		return "starting..."
	}

	header := m.theme.header.Render("hanashi ▸ " + m.conversationID)

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(m.transcript.View())
	b.WriteString("\n")
	b.WriteString(m.statusView())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.theme.footer.Render(footerHint(m.conv)))
	return b.String()
}

func (m model) statusView() string {
	if m.disconnected {
		return m.theme.errorText.Render("✗ " + m.notice)
	}

	style, ok := m.theme.statusBar[m.conv.Status]
	if !ok {
		style = m.theme.footer
	}
	line := style.Render(statusLabel(m.conv))
	if m.conv.Status == chat.StatusRunning {
		line = m.spinner.View() + line
	}
	if m.notice != "" {
		line += "  " + m.theme.errorText.Render(m.notice)
	}
	if m.conv.PendingError != nil {
		line += "  " + m.theme.errorText.Render(*m.conv.PendingError)
	}
	return line
}

// statusLabel renders the conversation status for the status bar, naming
// the pending tool call when one is waiting.
func statusLabel(conv chat.Conversation) string {
	switch conv.Status {
	case chat.StatusRunning:
		return "agent is working"
	case chat.StatusAwaitingApproval:
		if tc, ok := conv.PendingToolCall(); ok {
			return fmt.Sprintf("approval needed: %s (%s)", tc.Name, tc.ID)
		}
		return "approval needed"
	default:
		return "idle"
	}
}

// footerHint picks the key hints for the current state.
func footerHint(conv chat.Conversation) string {
	if conv.Status == chat.StatusAwaitingApproval {
		return "ctrl+a approve · ctrl+r reject (input = reason) · ctrl+x cancel · ctrl+c quit"
	}
	if conv.Status == chat.StatusRunning {
		return "ctrl+x cancel · ctrl+c quit"
	}
	return "enter send · ctrl+c quit"
}

// sendErrorNotice maps session send errors onto short status-bar text.
func sendErrorNotice(err error) string {
	switch err {
	case sdk.ErrNotIdle:
		return "wait for the turn to finish"
	case sdk.ErrSendInFlight:
		return "previous send still in flight"
	case sdk.ErrNotJoined:
		return "not joined"
	}
	return err.Error()
}

// renderTranscript renders every message in order, one block per message.
func renderTranscript(conv chat.Conversation, th theme, width int) string {
	if len(conv.Messages) == 0 {
		return th.toolMeta.Render("no messages yet")
	}

	wrap := lipgloss.NewStyle().Width(max(width, 20))
	var blocks []string
	for _, msg := range conv.Messages {
		switch m := msg.(type) {
		case chat.UserMessage:
			blocks = append(blocks, th.user.Render("you")+"\n"+wrap.Render(m.Content))
		case chat.AgentMessage:
			label := "agent"
			switch m.Status {
			case chat.AgentMessageStreaming:
				label = "agent …"
			case chat.AgentMessageCancelled:
				label = "agent (cancelled)"
			}
			blocks = append(blocks, th.agent.Render(label)+"\n"+wrap.Render(m.Content))
		case chat.ToolCallMessage:
			blocks = append(blocks, renderToolCall(m, th, wrap))
		}
	}
	return strings.Join(blocks, "\n\n")
}

func renderToolCall(tc chat.ToolCallMessage, th theme, wrap lipgloss.Style) string {
	head := th.toolCall.Render(fmt.Sprintf("tool call %s [%s]", tc.Name, tc.Status))
	lines := []string{head, wrap.Render(tc.Description)}

	if len(tc.Arguments) > 0 {
		lines = append(lines, th.toolMeta.Render("args: "+compactJSON(tc.Arguments)))
	}
	switch tc.Status {
	case chat.ToolPendingApproval:
		lines = append(lines, th.pending.Render("⚠ waiting for approval"))
	case chat.ToolCompleted:
		if len(tc.Result) > 0 {
			lines = append(lines, th.toolMeta.Render("result: "+compactJSON(tc.Result)))
		}
	case chat.ToolFailed:
		lines = append(lines, th.errorText.Render("error: "+tc.Error))
	case chat.ToolRejected:
		if tc.RejectionReason != "" {
			lines = append(lines, th.toolMeta.Render("rejected: "+tc.RejectionReason))
		}
	}
	return strings.Join(lines, "\n")
}

// compactJSON renders raw JSON on one line, falling back to the raw bytes.
func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
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
