// Package mcp implements the Model Context Protocol server for hanashi.
//
// The MCP server exposes read-only conversation inspection to MCP-capable
// operator tooling: listing a workspace's conversations and fetching full
// transcripts. Mutations stay on the socket protocol.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hanashi/chat"
	"github.com/ashita-ai/hanashi/internal/storage"
)

// Server wraps the MCP server with hanashi's storage layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(db *storage.DB, version string, logger *slog.Logger) *Server {
	s := &Server{
		db:     db,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"hanashi",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// hanashi://conversations/{id} — full conversation snapshot.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"hanashi://conversations/{id}",
			"Conversation",
			mcplib.WithTemplateDescription("Full snapshot of one conversation: status and ordered messages"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleConversationResource,
	)
}

func (s *Server) registerTools() {
	// hanashi_list_conversations — workspace conversation index.
	s.mcpServer.AddTool(
		mcplib.NewTool("hanashi_list_conversations",
			mcplib.WithDescription("List a workspace's conversations with status and message counts, most recently active first"),
			mcplib.WithString("workspace_id", mcplib.Description("Workspace identifier"), mcplib.Required()),
		),
		s.handleListConversations,
	)

	// hanashi_get_conversation — one conversation snapshot.
	s.mcpServer.AddTool(
		mcplib.NewTool("hanashi_get_conversation",
			mcplib.WithDescription("Fetch one conversation's full snapshot: status, pending error, and every message"),
			mcplib.WithString("conversation_id", mcplib.Description("Conversation identifier"), mcplib.Required()),
		),
		s.handleGetConversation,
	)

	// hanashi_get_transcript — readable rendering of a conversation.
	s.mcpServer.AddTool(
		mcplib.NewTool("hanashi_get_transcript",
			mcplib.WithDescription("Fetch a conversation rendered as a plain-text transcript"),
			mcplib.WithString("conversation_id", mcplib.Description("Conversation identifier"), mcplib.Required()),
		),
		s.handleGetTranscript,
	)
}

func (s *Server) handleConversationResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, ok := strings.CutPrefix(uri, "hanashi://conversations/")
	if !ok || id == "" {
		return nil, fmt.Errorf("mcp: invalid conversation URI: %s", uri)
	}

	conv, workspaceID, err := s.db.GetConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: conversation %s: %w", id, err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"workspace_id": workspaceID,
		"conversation": conv,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal conversation: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleListConversations(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	workspaceID := request.GetString("workspace_id", "")
	if workspaceID == "" {
		return errorResult("workspace_id is required"), nil
	}

	infos, err := s.db.ListConversations(ctx, workspaceID)
	if err != nil {
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"workspace_id":  workspaceID,
		"conversations": infos,
		"total":         len(infos),
	}, "", "  ")

	return textResult(string(resultData)), nil
}

func (s *Server) handleGetConversation(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("conversation_id", "")
	if id == "" {
		return errorResult("conversation_id is required"), nil
	}

	conv, workspaceID, err := s.db.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("conversation not found: " + id), nil
		}
		return errorResult(fmt.Sprintf("get failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"workspace_id": workspaceID,
		"conversation": conv,
	}, "", "  ")

	return textResult(string(resultData)), nil
}

func (s *Server) handleGetTranscript(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("conversation_id", "")
	if id == "" {
		return errorResult("conversation_id is required"), nil
	}

	conv, _, err := s.db.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("conversation not found: " + id), nil
		}
		return errorResult(fmt.Sprintf("get failed: %v", err)), nil
	}

	return textResult(Transcript(conv)), nil
}

// Transcript renders a conversation as readable plain text, one block per
// message.
func Transcript(conv chat.Conversation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "conversation %s (%s)\n", conv.ID, conv.Status)
	for _, m := range conv.Messages {
		switch msg := m.(type) {
		case chat.UserMessage:
			fmt.Fprintf(&b, "\nuser:\n%s\n", msg.Content)
		case chat.AgentMessage:
			fmt.Fprintf(&b, "\nagent [%s]:\n%s\n", msg.Status, msg.Content)
		case chat.ToolCallMessage:
			fmt.Fprintf(&b, "\ntool call %s [%s]: %s\n", msg.Name, msg.Status, msg.Description)
			if len(msg.Arguments) > 0 {
				fmt.Fprintf(&b, "  arguments: %s\n", string(msg.Arguments))
			}
			if len(msg.Result) > 0 {
				fmt.Fprintf(&b, "  result: %s\n", string(msg.Result))
			}
			if msg.Error != "" {
				fmt.Fprintf(&b, "  error: %s\n", msg.Error)
			}
			if msg.RejectionReason != "" {
				fmt.Fprintf(&b, "  rejection reason: %s\n", msg.RejectionReason)
			}
		}
	}
	return b.String()
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
