package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/hanashi/chat"
)

// ConversationInfo is a listing row: the snapshot header without messages.
type ConversationInfo struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	Status       string    `json:"status"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SaveConversation writes a full conversation snapshot atomically: the header
// row is upserted and the message rows are replaced. Messages are stored as
// their role-tagged JSON, ordered by position.
func (db *DB) SaveConversation(ctx context.Context, workspaceID string, conv chat.Conversation) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin save conversation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var pendingError sql.NullString
	if conv.PendingError != nil {
		pendingError = sql.NullString{String: *conv.PendingError, Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, workspace_id, status, pending_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET status = excluded.status,
		                                pending_error = excluded.pending_error,
		                                updated_at = excluded.updated_at`,
		conv.ID, workspaceID, string(conv.Status), pendingError, now, now,
	); err != nil {
		return fmt.Errorf("storage: upsert conversation %s: %w", conv.ID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conv.ID,
	); err != nil {
		return fmt.Errorf("storage: clear messages for %s: %w", conv.ID, err)
	}

	for i, msg := range conv.Messages {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("storage: encode message %s: %w", msg.MessageID(), err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, position, id, payload) VALUES (?, ?, ?, ?)`,
			conv.ID, i, msg.MessageID(), string(payload),
		); err != nil {
			return fmt.Errorf("storage: insert message %s: %w", msg.MessageID(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit save conversation tx: %w", err)
	}
	return nil
}

// GetConversation rehydrates a conversation snapshot and returns it with its
// workspace id.
func (db *DB) GetConversation(ctx context.Context, id string) (chat.Conversation, string, error) {
	var (
		conv         chat.Conversation
		workspaceID  string
		status       string
		pendingError sql.NullString
	)
	err := db.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, status, pending_error FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &workspaceID, &status, &pendingError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Conversation{}, "", fmt.Errorf("storage: conversation %s: %w", id, ErrNotFound)
		}
		return chat.Conversation{}, "", fmt.Errorf("storage: get conversation: %w", err)
	}
	conv.Status = chat.Status(status)
	if pendingError.Valid {
		conv.PendingError = &pendingError.String
	}

	rows, err := db.db.QueryContext(ctx,
		`SELECT payload FROM messages WHERE conversation_id = ? ORDER BY position ASC`, id,
	)
	if err != nil {
		return chat.Conversation{}, "", fmt.Errorf("storage: get messages: %w", err)
	}
	defer rows.Close()

	conv.Messages = chat.Messages{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return chat.Conversation{}, "", fmt.Errorf("storage: scan message: %w", err)
		}
		msg, err := chat.DecodeMessage([]byte(payload))
		if err != nil {
			return chat.Conversation{}, "", fmt.Errorf("storage: decode message: %w", err)
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return chat.Conversation{}, "", fmt.Errorf("storage: get messages: %w", err)
	}
	return conv, workspaceID, nil
}

// ListConversations returns snapshot headers for a workspace, most recently
// updated first.
func (db *DB) ListConversations(ctx context.Context, workspaceID string) ([]ConversationInfo, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT c.id, c.workspace_id, c.status, c.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		 FROM conversations c
		 WHERE c.workspace_id = ?
		 ORDER BY c.updated_at DESC`, workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list conversations: %w", err)
	}
	defer rows.Close()

	var infos []ConversationInfo
	for rows.Next() {
		var (
			info      ConversationInfo
			updatedAt string
		)
		if err := rows.Scan(&info.ID, &info.WorkspaceID, &info.Status, &updatedAt, &info.MessageCount); err != nil {
			return nil, fmt.Errorf("storage: scan conversation: %w", err)
		}
		if info.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("storage: parse conversation updated_at: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}
