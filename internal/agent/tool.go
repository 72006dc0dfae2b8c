// Package agent implements the scripted reference agent: it streams replies
// chunk by chunk and proposes tool calls that pass through the human
// approval gate before executing.
package agent

import (
	"context"
	"encoding/json"
)

// Tool is a side-effecting action the agent may propose. Execution happens
// only after the user approves the proposal.
type Tool interface {
	// Name identifies the tool in proposals and registries.
	Name() string
	// Description is shown to the user alongside an approval prompt.
	Description() string
	// Execute runs the tool. The returned JSON becomes the tool call result.
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}
