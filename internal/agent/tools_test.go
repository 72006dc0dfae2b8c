package agent_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanashi/internal/agent"
)

func TestWriteFileTool(t *testing.T) {
	dir := t.TempDir()
	tool := agent.WriteFileTool{Root: dir}

	result, err := tool.Execute(context.Background(),
		json.RawMessage(`{"path":"sub/notes.txt","content":"hello"}`))
	require.NoError(t, err)

	var out struct {
		Path         string `json:"path"`
		BytesWritten int    `json:"bytes_written"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, "sub/notes.txt", out.Path)
	assert.Equal(t, 5, out.BytesWritten)

	data, err := os.ReadFile(filepath.Join(dir, "sub", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestWriteFileToolRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	tool := agent.WriteFileTool{Root: dir}

	for _, path := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		args, _ := json.Marshal(map[string]string{"path": path, "content": "x"})
		_, err := tool.Execute(context.Background(), args)
		assert.Error(t, err, "path %q should be rejected", path)
	}
}

func TestWriteFileToolRequiresPath(t *testing.T) {
	tool := agent.WriteFileTool{Root: t.TempDir()}
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"content":"x"}`))
	require.Error(t, err)
}

func TestListFilesTool(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("b"), 0o640))

	tool := agent.ListFilesTool{Root: dir}
	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)

	var out struct {
		Files []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	assert.ElementsMatch(t, []string{"a.txt", "sub/b.txt"}, out.Files)
}

func TestListFilesToolEmptyWorkspace(t *testing.T) {
	tool := agent.ListFilesTool{Root: t.TempDir()}
	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"files":[]}`, string(result))
}
