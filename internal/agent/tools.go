package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileTool writes a file under a workspace root directory.
type WriteFileTool struct {
	// Root is the directory all writes are confined to.
	Root string
}

// Name implements Tool.
func (WriteFileTool) Name() string { return "write_file" }

// Description implements Tool.
func (WriteFileTool) Description() string {
	return "Write content to a file inside the workspace"
}

type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type writeFileResult struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
}

// Execute implements Tool.
func (t WriteFileTool) Execute(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in writeFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("agent: write_file args: %w", err)
	}
	path, err := workspacePath(t.Root, in.Path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("agent: write_file mkdir: %w", err)
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o640); err != nil {
		return nil, fmt.Errorf("agent: write_file: %w", err)
	}

	out, err := json.Marshal(writeFileResult{Path: in.Path, BytesWritten: len(in.Content)})
	if err != nil {
		return nil, fmt.Errorf("agent: write_file result: %w", err)
	}
	return out, nil
}

// ListFilesTool lists files under a workspace root directory.
type ListFilesTool struct {
	Root string
}

// Name implements Tool.
func (ListFilesTool) Name() string { return "list_files" }

// Description implements Tool.
func (ListFilesTool) Description() string {
	return "List the files inside the workspace"
}

type listFilesResult struct {
	Files []string `json:"files"`
}

// Execute implements Tool.
func (t ListFilesTool) Execute(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	var files []string
	err := filepath.WalkDir(t.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(t.Root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			files = nil
		} else {
			return nil, fmt.Errorf("agent: list_files: %w", err)
		}
	}
	if files == nil {
		files = []string{}
	}

	out, err := json.Marshal(listFilesResult{Files: files})
	if err != nil {
		return nil, fmt.Errorf("agent: list_files result: %w", err)
	}
	return out, nil
}

// workspacePath resolves rel against root, refusing anything that would
// escape the workspace.
func workspacePath(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("agent: path is required")
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("agent: path %q escapes the workspace", rel)
	}
	return filepath.Join(root, filepath.FromSlash(rel)), nil
}
