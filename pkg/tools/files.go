package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DefaultMaxFileBytes caps read_file output when no tighter bound is set.
const DefaultMaxFileBytes = 256 << 10

type readFileArgs struct {
	Path     string `json:"path" jsonschema:"required,description=File path relative to the workspace root"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"description=Cap on bytes returned,minimum=0"`
}

// ReadFileTool reads a workspace file with a byte budget.
type ReadFileTool struct {
	ws       *Workspace
	maxBytes int
}

func NewReadFileTool(ws *Workspace, maxBytes int) *ReadFileTool {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	return &ReadFileTool{ws: ws, maxBytes: maxBytes}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the workspace. Output is capped to a byte budget."
}

func (t *ReadFileTool) InputSchema() json.RawMessage { return schemaFor[readFileArgs]() }

func (t *ReadFileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in readFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}

	path, err := t.ws.Resolve(in.Path)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", in.Path, err)
	}
	defer f.Close()

	limit := t.maxBytes
	if in.MaxBytes > 0 && in.MaxBytes < limit {
		limit = in.MaxBytes
	}

	// Read one byte past the budget to detect truncation.
	buf, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", in.Path, err)
	}
	truncated := len(buf) > limit
	if truncated {
		buf = buf[:limit]
	}

	return encodeResult(map[string]any{
		"path":      in.Path,
		"content":   string(buf),
		"bytes":     len(buf),
		"truncated": truncated,
	})
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=File path relative to the workspace root"`
	Content string `json:"content" jsonschema:"required,description=Full file content to write"`
}

// WriteFileTool writes a workspace file, creating parent directories.
type WriteFileTool struct {
	ws *Workspace
}

func NewWriteFileTool(ws *Workspace) *WriteFileTool {
	return &WriteFileTool{ws: ws}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write a file inside the workspace. Parent directories are created as needed."
}

func (t *WriteFileTool) InputSchema() json.RawMessage { return schemaFor[writeFileArgs]() }

func (t *WriteFileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in writeFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}

	path, err := t.ws.Resolve(in.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent directory for %s: %w", in.Path, err)
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", in.Path, err)
	}

	return encodeResult(map[string]any{
		"path":          in.Path,
		"bytes_written": len(in.Content),
	})
}

type listDirArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory relative to the workspace root. Defaults to the root"`
}

// ListDirTool lists one workspace directory level.
type ListDirTool struct {
	ws *Workspace
}

func NewListDirTool(ws *Workspace) *ListDirTool {
	return &ListDirTool{ws: ws}
}

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the entries of a workspace directory."
}

func (t *ListDirTool) InputSchema() json.RawMessage { return schemaFor[listDirArgs]() }

func (t *ListDirTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in listDirArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if in.Path == "" {
		in.Path = "."
	}

	path, err := t.ws.Resolve(in.Path)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", in.Path, err)
	}

	type dirEntry struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Size int64  `json:"size,omitempty"`
	}
	listed := make([]dirEntry, 0, len(entries))
	for _, entry := range entries {
		e := dirEntry{Name: entry.Name(), Type: "file"}
		if entry.IsDir() {
			e.Type = "dir"
		} else if info, err := entry.Info(); err == nil {
			e.Size = info.Size()
		}
		listed = append(listed, e)
	}

	return encodeResult(map[string]any{
		"path":    in.Path,
		"entries": listed,
		"count":   len(listed),
	})
}
