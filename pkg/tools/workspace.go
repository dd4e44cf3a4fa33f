package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideWorkspace is returned when a path resolves beyond the workspace
// root.
var ErrOutsideWorkspace = errors.New("path is outside the workspace")

// Workspace confines file access to a single root directory. Every path a
// file tool touches goes through Resolve first.
type Workspace struct {
	root string
}

// NewWorkspace creates a workspace rooted at dir. The directory is created
// if it does not exist yet.
func NewWorkspace(dir string) (*Workspace, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// Resolve returns the absolute path for p, guaranteed to sit inside the
// workspace root. Relative paths are joined to the root; absolute paths are
// accepted only when they already point inside it.
func (w *Workspace) Resolve(p string) (string, error) {
	clean := strings.TrimSpace(p)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}

	target := clean
	if !filepath.IsAbs(target) {
		target = filepath.Join(w.root, target)
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}

	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideWorkspace)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideWorkspace)
	}
	return abs, nil
}
