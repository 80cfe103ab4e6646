package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Workspaces manages the per-session directories mounted into sandboxes.
type Workspaces struct {
	root string
}

// NewWorkspaces creates the root directory if needed.
func NewWorkspaces(root string) (*Workspaces, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &Workspaces{root: abs}, nil
}

// Root returns the absolute workspace root.
func (w *Workspaces) Root() string {
	return w.root
}

// Path returns the workspace directory of a session. It does not touch the filesystem.
func (w *Workspaces) Path(sessionID string) (string, error) {
	u, err := uuid.Parse(sessionID)
	if err != nil || u.String() != sessionID {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}
	return filepath.Join(w.root, sessionID), nil
}

// Prepare creates the session directory and writes the source file into it.
func (w *Workspaces) Prepare(sessionID, filename, code string) (string, error) {
	dir, err := w.Path(sessionID)
	if err != nil {
		return "", err
	}
	if filename == "" || filepath.Base(filename) != filename {
		return "", fmt.Errorf("invalid source filename %q", filename)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(code), 0o644); err != nil {
		return "", fmt.Errorf("writing source file: %w", err)
	}
	return dir, nil
}

// Remove deletes the session directory. Removing a missing directory is not an error.
func (w *Workspaces) Remove(sessionID string) error {
	dir, err := w.Path(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}
	return nil
}
