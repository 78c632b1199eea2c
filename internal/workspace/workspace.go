// Package workspace maps sandbox ids to their durable workspace subpaths on
// the shared volume and removes them on sandbox deletion.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Manager resolves and removes per-sandbox workspace directories. All
// workspaces share one physical root, so removal must scope to exactly the
// sandbox's own subpath.
type Manager struct {
	root   string
	logger *zap.Logger
}

// New creates a Manager rooted at root.
func New(root string, logger *zap.Logger) *Manager {
	return &Manager{root: filepath.Clean(root), logger: logger}
}

// Root returns the shared workspace root.
func (m *Manager) Root() string {
	return m.root
}

// PathFor returns the workspace directory for a sandbox id.
func (m *Manager) PathFor(id string) string {
	return filepath.Join(m.root, id)
}

// Remove recursively deletes the workspace subpath for id. The id is
// validated so the deletion can never reach outside the sandbox's own
// directory, let alone a parent.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}

	path := filepath.Clean(m.PathFor(id))
	if path == m.root || !strings.HasPrefix(path, m.root+string(filepath.Separator)) {
		return fmt.Errorf("workspace path %q escapes root %q", path, m.root)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", id, err)
	}
	m.logger.Info("workspace removed", zap.String("sandbox_id", id), zap.String("path", path))
	return nil
}

// validateID rejects ids that are empty or contain path syntax.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("sandbox id is required")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") || filepath.IsAbs(id) {
		return fmt.Errorf("invalid sandbox id %q", id)
	}
	return nil
}
