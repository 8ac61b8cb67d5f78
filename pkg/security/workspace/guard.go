// Package workspace keeps file operations inside a session's working
// directory. It rejects path traversal, absolute paths and symlinks that lead
// out of the directory, and protects paths the session itself manages.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Guard enforces the boundary of one working directory.
type Guard struct {
	workspaceDir string   // Absolute, symlink-free path of the root
	reserved     []string // Relative paths that callers may not write to
}

// NewGuard creates a guard for an existing directory. Reserved paths are
// relative to the directory; they and everything below them are protected.
func NewGuard(workspaceDir string, reserved ...string) (*Guard, error) {
	if workspaceDir == "" {
		return nil, fmt.Errorf("workspace directory cannot be empty")
	}

	absPath, err := filepath.Abs(workspaceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace directory: %w", err)
	}

	// macOS style /var -> /private/var links must not defeat the prefix check
	evalPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate workspace directory symlinks: %w", err)
	}

	g := &Guard{workspaceDir: evalPath}
	for _, r := range reserved {
		r = filepath.Clean(r)
		if r == "." || filepath.IsAbs(r) || strings.HasPrefix(r, "..") {
			return nil, fmt.Errorf("invalid reserved path %q", r)
		}
		g.reserved = append(g.reserved, r)
	}
	return g, nil
}

// WorkspaceDir returns the absolute path of the working directory.
func (g *Guard) WorkspaceDir() string {
	return g.workspaceDir
}

// ValidatePath checks that a relative path stays inside the workspace.
func (g *Guard) ValidatePath(path string) error {
	_, err := g.ResolvePath(path)
	return err
}

// ResolvePath returns the absolute location of a relative path inside the
// workspace. Absolute paths, traversal and symlink escapes are rejected.
func (g *Guard) ResolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("path '%s' must be relative to the workspace", path)
	}

	absPath := filepath.Join(g.workspaceDir, filepath.Clean(path))
	evalPath := resolveSymlinks(absPath)
	if !g.IsWithinWorkspace(evalPath) {
		return "", fmt.Errorf("path '%s' is outside workspace boundaries", path)
	}
	return evalPath, nil
}

// ResolveWritable is ResolvePath for files about to be written: the path
// must name a file below the root and must not touch a reserved path.
func (g *Guard) ResolveWritable(path string) (string, error) {
	resolved, err := g.ResolvePath(path)
	if err != nil {
		return "", err
	}
	if resolved == g.workspaceDir {
		return "", fmt.Errorf("path '%s' names the workspace itself", path)
	}

	rel, err := g.MakeRelative(resolved)
	if err != nil {
		return "", err
	}
	for _, r := range g.reserved {
		if within(rel, r) || within(r, rel) {
			return "", fmt.Errorf("path '%s' is reserved", path)
		}
	}
	return resolved, nil
}

// IsWithinWorkspace reports whether an absolute path is the workspace or
// below it, after resolving symlinks.
func (g *Guard) IsWithinWorkspace(absPath string) bool {
	return within(resolveSymlinks(absPath), g.workspaceDir)
}

// MakeRelative converts an absolute path inside the workspace to a relative one.
func (g *Guard) MakeRelative(absPath string) (string, error) {
	if !g.IsWithinWorkspace(absPath) {
		return "", fmt.Errorf("path '%s' is not within workspace", absPath)
	}
	relPath, err := filepath.Rel(g.workspaceDir, resolveSymlinks(absPath))
	if err != nil {
		return "", fmt.Errorf("failed to make path relative: %w", err)
	}
	return relPath, nil
}

// within reports whether path equals dir or lies below it.
func within(path, dir string) bool {
	sep := string(filepath.Separator)
	return path == dir || strings.HasPrefix(path+sep, dir+sep)
}

// resolveSymlinks resolves symlinks in a path that may not exist yet by
// resolving its longest existing ancestor.
func resolveSymlinks(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}

	var components []string
	current := path
	for {
		if resolved, err := filepath.EvalSymlinks(current); err == nil {
			for i := len(components) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, components[i])
			}
			return resolved
		}

		dir := filepath.Dir(current)
		if dir == current {
			return path
		}
		components = append(components, filepath.Base(current))
		current = dir
	}
}

// Exists reports whether a path inside the workspace exists.
func (g *Guard) Exists(path string) bool {
	resolved, err := g.ResolvePath(path)
	if err != nil {
		return false
	}
	_, err = os.Lstat(resolved)
	return err == nil
}
