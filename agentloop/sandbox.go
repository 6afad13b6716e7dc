package agentloop

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Sandbox confines filesystem paths to a root directory. Every check fails
// closed: a path that cannot be proven inside the root is rejected.
type Sandbox struct {
	root string
}

// NewSandbox creates a sandbox rooted at root, which must exist.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox root %s: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox root %s: %w", root, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("sandbox root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %s is not a directory", root)
	}
	return &Sandbox{root: resolved}, nil
}

// Root returns the canonical root directory.
func (s *Sandbox) Root() string {
	return s.root
}

// Narrow returns a sandbox rooted at a directory inside s.
func (s *Sandbox) Narrow(dir string) (*Sandbox, error) {
	p, err := s.Resolve(dir)
	if err != nil {
		return nil, err
	}
	return NewSandbox(p)
}

// Resolve maps p to an absolute path inside the root. Relative paths are
// joined to the root; an empty path is the root itself.
func (s *Sandbox) Resolve(p string) (string, error) {
	if p == "" {
		return s.root, nil
	}
	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	candidate = filepath.Clean(candidate)
	if !s.within(candidate) {
		return "", &SandboxError{Root: s.root, Path: p, Reason: "escapes the root"}
	}

	// Symlinks may point anywhere, so the deepest existing ancestor is
	// evaluated and the remainder re-joined beneath it.
	existing, rest, err := splitExisting(candidate)
	if err != nil {
		return "", &SandboxError{Root: s.root, Path: p, Err: err}
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", &SandboxError{Root: s.root, Path: p, Err: err}
	}
	if !s.within(resolved) {
		return "", &SandboxError{Root: s.root, Path: p, Reason: "symlink resolves outside the root"}
	}
	return filepath.Join(resolved, rest), nil
}

func (s *Sandbox) within(p string) bool {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// splitExisting walks up from p to the deepest path that exists.
func splitExisting(p string) (existing, rest string, err error) {
	existing = p
	for {
		_, err := os.Lstat(existing)
		if err == nil {
			return existing, rest, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return "", "", err
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
}
