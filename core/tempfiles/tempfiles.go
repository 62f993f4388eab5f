// Package tempfiles manages process-lifetime-scoped temporary files: tools
// can request a scratch file to write intermediate output to, and everything
// handed out is removed in one sweep when the owning process shuts down.
package tempfiles

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Service tracks temp files created during a process lifetime and removes
// them on Close. A nil *Service is not usable; construct with New.
type Service struct {
	mu      sync.Mutex
	dir     string
	created []string
	closed  bool
}

// New creates a Service rooted at a fresh directory under baseDir (e.g.
// ".cosmos/tmp"), named after the given session id so concurrent sessions
// don't collide. The directory is created lazily, on first Create call.
func New(baseDir, sessionID string) *Service {
	return &Service{dir: filepath.Join(baseDir, "tmp-"+sessionID)}
}

// Create allocates a new temp file with the given name pattern (as accepted
// by os.CreateTemp, e.g. "tool-*.json") and tracks it for cleanup. The
// caller owns the returned file and must Close it; the Service only owns
// the eventual removal of its path.
func (s *Service) Create(pattern string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("tempfiles: service already closed")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("tempfiles: creating scratch dir: %w", err)
	}
	f, err := os.CreateTemp(s.dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("tempfiles: creating temp file: %w", err)
	}
	s.created = append(s.created, f.Name())
	return f, nil
}

// Path reserves a temp file path without creating it, for callers that want
// to hand a path to an external process rather than write through an open
// *os.File. The parent directory is created, but the file itself is not.
func (s *Service) Path(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("tempfiles: service already closed")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("tempfiles: creating scratch dir: %w", err)
	}
	path := filepath.Join(s.dir, name)
	s.created = append(s.created, path)
	return path, nil
}

// Close removes every file and path the Service has handed out, then the
// scratch directory itself. Safe to call more than once. Individual removal
// failures are collected rather than aborting the sweep.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, p := range s.created {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("tempfiles: removing %s: %w", p, err)
		}
	}
	if err := os.Remove(s.dir); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = fmt.Errorf("tempfiles: removing scratch dir: %w", err)
	}
	return firstErr
}

// Dir returns the scratch directory this Service allocates into, for
// callers that need to pass it to another process's working directory.
func (s *Service) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}
