// Package sink prepares the directory that receives the managed process's
// duplicated stdout/stderr. Preparation is degrade-not-fail: when the
// directory cannot be created or written, the supervisor runs console-only.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	wardenlog "github.com/holon-run/warden/pkg/log"
)

const (
	// StdoutFile is the capture file name for the child's stdout.
	StdoutFile = "stdout.log"
	// StderrFile is the capture file name for the child's stderr.
	StderrFile = "stderr.log"
)

// Sink holds the per-stream capture files for one run.
//
// Each file has exactly one writer (the tee goroutine for its stream), so no
// locking is needed around writes. Close is safe to call from any exit path,
// including more than once.
type Sink struct {
	Dir string

	mu     sync.Mutex
	stdout *os.File
	stderr *os.File
	closed bool
}

// Prepare ensures dir exists and is writable, clears capture files left from
// a previous run, and opens fresh ones. On any failure it logs a warning and
// returns (nil, false); the caller must fall back to console-only output.
func Prepare(dir string) (*Sink, bool) {
	if dir == "" {
		wardenlog.Debug("no log directory configured, running console-only")
		return nil, false
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		wardenlog.Warn("log directory unavailable, running console-only", "dir", dir, "error", err)
		return nil, false
	}

	if err := probeWritable(dir); err != nil {
		wardenlog.Warn("log directory not writable, running console-only", "dir", dir, "error", err)
		return nil, false
	}

	// Stale captures from a previous run must not survive into this one.
	for _, name := range []string{StdoutFile, StderrFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			wardenlog.Warn("failed to clear stale capture file", "file", name, "error", err)
		}
	}

	stdout, err := os.Create(filepath.Join(dir, StdoutFile))
	if err != nil {
		wardenlog.Warn("failed to create stdout capture, running console-only", "dir", dir, "error", err)
		return nil, false
	}
	stderr, err := os.Create(filepath.Join(dir, StderrFile))
	if err != nil {
		_ = stdout.Close()
		wardenlog.Warn("failed to create stderr capture, running console-only", "dir", dir, "error", err)
		return nil, false
	}

	wardenlog.Debug("log sink prepared", "dir", dir)
	return &Sink{Dir: dir, stdout: stdout, stderr: stderr}, true
}

// probeWritable verifies the directory accepts new files by creating and
// removing a throwaway file.
func probeWritable(dir string) error {
	probe := filepath.Join(dir, fmt.Sprintf(".warden-write-test-%d", os.Getpid()))
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return nil
}

// Stdout returns the stdout capture file, or nil after Close.
func (s *Sink) Stdout() *os.File {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.stdout
}

// Stderr returns the stderr capture file, or nil after Close.
func (s *Sink) Stderr() *os.File {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.stderr
}

// StdoutPath returns the path of the stdout capture file.
func (s *Sink) StdoutPath() string {
	if s == nil {
		return ""
	}
	return filepath.Join(s.Dir, StdoutFile)
}

// StderrPath returns the path of the stderr capture file.
func (s *Sink) StderrPath() string {
	if s == nil {
		return ""
	}
	return filepath.Join(s.Dir, StderrFile)
}

// Close closes both capture files. Idempotent; safe on a nil sink so every
// exit path can call it unconditionally.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.stdout != nil {
		if err := s.stdout.Close(); err != nil {
			wardenlog.Debug("closing stdout capture", "error", err)
		}
	}
	if s.stderr != nil {
		if err := s.stderr.Close(); err != nil {
			wardenlog.Debug("closing stderr capture", "error", err)
		}
	}
}
