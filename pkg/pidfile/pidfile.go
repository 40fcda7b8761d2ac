// Package pidfile guards against running two storycached instances against
// the same cache database.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFile tracks the daemon's pid on disk
type PIDFile struct {
	path string
	pid  int
}

// New creates a PIDFile handle for the current process
func New(path string) *PIDFile {
	return &PIDFile{path: path, pid: os.Getpid()}
}

// Path returns the file location
func (p *PIDFile) Path() string {
	return p.path
}

// Acquire writes the pid file, failing if a live instance already holds it.
// A stale file left by a dead process is replaced.
func (p *PIDFile) Acquire() error {
	if existing, err := p.read(); err == nil {
		if processAlive(existing) {
			return fmt.Errorf("storycached already running with pid %d", existing)
		}
		if err := os.Remove(p.path); err != nil {
			return fmt.Errorf("failed to remove stale pid file: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create pid file directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(p.pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// Release removes the pid file if it still belongs to this process
func (p *PIDFile) Release() error {
	existing, err := p.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return os.Remove(p.path)
	}
	if existing != p.pid {
		return fmt.Errorf("pid file holds %d, not our %d; leaving it", existing, p.pid)
	}
	return os.Remove(p.path)
}

func (p *PIDFile) read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pid file corrupt: %w", err)
	}
	return pid, nil
}

// processAlive probes a pid with signal 0
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
