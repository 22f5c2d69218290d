// Package lockfile guards a CarePipe state directory against a second
// process. The lock is an flock on a file in the directory, so the kernel
// drops it when the holder exits for any reason.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the lock file created in the state directory.
const LockFileName = "carepipe.lock"

// Info describes the process holding a lock.
type Info struct {
	PID      int
	Hostname string
	Started  time.Time
}

// String renders the holder for log lines and error messages.
func (i Info) String() string {
	if i.PID == 0 {
		return "unknown holder"
	}
	s := fmt.Sprintf("pid %d", i.PID)
	if i.Hostname != "" {
		s += " on " + i.Hostname
	}
	if !i.Started.IsZero() {
		s += " since " + i.Started.UTC().Format(time.RFC3339)
	}
	return s
}

// encode writes the info as key=value lines.
func (i Info) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", i.PID)
	if i.Hostname != "" {
		fmt.Fprintf(&b, "host=%s\n", i.Hostname)
	}
	fmt.Fprintf(&b, "started=%s\n", i.Started.UTC().Format(time.RFC3339))
	return b.String()
}

// parseInfo reads key=value lines. Unknown keys and malformed values are ignored.
func parseInfo(content string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(val); err == nil && pid > 0 {
				info.PID = pid
			}
		case "host":
			info.Hostname = val
		case "started":
			if t, err := time.Parse(time.RFC3339, val); err == nil {
				info.Started = t
			}
		}
	}
	return info
}

// ReadInfo returns the holder recorded in the lock file of stateDir.
func ReadInfo(stateDir string) (Info, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, LockFileName))
	if err != nil {
		return Info{}, err
	}
	return parseInfo(string(data)), nil
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
	info Info
}

// Acquire takes the lock on stateDir, creating the directory if needed. When
// another process holds it, the returned error is a *LockError.
func Acquire(stateDir string) (*Lock, error) {
	path := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's record before we know we own the lock.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder, _ := ReadInfo(stateDir)
		slog.Error("lockfile.Acquire: state directory is locked", "path", path, "holder", holder.String(), "error", err)
		return nil, &LockError{Path: path, Holder: holder, Cause: err}
	}

	host, _ := os.Hostname()
	info := Info{PID: os.Getpid(), Hostname: host, Started: time.Now()}
	if err := writeInfo(file, info); err != nil {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to record lock holder in %s: %w", path, err)
	}

	slog.Info("lockfile.Acquire: state directory locked", "path", path, "pid", info.PID)
	return &Lock{file: file, path: path, info: info}, nil
}

func writeInfo(f *os.File, info Info) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(info.encode()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.writeInfo: sync failed", "path", f.Name(), "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Info returns the holder record written by this process.
func (l *Lock) Info() Info { return l.info }

// Release drops the lock and removes the file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	// Remove while still holding the lock so a waiting process never sees our record.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove lock file: %w", err))
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close lock file: %w", err))
	}
	l.file = nil
	slog.Info("lockfile.Release: state directory unlocked", "path", l.path)
	return errors.Join(errs...)
}

// LockError reports that another process holds the state directory.
type LockError struct {
	Path   string
	Holder Info
	Cause  error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("state directory is locked by another CarePipe process (%s); lock file %s", e.Holder, e.Path)
	if e.Holder.PID > 0 && !processAlive(e.Holder.PID) {
		msg += "; the holder is no longer running, the lock file may be removed"
	}
	return msg
}

func (e *LockError) Unwrap() error { return e.Cause }

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
