// Package lockfile guards a FlowPipe state directory so that only one process
// at a time owns its database, WhatsApp session store and job queue.
//
// The lock is an flock(2) on a file inside the directory; the kernel drops it
// when the process exits, so a crash never leaves the directory locked.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "flowpipe.lock"

// ErrLocked is matched by errors.Is when another process holds the lock.
var ErrLocked = errors.New("state directory is locked by another FlowPipe process")

// Option adds metadata written into the lock file.
type Option func(info map[string]string)

// WithInfo records key=value in the lock file, e.g. the store driver or API address.
func WithInfo(key, value string) Option {
	return func(info map[string]string) { info[key] = value }
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock of stateDir, creating the directory when needed.
// A held lock yields a *LockError describing the owner.
func AcquireLock(stateDir string, opts ...Option) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}
	lockPath := filepath.Join(stateDir, LockFileName)

	// No O_TRUNC: the owner's metadata must survive a failed attempt.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner := describeOwner(readLockInfo(lockPath))
		slog.Error("lockfile.AcquireLock: state directory already locked", "lockPath", lockPath, "owner", owner)
		return nil, &LockError{LockPath: lockPath, Owner: owner, Cause: err}
	}

	info := map[string]string{
		"pid":     strconv.Itoa(os.Getpid()),
		"started": time.Now().UTC().Format(time.RFC3339),
	}
	for _, opt := range opts {
		opt(info)
	}
	if err := writeLockInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock file %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: state directory locked", "lockPath", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so no other process can lock the old inode.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: removing lock file failed", "lockPath", l.path, "error", err)
	}
	var errs []error
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	l.file = nil
	slog.Info("lockfile.Release: state directory unlocked", "lockPath", l.path)
	return errors.Join(errs...)
}

// LockError reports a state directory held by another process.
type LockError struct {
	LockPath string
	Owner    string
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another FlowPipe instance is using this state directory (lock file %s)", e.LockPath)
	if e.Owner != "" {
		fmt.Fprintf(&b, "; owner: %s", e.Owner)
	}
	b.WriteString(". Remove the lock file only if no FlowPipe process is running.")
	return b.String()
}

func (e *LockError) Is(target error) bool { return target == ErrLocked }

func (e *LockError) Unwrap() error { return e.Cause }

func writeLockInfo(f *os.File, info map[string]string) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w := bufio.NewWriter(f)
	for _, k := range keys {
		fmt.Fprintf(w, "%s=%s\n", k, info[k])
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile: sync failed", "lockPath", f.Name(), "error", err)
	}
	return nil
}

// readLockInfo parses the key=value lines of a lock file. Unreadable files yield nil.
func readLockInfo(path string) map[string]string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	info := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok && k != "" {
			info[k] = v
		}
	}
	return info
}

func describeOwner(info map[string]string) string {
	if len(info) == 0 {
		return ""
	}
	pid, err := strconv.Atoi(info["pid"])
	if err != nil || pid <= 0 {
		return "unknown process"
	}
	state := "running"
	if !isProcessRunning(pid) {
		state = "not running, stale lock"
	}
	desc := fmt.Sprintf("PID %d (%s)", pid, state)
	if started := info["started"]; started != "" {
		desc += " since " + started
	}
	return desc
}

// isProcessRunning sends signal 0, which only checks that the process exists.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
