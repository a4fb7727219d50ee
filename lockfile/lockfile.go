// Package lockfile provides the cross-process mutual exclusion primitive
// that guards every shared JSON document in the cleo working directory.
//
// All task board, context bus, usage, and mailbox mutations run as a full
// read-modify-write cycle under a named OS advisory lock. If the lock
// cannot be taken (unsupported filesystem), the process warns loudly once
// and continues in single-process mode; concurrent runs without a real
// lock are undefined.
package lockfile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Lock is a named cross-process lock backed by an advisory file lock.
type Lock struct {
	path string

	mu sync.Mutex // serializes goroutines within this process
	fl *flock.Flock

	warnOnce sync.Once
	degraded bool
}

// New creates a lock keyed to the given sentinel file path.
// The sentinel file is created on first acquire.
func New(path string) *Lock {
	return &Lock{path: path, fl: flock.New(path)}
}

// Acquire blocks until the lock is held and returns a release function.
// Release is safe to call exactly once; callers should defer it.
func (l *Lock) Acquire() func() {
	l.mu.Lock()
	if l.degraded {
		return l.mu.Unlock
	}
	if err := l.fl.Lock(); err != nil {
		l.warnOnce.Do(func() {
			slog.Warn("file lock unavailable, falling back to single-process mode; concurrent runs are UNSAFE",
				"path", l.path, "error", err)
		})
		l.degraded = true
		return l.mu.Unlock
	}
	return func() {
		_ = l.fl.Unlock()
		l.mu.Unlock()
	}
}

// Path returns the sentinel file path.
func (l *Lock) Path() string { return l.path }

// LockedFile is a JSON document of type T guarded by a Lock.
// Read returns an unlocked snapshot; Modify runs a locked
// read-modify-write cycle.
type LockedFile[T any] struct {
	path string
	lock *Lock
}

// NewLockedFile creates a locked JSON file handle. The document file and
// its parent directory are created lazily on first write.
func NewLockedFile[T any](path, lockPath string) *LockedFile[T] {
	return &LockedFile[T]{path: path, lock: New(lockPath)}
}

// Path returns the document file path.
func (f *LockedFile[T]) Path() string { return f.path }

// Lock exposes the underlying lock for callers that need to group several
// operations into one critical section.
func (f *LockedFile[T]) Lock() *Lock { return f.lock }

// Read returns the current document without taking the lock. A missing or
// partially-written file yields the zero value: torn writes are detected
// by parse failure and treated as empty.
func (f *LockedFile[T]) Read() T {
	var doc T
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return doc
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		slog.Warn("corrupt state file, treating as empty", "path", f.path, "error", err)
		var zero T
		return zero
	}
	return doc
}

// Modify runs fn on the current document under the lock and persists the
// result. If fn returns an error nothing is written.
func (f *LockedFile[T]) Modify(fn func(doc *T) error) error {
	release := f.lock.Acquire()
	defer release()

	doc := f.Read()
	if err := fn(&doc); err != nil {
		return err
	}
	return f.write(doc)
}

// ReadLocked returns the document while holding the lock, for callers that
// need a consistent snapshot (e.g. claim scans paired with writes go
// through Modify instead).
func (f *LockedFile[T]) ReadLocked() T {
	release := f.lock.Acquire()
	defer release()
	return f.Read()
}

func (f *LockedFile[T]) write(doc T) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", f.path, err)
	}
	if dir := filepath.Dir(f.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(f.path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", f.path, err)
	}
	return nil
}

// AppendLine appends one JSON-encoded line to a JSON-Lines file under the
// given lock. Used for the critique log, alerts, and mailboxes.
func AppendLine(lock *Lock, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal line for %s: %w", path, err)
	}

	release := lock.Acquire()
	defer release()

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	if _, err := file.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return nil
}
