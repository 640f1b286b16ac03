// OS-level file locking for the single-writer rule.
//
// A container admits one writer or any number of readers. Open takes an
// exclusive lock for the write modes and a shared one for ModeRead. The
// lock is never waited on: a container busy in another handle fails Open
// with ErrLocked instead of blocking the caller indefinitely.
//
// fileLock guards the handle's lifetime with a mutex held across the
// flock syscall so that Fd() cannot race with Close() on the same file.
// Compact swaps the handle with setFile after renaming the rebuilt file
// into place.
package quire

import (
	"errors"
	"os"
	"sync"
)

// ErrLocked is returned by Open when another handle holds a conflicting
// lock on the container.
var ErrLocked = errors.New("container is locked by another handle")

// LockMode selects shared (read) or exclusive (write) locking.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// fileLock coordinates OS-level file locks with safe handle teardown.
type fileLock struct {
	mu   sync.Mutex
	f    *os.File
	held bool
}

// Lock acquires a shared or exclusive lock without blocking. Returns nil
// immediately if the handle has been cleared via setFile(nil).
func (l *fileLock) Lock(mode LockMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	if err := l.lock(mode); err != nil {
		return err
	}
	l.held = true
	return nil
}

// Unlock releases the lock if held.
func (l *fileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil || !l.held {
		return nil
	}
	l.held = false
	return l.unlock()
}

// setFile swaps the underlying file handle. Passing nil drains any
// in-flight lock call and disables further locking.
func (l *fileLock) setFile(f *os.File) {
	l.mu.Lock()
	l.f = f
	l.held = false
	l.mu.Unlock()
}
