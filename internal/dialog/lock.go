package dialog

import (
	"context"
	"errors"
)

// ErrBusy is returned by TryAcquire-style paths when the dialog is locked.
var ErrBusy = errors.New("dialog busy")

// Lock is an async mutex: Acquire blocks cooperatively and honors context
// cancellation, TryAcquire turns contention into a fast fail. It serializes
// all mutation of one dialog's in-memory state and event log.
type Lock struct {
	ch chan struct{}
}

// NewLock creates an unlocked Lock.
func NewLock() *Lock {
	l := &Lock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

// Acquire blocks until the lock is held or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires the lock without blocking.
func (l *Lock) TryAcquire() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// Release returns the lock. Releasing an unheld lock panics: that is a
// programming error, never a runtime condition.
func (l *Lock) Release() {
	select {
	case l.ch <- struct{}{}:
	default:
		panic("dialog: release of unheld lock")
	}
}

// Locked reports whether the lock is currently held.
func (l *Lock) Locked() bool {
	return len(l.ch) == 0
}
