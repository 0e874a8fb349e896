// Package lockarbiter brokers exclusive/counting locks with FIFO
// fairness: a counting request can never jump an earlier, still-waiting
// exclusive request (spec §4.4).
package lockarbiter

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"gastrolog-ci/internal/notify"
	"gastrolog-ci/internal/store"
)

// holder is one currently-granted access.
type holder struct {
	access store.Access
}

// waiter is one queued request for a lock.
type waiter struct {
	access store.Access
	ready  chan struct{} // closed once this waiter has been granted
}

// lockState tracks one LockID's current holders and FIFO waiter queue.
type lockState struct {
	maxCount int
	holders  []holder
	waiters  *list.List // of *waiter
}

// Arbiter brokers access to a set of named locks.
type Arbiter struct {
	mu    sync.Mutex
	sig   *notify.Signal
	locks map[string]*lockState // keyed by LockID.Scope/Name/WorkerID composite
}

// New creates an empty Arbiter.
func New() *Arbiter {
	return &Arbiter{sig: notify.NewSignal(), locks: make(map[string]*lockState)}
}

func keyFor(id store.LockID, access store.Access) string {
	if id.Scope == store.LockScopeWorker {
		return fmt.Sprintf("worker:%s:%s", access.WorkerID, id.Name)
	}
	return fmt.Sprintf("master:%s", id.Name)
}

func (a *Arbiter) stateFor(key string, id store.LockID) *lockState {
	st, ok := a.locks[key]
	if !ok {
		max := id.MaxCount
		if max <= 0 {
			max = 1
		}
		st = &lockState{maxCount: max, waiters: list.New()}
		a.locks[key] = st
	}
	return st
}

// canGrantLocked reports whether access could be granted right now,
// given st's current holders only (ignoring the waiter queue).
func canGrantLocked(st *lockState, access store.Access) bool {
	if len(st.holders) == 0 {
		return true
	}
	if access.Mode == store.AccessExclusive {
		return false
	}
	for _, h := range st.holders {
		if h.access.Mode == store.AccessExclusive {
			return false
		}
	}
	return len(st.holders) < st.maxCount
}

// IsAvailable reports whether id could be acquired right now in the
// given access mode, without queuing or granting anything.
func (a *Arbiter) IsAvailable(id store.LockID, access store.Access) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.locks[keyFor(id, access)]
	if !ok {
		return true
	}
	if st.waiters.Len() > 0 {
		return false // someone is already queued; fairness forbids jumping
	}
	return canGrantLocked(st, access)
}

// WaitUntilMaybeAvailable returns a channel that fires once id might be
// available for access — callers must re-check IsAvailable and may need
// to wait again (spec §4.4: "maybe available", not a guarantee).
func (a *Arbiter) WaitUntilMaybeAvailable(id store.LockID, access store.Access) <-chan struct{} {
	return a.sig.C()
}

// Claim blocks until id is granted in the given access mode, honoring
// FIFO order among waiters, or until ctx is cancelled.
func (a *Arbiter) Claim(ctx context.Context, id store.LockID, access store.Access) error {
	key := keyFor(id, access)

	a.mu.Lock()
	st := a.stateFor(key, id)
	if st.waiters.Len() == 0 && canGrantLocked(st, access) {
		st.holders = append(st.holders, holder{access: access})
		a.mu.Unlock()
		return nil
	}
	w := &waiter{access: access, ready: make(chan struct{})}
	elem := st.waiters.PushBack(w)
	a.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		a.mu.Lock()
		// Remove ourselves if we're still queued (not yet granted).
		for e := st.waiters.Front(); e != nil; e = e.Next() {
			if e == elem {
				st.waiters.Remove(e)
				break
			}
		}
		a.mu.Unlock()
		select {
		case <-w.ready:
			// We were granted in the race between ctx firing and the
			// pump removing us; honor the grant rather than leak it.
			return nil
		default:
		}
		return ctx.Err()
	}
}

// Release gives up a previously Claim'd access and promotes as many
// front-of-queue waiters as now fit, in FIFO order.
func (a *Arbiter) Release(id store.LockID, access store.Access) error {
	key := keyFor(id, access)
	a.mu.Lock()
	st, ok := a.locks[key]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("lock %s: %w", key, store.ErrLockInvariant)
	}
	removed := false
	for i, h := range st.holders {
		if h.access == access {
			st.holders = append(st.holders[:i], st.holders[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		a.mu.Unlock()
		return fmt.Errorf("lock %s: release without matching holder: %w", key, store.ErrLockInvariant)
	}
	a.promoteLocked(st)
	a.mu.Unlock()
	a.sig.Notify()
	return nil
}

// promoteLocked grants access to front-of-queue waiters while they fit,
// in strict FIFO order: an exclusive waiter at the front blocks every
// waiter behind it until it is itself granted, never jumped. Caller
// must hold a.mu.
func (a *Arbiter) promoteLocked(st *lockState) {
	for {
		front := st.waiters.Front()
		if front == nil {
			return
		}
		w := front.Value.(*waiter)
		if !canGrantLocked(st, w.access) {
			return
		}
		st.holders = append(st.holders, holder{access: w.access})
		st.waiters.Remove(front)
		close(w.ready)
	}
}

// StopWaiting cancels a not-yet-granted wait. Claim already handles this
// via ctx cancellation; StopWaiting exists for callers that need to stop
// a wait from a second goroutine without cancelling the whole context.
func (a *Arbiter) StopWaiting(id store.LockID, access store.Access) {
	key := keyFor(id, access)
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.locks[key]
	if !ok {
		return
	}
	for e := st.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		if w.access == access {
			st.waiters.Remove(e)
			return
		}
	}
}
