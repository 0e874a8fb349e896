// Package clock provides an injectable time source so that quarantine
// windows, RPC timeouts, and periodic triggers can be driven by a fake
// clock in tests instead of wall time.
package clock

import "time"

// Timer is the subset of *time.Timer the core depends on.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Clock abstracts time so tests can advance virtual time deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
}

// Real is the production Clock backed by the wall clock.
type Real struct{}

// New returns the real, wall-clock Clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) NewTimer(d time.Duration) Timer { return &realTimer{t: time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time       { return r.t.C }
func (r *realTimer) Stop() bool                { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
