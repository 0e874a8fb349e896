// Package workerregistry drives the latent worker lifecycle state
// machine (spec §4.5): absent -> substantiating -> substantiated ->
// attached -> building -> idle, with quarantine on substantiation
// failure. There is no idle-timeout edge: an idle worker stays idle
// until something else moves it.
package workerregistry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gastrolog-ci/internal/callgroup"
	"gastrolog-ci/internal/clock"
	"gastrolog-ci/internal/eventbus"
	"gastrolog-ci/internal/store"
)

// ErrInQuarantine is returned by SubstantiateIfNeeded while a worker is
// still serving out its quarantine backoff.
var ErrInQuarantine = errors.New("worker is in quarantine")

// Substantiator starts (or confirms) a latent worker's backing
// infrastructure. Implementations are supplied by the deployment's
// cloud/VM provider integration; the registry only sequences calls to
// it and records the resulting state transitions.
type Substantiator interface {
	Substantiate(ctx context.Context, w store.Worker) error
	Ping(ctx context.Context, w store.Worker) error
}

// Registry tracks worker lifecycle state atop store.Store, deduplicating
// concurrent substantiation attempts for the same worker via callgroup
// and backing off quarantined workers using an injected clock.
type Registry struct {
	mu    sync.Mutex
	store store.Store
	bus   *eventbus.Bus
	clock clock.Clock
	sub   Substantiator
	log   *slog.Logger
	group callgroup.Group[string]

	quarantineBase time.Duration
	quarantineMax  time.Duration
	failures       map[string]int // workerID -> consecutive substantiation failures
}

// Config configures a Registry.
type Config struct {
	Store          store.Store
	Bus            *eventbus.Bus
	Clock          clock.Clock
	Substantiator  Substantiator
	Logger         *slog.Logger
	QuarantineBase time.Duration // default 30s
	QuarantineMax  time.Duration // default 1h
}

// New builds a Registry from cfg.
func New(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.QuarantineBase <= 0 {
		cfg.QuarantineBase = 30 * time.Second
	}
	if cfg.QuarantineMax <= 0 {
		cfg.QuarantineMax = time.Hour
	}
	return &Registry{
		store:          cfg.Store,
		bus:            cfg.Bus,
		clock:          cfg.Clock,
		sub:            cfg.Substantiator,
		log:            cfg.Logger.With("component", "workerregistry"),
		quarantineBase: cfg.QuarantineBase,
		quarantineMax:  cfg.QuarantineMax,
		failures:       make(map[string]int),
	}
}

func (r *Registry) transition(ctx context.Context, w store.Worker, to store.WorkerState) (store.Worker, error) {
	w.State = to
	if err := r.store.UpsertWorker(ctx, w); err != nil {
		return w, err
	}
	if r.bus != nil {
		r.bus.Publish([]string{"workers", w.ID, "state", to.String()}, w)
	}
	return w, nil
}

// SubstantiateIfNeeded ensures a latent worker is substantiated,
// deduplicating concurrent callers for the same worker ID and refusing
// to act while the worker is quarantined.
func (r *Registry) SubstantiateIfNeeded(ctx context.Context, workerID string) error {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if !w.Latent {
		return nil
	}
	if w.State == store.WorkerSubstantiated || w.State == store.WorkerAttached ||
		w.State == store.WorkerBuilding || w.State == store.WorkerIdle {
		return nil
	}
	if !w.QuarantineUntil.IsZero() && r.clock.Now().Before(w.QuarantineUntil) {
		return fmt.Errorf("worker %s: %w until %s", workerID, ErrInQuarantine, w.QuarantineUntil)
	}

	ch := r.group.DoChan(workerID, func() error {
		return r.doSubstantiate(ctx, workerID)
	})
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) doSubstantiate(ctx context.Context, workerID string) error {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if w.State == store.WorkerSubstantiated || w.State == store.WorkerAttached ||
		w.State == store.WorkerBuilding || w.State == store.WorkerIdle {
		return nil
	}

	if _, err := r.transition(ctx, w, store.WorkerSubstantiating); err != nil {
		return err
	}

	if err := r.sub.Substantiate(ctx, w); err != nil {
		r.log.Warn("substantiation failed", "worker_id", workerID, "err", err)
		r.PutInQuarantine(ctx, workerID)
		return err
	}

	r.ResetQuarantine(workerID)
	w, err = r.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	_, err = r.transition(ctx, w, store.WorkerSubstantiated)
	return err
}

// Ping confirms liveness of an already-substantiated worker, moving it
// to attached on success.
func (r *Registry) Ping(ctx context.Context, workerID string) error {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if err := r.sub.Ping(ctx, w); err != nil {
		return err
	}
	_, err = r.transition(ctx, w, store.WorkerAttached)
	return err
}

// MarkBuilding/MarkIdle reflect the build-assignment edges of the FSM;
// the distributor and buildrunner call these as builds start/finish.
func (r *Registry) MarkBuilding(ctx context.Context, workerID string) error {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	_, err = r.transition(ctx, w, store.WorkerBuilding)
	return err
}

func (r *Registry) MarkIdle(ctx context.Context, workerID string) error {
	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	_, err = r.transition(ctx, w, store.WorkerIdle)
	return err
}

// PutInQuarantine moves a worker to absent with an exponentially
// increasing backoff window, capped at quarantineMax.
func (r *Registry) PutInQuarantine(ctx context.Context, workerID string) {
	r.mu.Lock()
	r.failures[workerID]++
	n := r.failures[workerID]
	r.mu.Unlock()

	backoff := r.quarantineBase
	for i := 1; i < n; i++ {
		backoff *= 2
		if backoff >= r.quarantineMax {
			backoff = r.quarantineMax
			break
		}
	}

	w, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return
	}
	w.QuarantineUntil = r.clock.Now().Add(backoff)
	w.State = store.WorkerAbsent
	if err := r.store.UpsertWorker(ctx, w); err != nil {
		r.log.Error("failed to record quarantine", "worker_id", workerID, "err", err)
		return
	}
	if r.bus != nil {
		r.bus.Publish([]string{"workers", workerID, "quarantined"}, w.QuarantineUntil)
	}
}

// ResetQuarantine clears the consecutive-failure counter for a worker,
// called after any successful substantiation and by buildrunner after a
// build that ends neither RETRY nor EXCEPTION.
func (r *Registry) ResetQuarantine(workerID string) {
	r.mu.Lock()
	delete(r.failures, workerID)
	r.mu.Unlock()
}
