package workerregistry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"gastrolog-ci/internal/clock"
	"gastrolog-ci/internal/store"
	"gastrolog-ci/internal/store/memory"
)

type fakeSub struct {
	fail      bool
	substCall int32
}

func (f *fakeSub) Substantiate(ctx context.Context, w store.Worker) error {
	atomic.AddInt32(&f.substCall, 1)
	if f.fail {
		return errors.New("boom")
	}
	return nil
}

func (f *fakeSub) Ping(ctx context.Context, w store.Worker) error { return nil }

func TestSubstantiateIfNeededTransitionsToSubstantiated(t *testing.T) {
	ctx := context.Background()
	s := memory.New(nil, time.Now)
	w, _ := s.GetWorker(ctx, "")
	_ = w
	if err := s.UpsertWorker(ctx, store.Worker{ID: "w1", Latent: true, State: store.WorkerAbsent}); err != nil {
		t.Fatal(err)
	}

	r := New(Config{Store: s, Substantiator: &fakeSub{}})
	if err := r.SubstantiateIfNeeded(ctx, "w1"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != store.WorkerSubstantiated {
		t.Fatalf("got state %s, want substantiated", got.State)
	}
}

func TestSubstantiateFailureQuarantines(t *testing.T) {
	ctx := context.Background()
	s := memory.New(nil, time.Now)
	if err := s.UpsertWorker(ctx, store.Worker{ID: "w1", Latent: true, State: store.WorkerAbsent}); err != nil {
		t.Fatal(err)
	}

	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := New(Config{Store: s, Substantiator: &fakeSub{fail: true}, Clock: fc})

	if err := r.SubstantiateIfNeeded(ctx, "w1"); err == nil {
		t.Fatal("expected substantiation failure to propagate")
	}

	got, err := s.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != store.WorkerAbsent {
		t.Fatalf("got state %s, want absent after failed substantiation", got.State)
	}
	if !got.QuarantineUntil.After(fc.Now()) {
		t.Fatal("expected quarantine window to extend into the future")
	}

	if err := r.SubstantiateIfNeeded(ctx, "w1"); !errors.Is(err, ErrInQuarantine) {
		t.Fatalf("got %v, want ErrInQuarantine while still inside window", err)
	}
}

func TestSubstantiateDeduplicatesConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	s := memory.New(nil, time.Now)
	if err := s.UpsertWorker(ctx, store.Worker{ID: "w1", Latent: true, State: store.WorkerAbsent}); err != nil {
		t.Fatal(err)
	}

	sub := &fakeSub{}
	r := New(Config{Store: s, Substantiator: sub})

	done := make(chan error, 5)
	for range 5 {
		go func() { done <- r.SubstantiateIfNeeded(ctx, "w1") }()
	}
	for range 5 {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}

	if atomic.LoadInt32(&sub.substCall) != 1 {
		t.Fatalf("got %d substantiate calls, want 1 (deduplicated)", sub.substCall)
	}
}

func TestNonLatentWorkerSkipsSubstantiation(t *testing.T) {
	ctx := context.Background()
	s := memory.New(nil, time.Now)
	if err := s.UpsertWorker(ctx, store.Worker{ID: "w1", Latent: false}); err != nil {
		t.Fatal(err)
	}

	sub := &fakeSub{}
	r := New(Config{Store: s, Substantiator: sub})
	if err := r.SubstantiateIfNeeded(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if sub.substCall != 0 {
		t.Fatal("substantiation should not be attempted for a non-latent worker")
	}
}
