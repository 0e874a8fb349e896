package botmaster

import (
	"context"
	"errors"
	"testing"

	"gastrolog-ci/internal/eventbus"
	"gastrolog-ci/internal/schedulerset"
	"gastrolog-ci/internal/store"
	"gastrolog-ci/internal/store/memory"
)

func newTestMaster(t *testing.T) (*memory.Store, *Master) {
	t.Helper()
	bus := eventbus.New(nil)
	st := memory.New(bus, nil)
	return st, New(Config{Store: st, Bus: bus, MasterID: "master-a"})
}

func TestStartIsNotReentrant(t *testing.T) {
	_, m := newTestMaster(t)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if err := m.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestStopWithoutStartFails(t *testing.T) {
	_, m := newTestMaster(t)
	if err := m.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestStartRunsInitialBuildSelectionPass(t *testing.T) {
	ctx := context.Background()
	st, m := newTestMaster(t)

	if err := st.UpdateBuilderInfo(ctx, store.Builder{Name: "linux", WorkerNames: []string{"w1"}}); err != nil {
		t.Fatalf("UpdateBuilderInfo: %v", err)
	}
	builders, _ := st.ListBuilders(ctx)
	if err := st.UpsertWorker(ctx, store.Worker{ID: "w1", Name: "w1", State: store.WorkerIdle}); err != nil {
		t.Fatalf("UpsertWorker: %v", err)
	}
	_, reqs, err := st.AddBuildset(ctx, store.Buildset{Reason: "test"}, []store.BuildRequest{{BuilderID: builders[0].ID}})
	if err != nil {
		t.Fatalf("AddBuildset: %v", err)
	}

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	br, err := st.GetBuildRequest(ctx, reqs[0].ID)
	if err != nil {
		t.Fatalf("GetBuildRequest: %v", err)
	}
	if br.Claim == nil {
		t.Fatal("expected the initial selection pass to claim the pending buildrequest")
	}
}

func TestAddSchedulerRejectsDuplicateName(t *testing.T) {
	_, m := newTestMaster(t)
	s := &schedulerset.SingleBranch{NameStr: "dup"}
	if err := m.AddScheduler(s); err != nil {
		t.Fatalf("AddScheduler: %v", err)
	}
	if err := m.AddScheduler(&schedulerset.SingleBranch{NameStr: "dup"}); !errors.Is(err, ErrDuplicateScheduler) {
		t.Fatalf("expected ErrDuplicateScheduler, got %v", err)
	}
}

func TestRemoveSchedulerUnknownFails(t *testing.T) {
	_, m := newTestMaster(t)
	if err := m.RemoveScheduler("nope"); !errors.Is(err, ErrUnknownScheduler) {
		t.Fatalf("expected ErrUnknownScheduler, got %v", err)
	}
}

func TestReconcileSchedulersAddsAndRemoves(t *testing.T) {
	_, m := newTestMaster(t)
	if err := m.AddScheduler(&schedulerset.SingleBranch{NameStr: "keep"}); err != nil {
		t.Fatalf("AddScheduler: %v", err)
	}
	if err := m.AddScheduler(&schedulerset.SingleBranch{NameStr: "drop"}); err != nil {
		t.Fatalf("AddScheduler: %v", err)
	}

	err := m.ReconcileSchedulers([]schedulerset.Scheduler{
		&schedulerset.SingleBranch{NameStr: "keep"},
		&schedulerset.SingleBranch{NameStr: "new"},
	})
	if err != nil {
		t.Fatalf("ReconcileSchedulers: %v", err)
	}

	names := m.Schedulers()
	want := map[string]bool{"keep": true, "new": true}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for _, n := range names {
		if !want[n] {
			t.Fatalf("unexpected scheduler %q survived reconcile", n)
		}
	}
}

func TestSubmitChangeFiresMatchingScheduler(t *testing.T) {
	ctx := context.Background()
	st, m := newTestMaster(t)

	if err := st.UpdateBuilderInfo(ctx, store.Builder{Name: "linux"}); err != nil {
		t.Fatalf("UpdateBuilderInfo: %v", err)
	}
	builders, _ := st.ListBuilders(ctx)

	s := &schedulerset.SingleBranch{
		NameStr:    "main-builder",
		Branch:     "main",
		BuilderIDs: []string{builders[0].ID},
		Store:      st,
	}
	if err := m.AddScheduler(s); err != nil {
		t.Fatalf("AddScheduler: %v", err)
	}

	ch := store.Change{
		SourceStamp: store.SourceStamp{Branch: "main"},
		Who:         "alice",
	}
	if err := m.SubmitChange(ctx, ch); err != nil {
		t.Fatalf("SubmitChange: %v", err)
	}

	pending, err := st.PendingBuildRequests(ctx, builders[0].ID)
	if err != nil {
		t.Fatalf("PendingBuildRequests: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one buildrequest from the matching scheduler, got %d", len(pending))
	}
}

func TestSubmitChangeSkipsNonMatchingScheduler(t *testing.T) {
	ctx := context.Background()
	st, m := newTestMaster(t)

	if err := st.UpdateBuilderInfo(ctx, store.Builder{Name: "linux"}); err != nil {
		t.Fatalf("UpdateBuilderInfo: %v", err)
	}
	builders, _ := st.ListBuilders(ctx)

	s := &schedulerset.SingleBranch{
		NameStr:    "release-builder",
		Branch:     "release",
		BuilderIDs: []string{builders[0].ID},
		Store:      st,
	}
	if err := m.AddScheduler(s); err != nil {
		t.Fatalf("AddScheduler: %v", err)
	}

	ch := store.Change{SourceStamp: store.SourceStamp{Branch: "main"}}
	if err := m.SubmitChange(ctx, ch); err != nil {
		t.Fatalf("SubmitChange: %v", err)
	}

	pending, err := st.PendingBuildRequests(ctx, builders[0].ID)
	if err != nil {
		t.Fatalf("PendingBuildRequests: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no buildrequest for a non-matching branch, got %d", len(pending))
	}
}
