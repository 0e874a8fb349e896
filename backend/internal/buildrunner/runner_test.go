package buildrunner

import (
	"context"
	"testing"
	"time"

	"gastrolog-ci/internal/eventbus"
	"gastrolog-ci/internal/lockarbiter"
	"gastrolog-ci/internal/store"
	"gastrolog-ci/internal/store/memory"
	"gastrolog-ci/internal/transport"
)

type fakeConn struct {
	startErr   error
	results    []store.Results
	disconnect transport.DisconnectFunc
}

func (f *fakeConn) RemoteStartBuild(ctx context.Context, builderName string) error {
	return f.startErr
}

func (f *fakeConn) RemoteStartCommand(ctx context.Context, cmd transport.Command) (transport.CommandResult, error) {
	return transport.CommandResult{Results: int(store.ResultsSuccess)}, nil
}

func (f *fakeConn) RemoteInterruptCommand(ctx context.Context, commandID, reason string) error {
	return nil
}

func (f *fakeConn) NotifyOnDisconnect(fn transport.DisconnectFunc) transport.Subscription {
	f.disconnect = fn
	return fakeSub{}
}

type fakeSub struct{}

func (fakeSub) Unsubscribe() {}

type fakeConns struct {
	conn *transport.IConnection
	err  error
}

func (f *fakeConns) Connection(ctx context.Context, workerID string) (*transport.IConnection, error) {
	return f.conn, f.err
}

func newHarness(t *testing.T) (*memory.Store, *Runner, *fakeConn) {
	t.Helper()
	bus := eventbus.New(nil)
	st := memory.New(bus, nil)
	impl := &fakeConn{}
	conn := transport.New(impl, transport.ProtocolInfo{
		Version:           "3.3",
		SupportedCommands: map[transport.CommandKind]bool{transport.CommandShell: true},
	})
	r := New(Config{
		Store: st,
		Bus:   bus,
		Locks: lockarbiter.New(),
		Conns: &fakeConns{conn: conn},
	})
	return st, r, impl
}

func okStep(name string, result store.Results) StepSpec {
	return StepSpec{
		Name:           name,
		FlunkOnFailure: true,
		Run: func(ctx context.Context, sc *StepContext) (store.Results, []string, error) {
			return result, nil, nil
		},
	}
}

func TestRunCompletesSuccessfulBuild(t *testing.T) {
	ctx := context.Background()
	st, r, _ := newHarness(t)

	builder := store.Builder{Name: "linux"}
	if err := st.UpdateBuilderInfo(ctx, builder); err != nil {
		t.Fatalf("UpdateBuilderInfo: %v", err)
	}
	builders, _ := st.ListBuilders(ctx)
	worker := store.Worker{ID: "w1", Name: "w1", State: store.WorkerIdle}

	h := r.Start(ctx, BuildSpec{
		Builder: builders[0],
		Worker:  worker,
		Steps:   []StepSpec{okStep("compile", store.ResultsSuccess)},
	})

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("build did not finish in time")
	}

	if got := h.Results(); got != store.ResultsSuccess {
		t.Fatalf("expected SUCCESS, got %v", got)
	}
}

func TestRunAggregatesFailureAcrossSteps(t *testing.T) {
	ctx := context.Background()
	st, r, _ := newHarness(t)

	if err := st.UpdateBuilderInfo(ctx, store.Builder{Name: "linux"}); err != nil {
		t.Fatalf("UpdateBuilderInfo: %v", err)
	}
	builders, _ := st.ListBuilders(ctx)
	worker := store.Worker{ID: "w1", Name: "w1", State: store.WorkerIdle}

	h := r.Start(ctx, BuildSpec{
		Builder: builders[0],
		Worker:  worker,
		Steps: []StepSpec{
			okStep("compile", store.ResultsSuccess),
			okStep("test", store.ResultsFailure),
			{Name: "cleanup", AlwaysRun: true, Run: func(ctx context.Context, sc *StepContext) (store.Results, []string, error) {
				return store.ResultsSuccess, nil, nil
			}},
		},
	})

	<-h.Done()
	if got := h.Results(); got != store.ResultsFailure {
		t.Fatalf("expected FAILURE, got %v", got)
	}
}

func TestRunHaltOnFailureSkipsLaterStepsExceptAlwaysRun(t *testing.T) {
	ctx := context.Background()
	st, r, _ := newHarness(t)

	if err := st.UpdateBuilderInfo(ctx, store.Builder{Name: "linux"}); err != nil {
		t.Fatalf("UpdateBuilderInfo: %v", err)
	}
	builders, _ := st.ListBuilders(ctx)
	worker := store.Worker{ID: "w1", Name: "w1", State: store.WorkerIdle}

	var ranCleanup, ranSkipped bool
	h := r.Start(ctx, BuildSpec{
		Builder: builders[0],
		Worker:  worker,
		Steps: []StepSpec{
			{Name: "compile", HaltOnFailure: true, FlunkOnFailure: true, Run: func(ctx context.Context, sc *StepContext) (store.Results, []string, error) {
				return store.ResultsFailure, nil, nil
			}},
			{Name: "test", Run: func(ctx context.Context, sc *StepContext) (store.Results, []string, error) {
				ranSkipped = true
				return store.ResultsSuccess, nil, nil
			}},
			{Name: "cleanup", AlwaysRun: true, Run: func(ctx context.Context, sc *StepContext) (store.Results, []string, error) {
				ranCleanup = true
				return store.ResultsSuccess, nil, nil
			}},
		},
	})

	<-h.Done()
	if ranSkipped {
		t.Fatal("step after haltOnFailure should not have run")
	}
	if !ranCleanup {
		t.Fatal("alwaysRun step should still have run")
	}
	if got := h.Results(); got != store.ResultsFailure {
		t.Fatalf("expected FAILURE, got %v", got)
	}
}

func TestRunStepCanInsertFollowupSteps(t *testing.T) {
	ctx := context.Background()
	st, r, _ := newHarness(t)

	if err := st.UpdateBuilderInfo(ctx, store.Builder{Name: "linux"}); err != nil {
		t.Fatalf("UpdateBuilderInfo: %v", err)
	}
	builders, _ := st.ListBuilders(ctx)
	worker := store.Worker{ID: "w1", Name: "w1", State: store.WorkerIdle}

	order := []string{}
	h := r.Start(ctx, BuildSpec{
		Builder: builders[0],
		Worker:  worker,
		Steps: []StepSpec{
			{Name: "discover", Run: func(ctx context.Context, sc *StepContext) (store.Results, []string, error) {
				order = append(order, "discover")
				sc.AddStepsAfterCurrent(StepSpec{Name: "discovered", Run: func(ctx context.Context, sc *StepContext) (store.Results, []string, error) {
					order = append(order, "discovered")
					return store.ResultsSuccess, nil, nil
				}})
				return store.ResultsSuccess, nil, nil
			}},
			{Name: "finalize", Run: func(ctx context.Context, sc *StepContext) (store.Results, []string, error) {
				order = append(order, "finalize")
				return store.ResultsSuccess, nil, nil
			}},
		},
	})

	<-h.Done()
	want := []string{"discover", "discovered", "finalize"}
	if len(order) != len(want) {
		t.Fatalf("expected order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestRunStopSkipsLaterStepsExceptAlwaysRun(t *testing.T) {
	ctx := context.Background()
	st, r, _ := newHarness(t)

	if err := st.UpdateBuilderInfo(ctx, store.Builder{Name: "linux"}); err != nil {
		t.Fatalf("UpdateBuilderInfo: %v", err)
	}
	builders, _ := st.ListBuilders(ctx)
	worker := store.Worker{ID: "w1", Name: "w1", State: store.WorkerIdle}

	started := make(chan struct{})
	var ranB, ranC bool
	h := r.Start(ctx, BuildSpec{
		Builder: builders[0],
		Worker:  worker,
		Steps: []StepSpec{
			{Name: "A", Run: func(ctx context.Context, sc *StepContext) (store.Results, []string, error) {
				close(started)
				<-ctx.Done()
				return store.ResultsCancelled, nil, ctx.Err()
			}},
			{Name: "B", Run: func(ctx context.Context, sc *StepContext) (store.Results, []string, error) {
				ranB = true
				return store.ResultsSuccess, nil, nil
			}},
			{Name: "C", AlwaysRun: true, Run: func(ctx context.Context, sc *StepContext) (store.Results, []string, error) {
				ranC = true
				return store.ResultsSuccess, nil, nil
			}},
		},
	})

	<-started
	h.Stop()
	<-h.Done()

	if ranB {
		t.Fatal("step B should have been skipped after the build was stopped")
	}
	if !ranC {
		t.Fatal("alwaysRun step C should still have run after the stop")
	}
}

func TestRunLostConnectionTerminatesRemainingSteps(t *testing.T) {
	ctx := context.Background()
	st, r, impl := newHarness(t)

	if err := st.UpdateBuilderInfo(ctx, store.Builder{Name: "linux"}); err != nil {
		t.Fatalf("UpdateBuilderInfo: %v", err)
	}
	builders, _ := st.ListBuilders(ctx)
	worker := store.Worker{ID: "w1", Name: "w1", State: store.WorkerIdle}

	started := make(chan struct{})
	blocker := make(chan struct{})
	var ranB, ranC bool
	h := r.Start(ctx, BuildSpec{
		Builder: builders[0],
		Worker:  worker,
		Steps: []StepSpec{
			{Name: "A", Run: func(ctx context.Context, sc *StepContext) (store.Results, []string, error) {
				close(started)
				<-blocker
				return store.ResultsSuccess, nil, nil
			}},
			{Name: "B", Run: func(ctx context.Context, sc *StepContext) (store.Results, []string, error) {
				ranB = true
				return store.ResultsSuccess, nil, nil
			}},
			{Name: "C", AlwaysRun: true, Run: func(ctx context.Context, sc *StepContext) (store.Results, []string, error) {
				ranC = true
				return store.ResultsSuccess, nil, nil
			}},
		},
	})

	<-started
	impl.disconnect(transport.ErrConnectionLost)
	<-h.Done()
	close(blocker)

	if ranB {
		t.Fatal("step B should have been skipped after the connection was lost")
	}
	if !ranC {
		t.Fatal("alwaysRun step C should still have run after the disconnect")
	}
	if got := h.Results(); got != store.ResultsRetry {
		t.Fatalf("expected RETRY, got %v", got)
	}
}

func TestRunStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st, r, _ := newHarness(t)

	if err := st.UpdateBuilderInfo(ctx, store.Builder{Name: "linux"}); err != nil {
		t.Fatalf("UpdateBuilderInfo: %v", err)
	}
	builders, _ := st.ListBuilders(ctx)
	worker := store.Worker{ID: "w1", Name: "w1", State: store.WorkerIdle}

	started := make(chan struct{})
	h := r.Start(ctx, BuildSpec{
		Builder: builders[0],
		Worker:  worker,
		Steps: []StepSpec{
			{Name: "wait", Run: func(ctx context.Context, sc *StepContext) (store.Results, []string, error) {
				close(started)
				<-ctx.Done()
				return store.ResultsCancelled, nil, ctx.Err()
			}},
		},
	})

	<-started
	h.Stop()
	h.Stop() // must not panic
	<-h.Done()

	if got := h.Results(); got != store.ResultsCancelled {
		t.Fatalf("expected CANCELLED, got %v", got)
	}
}

func TestOwnersComputesSortedUnion(t *testing.T) {
	spec := BuildSpec{
		Changes: []store.Change{
			{Who: "bob"},
			{Who: "alice"},
		},
		Requests: []store.BuildRequest{
			{Owner: "carol"},
			{Owner: "alice"},
		},
	}
	got := Owners(spec)
	want := []string{"alice", "bob", "carol"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestMergePropertiesOrdersMasterThenChangesThenRequestsThenBuilder(t *testing.T) {
	spec := BuildSpec{
		MasterProperties: map[string]store.Property{"k": {Value: "master", Source: "Master"}},
		Changes: []store.Change{
			{Properties: map[string]store.Property{"k": {Value: "change", Source: "Change"}}},
		},
		Requests: []store.BuildRequest{
			{SubmittedAt: time.Unix(0, 0), ID: "r1", Properties: map[string]store.Property{"k": {Value: "request", Source: "BuildRequest"}}},
		},
		Builder: store.Builder{Env: map[string]string{"k": "builder"}},
	}
	got := mergeProperties(spec)
	if got["k"].Value != "builder" {
		t.Fatalf("expected builder-config property to win, got %v", got["k"])
	}
}
