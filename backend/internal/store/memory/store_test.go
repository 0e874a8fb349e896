package memory

import (
	"context"
	"testing"
	"time"

	"gastrolog-ci/internal/eventbus"
	"gastrolog-ci/internal/store"
)

func fixedNow() func() time.Time {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return t0 }
}

func TestAddBuildAssignsDenseMonotonicNumbers(t *testing.T) {
	s := New(nil, fixedNow())
	ctx := context.Background()

	b1, err := s.AddBuild(ctx, store.Build{BuilderID: "b1"})
	if err != nil {
		t.Fatal(err)
	}
	b2, err := s.AddBuild(ctx, store.Build{BuilderID: "b1"})
	if err != nil {
		t.Fatal(err)
	}
	other, err := s.AddBuild(ctx, store.Build{BuilderID: "b2"})
	if err != nil {
		t.Fatal(err)
	}

	if b1.Number != 1 || b2.Number != 2 {
		t.Fatalf("got numbers %d, %d for builder b1, want 1, 2", b1.Number, b2.Number)
	}
	if other.Number != 1 {
		t.Fatalf("got number %d for builder b2's first build, want 1", other.Number)
	}
}

func TestAddStepUniquifiesNames(t *testing.T) {
	s := New(nil, fixedNow())
	ctx := context.Background()
	b, _ := s.AddBuild(ctx, store.Build{BuilderID: "b1"})

	s1, _ := s.AddStep(ctx, store.Step{BuildID: b.ID, Name: "compile"})
	s2, _ := s.AddStep(ctx, store.Step{BuildID: b.ID, Name: "compile"})
	s3, _ := s.AddStep(ctx, store.Step{BuildID: b.ID, Name: "compile"})

	if s1.Name != "compile" || s2.Name != "compile_2" || s3.Name != "compile_3" {
		t.Fatalf("got names %q, %q, %q", s1.Name, s2.Name, s3.Name)
	}
}

func TestClaimBuildRequestsAllOrNone(t *testing.T) {
	s := New(nil, fixedNow())
	ctx := context.Background()
	_, reqs, _ := s.AddBuildset(ctx, store.Buildset{}, []store.BuildRequest{
		{BuilderID: "b1"}, {BuilderID: "b1"},
	})

	_, err := s.ClaimBuildRequests(ctx, []string{reqs[0].ID, "missing"}, "master-a")
	if err == nil {
		t.Fatal("expected error when one id is unknown")
	}
	got, err := s.GetBuildRequest(ctx, reqs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Claim != nil {
		t.Fatal("partial claim leaked through on all-or-none failure")
	}

	claimed, err := s.ClaimBuildRequests(ctx, []string{reqs[0].ID, reqs[1].ID}, "master-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 2 {
		t.Fatalf("got %d claimed, want 2", len(claimed))
	}

	if _, err := s.ClaimBuildRequests(ctx, []string{reqs[0].ID}, "master-b"); err == nil {
		t.Fatal("expected error claiming an already-claimed buildrequest")
	}
}

func TestAppendLogChunkRejectsNonContiguous(t *testing.T) {
	s := New(nil, fixedNow())
	ctx := context.Background()

	if err := s.AppendLogChunk(ctx, store.LogChunk{LogID: "l1", FirstLine: 1, LastLine: 5}); err == nil {
		t.Fatal("expected error: first chunk must start at line 0")
	}
	if err := s.AppendLogChunk(ctx, store.LogChunk{LogID: "l1", FirstLine: 0, LastLine: 5}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendLogChunk(ctx, store.LogChunk{LogID: "l1", FirstLine: 7, LastLine: 9}); err == nil {
		t.Fatal("expected error: gap between chunks")
	}
	if err := s.AppendLogChunk(ctx, store.LogChunk{LogID: "l1", FirstLine: 6, LastLine: 9}); err != nil {
		t.Fatal(err)
	}
}

func TestAddLogRejectsDuplicateSlug(t *testing.T) {
	s := New(nil, fixedNow())
	ctx := context.Background()

	if _, err := s.AddLog(ctx, store.Log{StepID: "s1", Slug: "stdio"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddLog(ctx, store.Log{StepID: "s1", Slug: "stdio"}); err == nil {
		t.Fatal("expected ErrLogSlugExists")
	}
	if _, err := s.AddLog(ctx, store.Log{StepID: "s2", Slug: "stdio"}); err != nil {
		t.Fatalf("same slug on a different step must be allowed: %v", err)
	}
}

func TestMutationsPublishEvents(t *testing.T) {
	bus := eventbus.New(nil)
	s := New(bus, fixedNow())
	ctx := context.Background()

	ch := bus.WaitUntil([]string{"builds", "*", "new"}, func(eventbus.Event) bool { return true })
	if _, err := s.AddBuild(ctx, store.Build{BuilderID: "b1"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("AddBuild did not publish a builds/*/new event")
	}
}
