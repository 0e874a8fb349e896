package raftstore

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	hraft "github.com/hashicorp/raft"

	"gastrolog-ci/internal/store"
	"gastrolog-ci/internal/store/memory"
)

// newTestRaft creates a single-node in-memory raft instance that becomes
// leader immediately. No cluster, no network — just raft's log + FSM
// machinery, grounded on config/raftstore's own test harness.
func newTestRaft(t *testing.T, fsm hraft.FSM) *hraft.Raft {
	t.Helper()

	conf := hraft.DefaultConfig()
	conf.LocalID = "test-node"
	conf.LogOutput = io.Discard
	conf.HeartbeatTimeout = 50 * time.Millisecond
	conf.ElectionTimeout = 50 * time.Millisecond
	conf.LeaderLeaseTimeout = 50 * time.Millisecond

	logStore := hraft.NewInmemStore()
	stableStore := hraft.NewInmemStore()
	snapStore := hraft.NewInmemSnapshotStore()
	_, transport := hraft.NewInmemTransport("test-node")

	r, err := hraft.NewRaft(conf, fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		t.Fatalf("NewRaft: %v", err)
	}
	t.Cleanup(func() {
		if err := r.Shutdown().Error(); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})

	boot := hraft.Configuration{
		Servers: []hraft.Server{{ID: "test-node", Address: transport.LocalAddr()}},
	}
	if err := r.BootstrapCluster(boot).Error(); err != nil {
		t.Fatalf("BootstrapCluster: %v", err)
	}

	select {
	case <-r.LeaderCh():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for leadership")
	}

	return r
}

func seedPendingRequest(t *testing.T, inner *memory.Store) store.BuildRequest {
	t.Helper()
	ctx := context.Background()

	builder := store.Builder{Name: "linux-build"}
	if err := inner.UpdateBuilderInfo(ctx, builder); err != nil {
		t.Fatalf("UpdateBuilderInfo: %v", err)
	}
	builders, err := inner.ListBuilders(ctx)
	if err != nil || len(builders) != 1 {
		t.Fatalf("ListBuilders: %v, %+v", err, builders)
	}

	ss := store.SourceStamp{Branch: "main", Revision: "abc123"}
	_, reqs, err := inner.AddBuildset(ctx, store.Buildset{Reason: "test"}, []store.BuildRequest{
		{BuilderID: builders[0].ID},
	})
	if err != nil {
		t.Fatalf("AddBuildset: %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("expected one buildrequest, got %d", len(reqs))
	}
	_ = ss
	return reqs[0]
}

func TestClaimBuildRequestsCommitsThroughRaft(t *testing.T) {
	ctx := context.Background()
	inner := memory.New(nil, nil)
	br := seedPendingRequest(t, inner)

	fsm := NewFSM(inner)
	r := newTestRaft(t, fsm)
	s := New(inner, r, 5*time.Second)

	claimed, err := s.ClaimBuildRequests(ctx, []string{br.ID}, "master-a")
	if err != nil {
		t.Fatalf("ClaimBuildRequests: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != br.ID {
		t.Fatalf("got %+v, want claim of %s", claimed, br.ID)
	}
	if !s.IsLeader() {
		t.Fatal("expected single bootstrapped node to be leader")
	}
}

func TestClaimBuildRequestsSecondMasterLosesRace(t *testing.T) {
	ctx := context.Background()
	inner := memory.New(nil, nil)
	br := seedPendingRequest(t, inner)

	fsm := NewFSM(inner)
	r := newTestRaft(t, fsm)
	s := New(inner, r, 5*time.Second)

	if _, err := s.ClaimBuildRequests(ctx, []string{br.ID}, "master-a"); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// A second master racing for the same, now-claimed request must lose,
	// surfacing the same sentinel a single in-process store would return.
	_, err := s.ClaimBuildRequests(ctx, []string{br.ID}, "master-b")
	if !errors.Is(err, store.ErrBuildRequestClaimed) {
		t.Fatalf("expected ErrBuildRequestClaimed, got %v", err)
	}
}

func TestApplyBadCommandData(t *testing.T) {
	inner := memory.New(nil, nil)
	fsm := NewFSM(inner)
	r := newTestRaft(t, fsm)
	s := New(inner, r, 5*time.Second)

	future := s.raft.Apply([]byte("not json"), s.applyTimeout)
	if err := future.Error(); err != nil {
		t.Fatalf("unexpected raft-level error: %v", err)
	}
	resp, ok := future.Response().(claimResult)
	if !ok {
		t.Fatalf("expected claimResult, got %T", future.Response())
	}
	if resp.Err == "" {
		t.Fatal("expected FSM to report an unmarshal error")
	}
}
