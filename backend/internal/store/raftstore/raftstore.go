package raftstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/raft"

	"gastrolog-ci/internal/store"
)

// Store decorates a store.Store so ClaimBuildRequests runs as a raft
// command, giving masters racing on the same stale build request a total
// order to resolve the race by. Every other method passes straight
// through to inner: replicating full entity state across masters is a
// storage-engine concern, not this core's (spec §1 Non-goals).
type Store struct {
	store.Store
	raft        *raft.Raft
	applyTimeout time.Duration
}

// New wraps inner with r, which must already have NewFSM(inner)
// installed as its raft.FSM. applyTimeout bounds how long ClaimBuildRequests
// waits for the command to commit.
func New(inner store.Store, r *raft.Raft, applyTimeout time.Duration) *Store {
	if applyTimeout <= 0 {
		applyTimeout = 5 * time.Second
	}
	return &Store{Store: inner, raft: r, applyTimeout: applyTimeout}
}

// ClaimBuildRequests overrides the embedded store.Store method, routing
// the claim through raft.Apply so that only one master's claim for a
// given set of build request IDs ever commits.
func (s *Store) ClaimBuildRequests(ctx context.Context, ids []string, masterID string) ([]store.BuildRequest, error) {
	data, err := json.Marshal(claimCommand{IDs: ids, MasterID: masterID})
	if err != nil {
		return nil, fmt.Errorf("marshal claim command: %w", err)
	}

	future := s.raft.Apply(data, s.applyTimeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("raft apply claim: %w", err)
	}

	res, ok := future.Response().(claimResult)
	if !ok {
		return nil, fmt.Errorf("raft apply claim: unexpected response type %T", future.Response())
	}
	switch res.Err {
	case "":
		return res.Requests, nil
	case errTagNotFound:
		return nil, fmt.Errorf("claim build requests: %w", store.ErrNotFound)
	case errTagClaimed:
		return nil, fmt.Errorf("claim build requests: %w", store.ErrBuildRequestClaimed)
	default:
		return nil, fmt.Errorf("claim build requests: %s", res.Err)
	}
}

// IsLeader reports whether this node is the current raft leader. Callers
// use this to decide whether to accept new try jobs or redirect them,
// mirroring config/raftstore.Store's leader-gated writes.
func (s *Store) IsLeader() bool {
	return s.raft.State() == raft.Leader
}
