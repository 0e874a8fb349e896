// Package distributor implements BuildRequestDistributor (spec §4.7):
// for every builder with pending buildrequests, it selects an eligible
// (builder, worker) pairing, collapses mergeable requests into a single
// group, and claims them transactionally before handing the group off
// to a BuildStarter. Creating the actual Build record and running its
// steps is the build-execution state machine's job, not the
// distributor's: the distributor's responsibility ends at selection.
package distributor

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"gastrolog-ci/internal/eventbus"
	"gastrolog-ci/internal/logging"
	"gastrolog-ci/internal/store"
	"gastrolog-ci/internal/workerregistry"
)

// BuildStarter dispatches a claimed (builder, worker, requests) group to
// whatever generates build steps and drives the build-execution state
// machine. StartBuild is fire-and-forget from the distributor's point of
// view: it does not wait for the build to finish, only for it to begin.
type BuildStarter interface {
	StartBuild(ctx context.Context, builder store.Builder, worker store.Worker, requests []store.BuildRequest)
}

// Distributor walks builders with pending buildrequests and starts builds
// for the eligible (builder, worker) pairs it finds, retrying claims that
// lose a race to another master.
type Distributor struct {
	store   store.Store
	bus     *eventbus.Bus
	workers *workerregistry.Registry
	starter BuildStarter
	log     *slog.Logger

	masterID string

	mu      sync.Mutex
	nudged  bool
	nudging bool
}

// Config configures a Distributor. Workers and Starter may be nil for a
// distributor that only exercises selection and claiming (as the
// package's own tests do); a live deployment wires both so a claimed
// worker is marked busy and its build actually runs.
type Config struct {
	Store    store.Store
	Bus      *eventbus.Bus
	Workers  *workerregistry.Registry
	Starter  BuildStarter
	Logger   *slog.Logger
	MasterID string
}

// New builds a Distributor from cfg.
func New(cfg Config) *Distributor {
	return &Distributor{
		store:    cfg.Store,
		bus:      cfg.Bus,
		workers:  cfg.Workers,
		starter:  cfg.Starter,
		log:      logging.Default(cfg.Logger).With("component", "distributor"),
		masterID: cfg.MasterID,
	}
}

// Subscribe wires the distributor to its EventBus triggers: new
// buildrequest, worker attached or idle, build finished. Each delivery
// nudges a fresh selection pass. A lock release is not a trigger:
// lockarbiter publishes no event on Release.
func (d *Distributor) Subscribe(ctx context.Context) []eventbus.Subscription {
	nudge := func(eventbus.Event) { d.Nudge(ctx) }
	return []eventbus.Subscription{
		d.bus.Subscribe([]string{"buildrequests", "*", "new"}, nudge),
		d.bus.Subscribe([]string{"workers", "*", "state", "attached"}, nudge),
		d.bus.Subscribe([]string{"workers", "*", "state", "idle"}, nudge),
		d.bus.Subscribe([]string{"builds", "*", "finished"}, nudge),
	}
}

// Nudge schedules a selection pass. Concurrent nudges while one is
// already running collapse into a single follow-up pass, mirroring the
// "maybeStartBuildsForAllBuilders" coalescing spec §4.9 describes.
func (d *Distributor) Nudge(ctx context.Context) {
	d.mu.Lock()
	if d.nudging {
		d.nudged = true
		d.mu.Unlock()
		return
	}
	d.nudging = true
	d.mu.Unlock()

	go d.runUntilQuiescent(ctx)
}

func (d *Distributor) runUntilQuiescent(ctx context.Context) {
	for {
		if err := d.MaybeStartBuildsForAllBuilders(ctx); err != nil {
			d.log.Warn("build selection pass failed", "err", err)
		}

		d.mu.Lock()
		if !d.nudged {
			d.nudging = false
			d.mu.Unlock()
			return
		}
		d.nudged = false
		d.mu.Unlock()
	}
}

// MaybeStartBuildsForAllBuilders runs one selection pass across every
// builder, starting as many builds as it can.
func (d *Distributor) MaybeStartBuildsForAllBuilders(ctx context.Context) error {
	builders, err := d.store.ListBuilders(ctx)
	if err != nil {
		return err
	}
	for _, b := range builders {
		if err := d.maybeStartBuildsForBuilder(ctx, b); err != nil {
			d.log.Warn("build selection failed for builder", "builder_id", b.ID, "err", err)
		}
	}
	return nil
}

func (d *Distributor) maybeStartBuildsForBuilder(ctx context.Context, b store.Builder) error {
	workers, err := d.eligibleWorkers(ctx, b)
	if err != nil || len(workers) == 0 {
		return err
	}

	for {
		pending, err := d.store.PendingBuildRequests(ctx, b.ID)
		if err != nil {
			return err
		}
		eligible := filterEligible(pending)
		if b.DoBuildIf != nil {
			kept := make([]store.BuildRequest, 0, len(eligible))
			for _, br := range eligible {
				if b.DoBuildIf(br) {
					kept = append(kept, br)
				}
			}
			eligible = kept
		}
		if len(eligible) == 0 {
			return nil
		}

		groups := collapse(eligible)
		if len(groups) == 0 {
			return nil
		}

		worker := workers[0] // round-robin across workers is a future refinement; one pass picks the first idle worker each time.
		group := groups[0]

		ids := make([]string, len(group))
		for i, r := range group {
			ids[i] = r.ID
		}

		claimed, err := d.store.ClaimBuildRequests(ctx, ids, d.masterID)
		if err != nil {
			if claimErrIsConflict(err) {
				// Another master (or a concurrent pass) won the race; the
				// next PendingBuildRequests call will reflect reality.
				continue
			}
			return err
		}

		if err := d.startBuild(ctx, b, worker, claimed); err != nil {
			return err
		}
		// Starting a build may have consumed the only idle worker for
		// this builder; recompute eligibility before the next loop.
		workers, err = d.eligibleWorkers(ctx, b)
		if err != nil || len(workers) == 0 {
			return err
		}
	}
}

func (d *Distributor) startBuild(ctx context.Context, b store.Builder, worker store.Worker, requests []store.BuildRequest) error {
	if d.workers != nil {
		if err := d.workers.MarkBuilding(ctx, worker.ID); err != nil {
			return err
		}
	}
	if d.starter != nil {
		d.starter.StartBuild(ctx, b, worker, requests)
	}
	return nil
}

// eligibleWorkers returns the subset of b's configured workers currently
// usable for a new build: connected-and-idle, or a latent worker not
// presently in quarantine (spec §4.7 rule 2).
func (d *Distributor) eligibleWorkers(ctx context.Context, b store.Builder) ([]store.Worker, error) {
	all, err := d.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(b.WorkerNames))
	for _, n := range b.WorkerNames {
		names[n] = true
	}

	var out []store.Worker
	for _, w := range all {
		if !names[w.Name] {
			continue
		}
		if w.State == store.WorkerBuilding {
			continue
		}
		if w.Latent {
			if w.QuarantineUntil.After(time.Now()) {
				continue
			}
			out = append(out, w)
			continue
		}
		if w.State == store.WorkerAttached || w.State == store.WorkerIdle {
			out = append(out, w)
		}
	}
	return out, nil
}

// filterEligible applies spec §4.7 rule 1: unclaimed and incomplete is
// already guaranteed by PendingBuildRequests; a request's waited_for
// parent (if any) is only ever created once that parent has finished
// (schedulerset's Dependent/Triggerable variants enforce this at
// submission time), so presence in the pending set already implies the
// parent is satisfied and no further filtering is needed here.
func filterEligible(pending []store.BuildRequest) []store.BuildRequest {
	return pending
}

// mergeKey returns the key collapse() groups requests by: requests with
// an identical codebase/branch/revision source-stamp set can share a
// Build (spec §4.7 rule 3).
func mergeKey(br store.BuildRequest) string {
	keys := make([]string, 0, len(br.Sources))
	for cb := range br.Sources {
		keys = append(keys, cb)
	}
	slices.Sort(keys)

	var sb strings.Builder
	for _, cb := range keys {
		ss := br.Sources[cb]
		sb.WriteString(cb)
		sb.WriteByte('=')
		sb.WriteString(ss.Branch)
		sb.WriteByte('@')
		sb.WriteString(ss.Revision)
		sb.WriteByte(';')
	}
	return sb.String()
}

// collapse groups eligible requests by mergeKey and orders both the
// groups and the requests within each group by (priority desc,
// submitted_at asc, id asc), per spec §4.7 rule 4.
func collapse(eligible []store.BuildRequest) [][]store.BuildRequest {
	groups := make(map[string][]store.BuildRequest)
	var order []string
	for _, br := range eligible {
		k := mergeKey(br)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], br)
	}

	out := make([][]store.BuildRequest, 0, len(order))
	for _, k := range order {
		g := groups[k]
		sort.Slice(g, func(i, j int) bool { return lessRequest(g[i], g[j]) })
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return lessRequest(out[i][0], out[j][0]) })
	return out
}

func lessRequest(a, b store.BuildRequest) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.ID < b.ID
}

// claimErrIsConflict reports whether err reflects another master (or a
// concurrent selection pass) having already claimed or completed one of
// the requested ids, in which case retrying with a fresh selection is
// the correct response rather than surfacing the error (spec §4.7).
func claimErrIsConflict(err error) bool {
	return errors.Is(err, store.ErrBuildRequestClaimed) || errors.Is(err, store.ErrNotFound)
}
