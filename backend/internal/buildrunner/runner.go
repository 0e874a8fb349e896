// Package buildrunner drives the per-build state machine (spec §4.8):
// CREATED -> PREPARING_WORKER -> PINGING -> ACQUIRING_LOCKS -> BUILDING
// -> FINISHING. Each live build runs in its own context.Context-scoped
// goroutine, matching the control-flow shape of
// orchestrator.Orchestrator's per-ingester goroutines with cooperative
// context-cancel shutdown.
package buildrunner

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"gastrolog-ci/internal/clock"
	"gastrolog-ci/internal/eventbus"
	"gastrolog-ci/internal/lockarbiter"
	"gastrolog-ci/internal/logging"
	"gastrolog-ci/internal/logpipeline"
	"gastrolog-ci/internal/store"
	"gastrolog-ci/internal/transport"
	"gastrolog-ci/internal/workerregistry"
)

// State is the build's current position in the spec §4.8 lifecycle.
type State int

const (
	StateCreated State = iota
	StatePreparingWorker
	StatePinging
	StateAcquiringLocks
	StateBuilding
	StateFinishing
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StatePreparingWorker:
		return "PREPARING_WORKER"
	case StatePinging:
		return "PINGING"
	case StateAcquiringLocks:
		return "ACQUIRING_LOCKS"
	case StateBuilding:
		return "BUILDING"
	case StateFinishing:
		return "FINISHING"
	default:
		return "FINISHED"
	}
}

// ErrCannotSubstantiate is returned by a Substantiator to signal a
// terminal failure (spec: "failure(cannot_substantiate) ->
// FINISHED(EXCEPTION)"), distinct from a transient substantiation error
// that should retry.
var ErrCannotSubstantiate = errors.New("worker cannot be substantiated")

// StepContext is handed to a StepSpec's Run function: it carries the
// worker connection, properties, and the means to persist step output,
// and collects any dynamically declared follow-up steps.
type StepContext struct {
	Conn       *transport.IConnection
	Properties map[string]store.Property

	// StepID and Logs let a StepSpec's Run function open and append to
	// its own logs via Logs.OpenLog/Logs.Append. Logs is nil when the
	// Runner was built without a Config.Logs pipeline.
	StepID string
	Logs   *logpipeline.Pipeline

	mu           sync.Mutex
	afterCurrent []StepSpec
	afterLast    []StepSpec
}

// AddStepsAfterCurrent queues specs to run immediately after the
// currently executing step (spec §4.8).
func (sc *StepContext) AddStepsAfterCurrent(specs ...StepSpec) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.afterCurrent = append(sc.afterCurrent, specs...)
}

// AddStepsAfterLast queues specs to run after every currently queued
// step (spec §4.8).
func (sc *StepContext) AddStepsAfterLast(specs ...StepSpec) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.afterLast = append(sc.afterLast, specs...)
}

// StepSpec is one build step: a name, the result-aggregation flags spec
// §4.8 names, and the function that actually executes it.
type StepSpec struct {
	Name string

	HaltOnFailure   bool
	FlunkOnFailure  bool
	FlunkOnWarnings bool
	WarnOnFailure   bool
	WarnOnWarnings  bool
	AlwaysRun       bool

	Run func(ctx context.Context, sc *StepContext) (store.Results, []string, error)
}

// BuildSpec is everything the runner needs to execute one Build.
type BuildSpec struct {
	Builder  store.Builder
	Worker   store.Worker
	Requests []store.BuildRequest
	Changes  []store.Change // in source-stamp order, for property/owners merge

	MasterProperties map[string]store.Property
	Steps            []StepSpec
}

// ConnProvider resolves a live transport.IConnection for a worker ID.
type ConnProvider interface {
	Connection(ctx context.Context, workerID string) (*transport.IConnection, error)
}

// Runner executes BuildSpecs against store.Store, lockarbiter.Arbiter,
// and workerregistry.Registry, one goroutine per live build.
type Runner struct {
	store store.Store
	bus   *eventbus.Bus
	locks *lockarbiter.Arbiter
	reg   *workerregistry.Registry
	conns ConnProvider
	clock clock.Clock
	logs  *logpipeline.Pipeline
	log   *slog.Logger
}

// Config configures a Runner. Logs may be nil, in which case
// StepContext.Logs is nil for every step and StepSpecs that try to open
// a log must handle that themselves (buildsteps.Shell treats it as
// "don't persist stdio").
type Config struct {
	Store   store.Store
	Bus     *eventbus.Bus
	Locks   *lockarbiter.Arbiter
	Workers *workerregistry.Registry
	Conns   ConnProvider
	Clock   clock.Clock
	Logs    *logpipeline.Pipeline
	Logger  *slog.Logger
}

// New builds a Runner from cfg.
func New(cfg Config) *Runner {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Runner{
		store: cfg.Store,
		bus:   cfg.Bus,
		locks: cfg.Locks,
		reg:   cfg.Workers,
		conns: cfg.Conns,
		clock: cfg.Clock,
		logs:  cfg.Logs,
		log:   logging.Default(cfg.Logger).With("component", "buildrunner"),
	}
}

// Handle controls a running build: Stop requests cancellation, Done
// reports completion.
type Handle struct {
	cancel context.CancelFunc
	stop   sync.Once
	done   chan struct{}

	mu      sync.Mutex
	results store.Results
}

// Stop idempotently cancels the build (spec: "stopBuild ... is
// idempotent and re-entrant").
func (h *Handle) Stop() {
	h.stop.Do(h.cancel)
}

// Done returns a channel closed once the build has reached FINISHING and
// recorded its final result.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Results returns the build's final result. Only meaningful after Done
// has fired.
func (h *Handle) Results() store.Results {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.results
}

func (h *Handle) setResults(r store.Results) {
	h.mu.Lock()
	h.results = r
	h.mu.Unlock()
}

// Start launches spec as a new Build, returning immediately with a
// Handle; the state machine runs on its own goroutine until FINISHING.
func (r *Runner) Start(ctx context.Context, spec BuildSpec) *Handle {
	buildCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		results := r.run(buildCtx, spec)
		h.setResults(results)
	}()

	return h
}

// run executes the full lifecycle synchronously on the calling (per-build)
// goroutine and returns the final result.
func (r *Runner) run(ctx context.Context, spec BuildSpec) store.Results {
	build, err := r.store.AddBuild(ctx, store.Build{
		BuilderID:       spec.Builder.ID,
		WorkerID:        spec.Worker.ID,
		BuildRequestIDs: requestIDs(spec.Requests),
	})
	if err != nil {
		r.log.Error("failed to create build", "builder_id", spec.Builder.ID, "err", err)
		return store.ResultsException
	}

	props := mergeProperties(spec)
	if len(props) > 0 {
		if err := r.store.SetBuildProperties(ctx, build.ID, props); err != nil {
			r.log.Warn("failed to set build properties", "build_id", build.ID, "err", err)
		}
	}

	log := r.log.With("build_id", build.ID, "builder_id", spec.Builder.ID)

	// prepareWorker/ping manage the worker's own lifecycle transitions
	// (including quarantine on substantiation failure) internally via
	// workerregistry; finish must not re-touch worker state for a
	// failure that already happened there.
	if result, done := r.prepareWorker(ctx, spec, log); done {
		return r.finish(ctx, build.ID, spec, nil, result, false, log)
	}

	if result, done := r.ping(ctx, spec, log); done {
		return r.finish(ctx, build.ID, spec, nil, result, false, log)
	}

	acquired, result, done := r.acquireLocks(ctx, spec, log)
	if done {
		return r.finish(ctx, build.ID, spec, acquired, result, false, log)
	}

	conn, err := r.connection(ctx, spec)
	if err != nil {
		log.Warn("no connection for build", "worker_id", spec.Worker.ID, "err", err)
		return r.finish(ctx, build.ID, spec, acquired, store.ResultsRetry, false, log)
	}

	result = r.runSteps(ctx, build.ID, spec, conn, props, log)
	return r.finish(ctx, build.ID, spec, acquired, result, true, log)
}

// prepareWorker substantiates a latent worker if needed. done is true
// when the build should jump straight to FINISHING.
func (r *Runner) prepareWorker(ctx context.Context, spec BuildSpec, log *slog.Logger) (store.Results, bool) {
	if !spec.Worker.Latent || r.reg == nil {
		select {
		case <-ctx.Done():
			return store.ResultsCancelled, true
		default:
			return store.ResultsUnset, false
		}
	}

	err := r.reg.SubstantiateIfNeeded(ctx, spec.Worker.ID)
	if err == nil {
		return store.ResultsUnset, false
	}
	if ctx.Err() != nil {
		return store.ResultsCancelled, true
	}
	if errors.Is(err, ErrCannotSubstantiate) {
		log.Warn("worker cannot be substantiated", "worker_id", spec.Worker.ID, "err", err)
		return store.ResultsException, true
	}
	log.Warn("worker substantiation failed", "worker_id", spec.Worker.ID, "err", err)
	return store.ResultsRetry, true
}

func (r *Runner) ping(ctx context.Context, spec BuildSpec, log *slog.Logger) (store.Results, bool) {
	if r.reg == nil {
		return store.ResultsUnset, false
	}
	if err := r.reg.Ping(ctx, spec.Worker.ID); err != nil {
		log.Warn("worker ping failed", "worker_id", spec.Worker.ID, "err", err)
		return store.ResultsRetry, true
	}
	return store.ResultsUnset, false
}

// acquireLocks claims every lock spec.Builder.Locks requires, in order.
// It returns the locks successfully acquired (for release in finish)
// even when it returns done=true due to cancellation mid-wait.
func (r *Runner) acquireLocks(ctx context.Context, spec BuildSpec, log *slog.Logger) ([]store.LockRequirement, store.Results, bool) {
	if r.locks == nil {
		return nil, store.ResultsUnset, false
	}
	acquired := make([]store.LockRequirement, 0, len(spec.Builder.Locks))
	for _, req := range spec.Builder.Locks {
		access := req.Access
		if req.Lock.Scope == store.LockScopeWorker {
			access.WorkerID = spec.Worker.ID
		}
		if err := r.locks.Claim(ctx, req.Lock, access); err != nil {
			log.Info("lock wait cancelled", "lock", req.Lock.Name, "err", err)
			return acquired, store.ResultsCancelled, true
		}
		acquired = append(acquired, req)
	}
	return acquired, store.ResultsUnset, false
}

func (r *Runner) connection(ctx context.Context, spec BuildSpec) (*transport.IConnection, error) {
	if r.conns == nil {
		return nil, nil
	}
	return r.conns.Connection(ctx, spec.Worker.ID)
}

// runSteps executes the step queue in order, honoring dynamic insertions
// and the alwaysRun/haltOnFailure termination rules (spec §4.8).
func (r *Runner) runSteps(ctx context.Context, buildID string, spec BuildSpec, conn *transport.IConnection, props map[string]store.Property, log *slog.Logger) store.Results {
	queue := append([]StepSpec(nil), spec.Steps...)
	aggregate := store.ResultsSuccess
	terminate := false
	names := make(map[string]int) // base name -> count seen, for uniquification
	connLost := false

	var disconnected sync.Once
	lostCh := make(chan struct{})
	if conn != nil {
		conn.NotifyOnDisconnect(func(error) {
			disconnected.Do(func() { close(lostCh) })
		})
	}

	for i := 0; i < len(queue); i++ {
		spec := queue[i]
		if terminate && !spec.AlwaysRun {
			continue
		}

		name := uniquifyStepName(names, spec.Name)
		step, err := r.store.AddStep(ctx, store.Step{
			BuildID:         buildID,
			Name:            name,
			HaltOnFailure:   spec.HaltOnFailure,
			FlunkOnFailure:  spec.FlunkOnFailure,
			FlunkOnWarnings: spec.FlunkOnWarnings,
			WarnOnFailure:   spec.WarnOnFailure,
			WarnOnWarnings:  spec.WarnOnWarnings,
			AlwaysRun:       spec.AlwaysRun,
		})
		if err != nil {
			log.Error("failed to record step", "name", name, "err", err)
			continue
		}
		if err := r.store.StartStep(ctx, step.ID); err != nil {
			log.Warn("failed to mark step started", "step_id", step.ID, "err", err)
		}

		sc := &StepContext{Conn: conn, Properties: props, StepID: step.ID, Logs: r.logs}
		stepLost := (<-chan struct{})(lostCh)
		if connLost {
			stepLost = nil // loss already recorded; alwaysRun steps run to completion
		}
		result, urls, runErr := r.executeStep(ctx, spec, sc, stepLost)

		if err := r.store.FinishStep(ctx, step.ID, result, urls); err != nil {
			log.Warn("failed to record step finish", "step_id", step.ID, "err", err)
		}
		if runErr != nil {
			log.Warn("step execution error", "step_id", step.ID, "err", runErr)
		}

		var haltTerm bool
		aggregate, haltTerm = CombineStepResult(aggregate, step, result)
		terminate = terminate || haltTerm
		if errors.Is(runErr, transport.ErrConnectionLost) {
			connLost = true
		}
		if ctx.Err() != nil || connLost {
			terminate = true
		}

		sc.mu.Lock()
		after, last := sc.afterCurrent, sc.afterLast
		sc.mu.Unlock()
		if len(after) > 0 {
			tail := append(append([]StepSpec{}, after...), queue[i+1:]...)
			queue = append(queue[:i+1], tail...)
		}
		if len(last) > 0 {
			queue = append(queue, last...)
		}
	}

	return aggregate
}

// executeStep runs one step, interrupting it with a lost-connection
// result if the worker disconnects mid-step (spec §4.8's lost-connection
// handling: "forced to RETRY, and termination propagates").
func (r *Runner) executeStep(ctx context.Context, spec StepSpec, sc *StepContext, lostCh <-chan struct{}) (store.Results, []string, error) {
	if spec.Run == nil {
		return store.ResultsSuccess, nil, nil
	}

	resultCh := make(chan struct {
		result store.Results
		urls   []string
		err    error
	}, 1)
	go func() {
		result, urls, err := spec.Run(ctx, sc)
		resultCh <- struct {
			result store.Results
			urls   []string
			err    error
		}{result, urls, err}
	}()

	select {
	case out := <-resultCh:
		return out.result, out.urls, out.err
	case <-lostCh:
		return store.ResultsRetry, nil, transport.ErrConnectionLost
	case <-ctx.Done():
		<-resultCh // the step must still complete and yield control (spec §4.8 cancellation)
		return store.ResultsCancelled, nil, ctx.Err()
	}
}

func (r *Runner) finish(ctx context.Context, buildID string, spec BuildSpec, acquired []store.LockRequirement, results store.Results, updateWorker bool, log *slog.Logger) store.Results {
	for _, req := range acquired {
		access := req.Access
		if req.Lock.Scope == store.LockScopeWorker {
			access.WorkerID = spec.Worker.ID
		}
		if err := r.locks.Release(req.Lock, access); err != nil {
			log.Warn("failed to release lock", "lock", req.Lock.Name, "err", err)
		}
	}

	if err := r.store.FinishBuild(ctx, buildID, results); err != nil {
		log.Error("failed to record build finish", "err", err)
	}
	ids := requestIDs(spec.Requests)
	if len(ids) > 0 {
		if err := r.store.CompleteBuildRequests(ctx, ids, results); err != nil {
			log.Warn("failed to complete buildrequests", "err", err)
		}
	}

	if r.reg != nil && updateWorker {
		if results != store.ResultsRetry && results != store.ResultsException {
			r.reg.ResetQuarantine(spec.Worker.ID)
		}
		if err := r.reg.MarkIdle(ctx, spec.Worker.ID); err != nil {
			log.Warn("failed to mark worker idle", "worker_id", spec.Worker.ID, "err", err)
		}
	}

	return results
}

func requestIDs(reqs []store.BuildRequest) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.ID
	}
	return out
}

// uniquifyStepName appends "_<n>" on collision, scoped to the base name
// (spec §4.8 step naming). The authoritative uniquification also happens
// in store.Store.AddStep; this mirror lets runSteps label steps
// consistently before the store assigns IDs.
func uniquifyStepName(seen map[string]int, base string) string {
	n := seen[base]
	seen[base] = n + 1
	if n == 0 {
		return base
	}
	return base + "_" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := make([]byte, 0, 4)
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// mergeProperties merges properties in the order master -> changes ->
// buildrequests -> builder-config, later sources overriding earlier
// ones. Worker properties are not part of the merge.
func mergeProperties(spec BuildSpec) map[string]store.Property {
	out := make(map[string]store.Property)
	for k, v := range spec.MasterProperties {
		out[k] = v
	}
	for _, ch := range spec.Changes {
		for k, v := range ch.Properties {
			out[k] = v
		}
	}
	// Sort requests for determinism: submitted_at asc, id asc.
	reqs := append([]store.BuildRequest(nil), spec.Requests...)
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].SubmittedAt.Equal(reqs[j].SubmittedAt) {
			return reqs[i].SubmittedAt.Before(reqs[j].SubmittedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
	for _, br := range reqs {
		for k, v := range br.Properties {
			out[k] = v
		}
	}
	for k, v := range spec.Builder.Env {
		out[k] = store.Property{Value: v, Source: "Builder"}
	}
	return out
}

// Owners returns the sorted, de-duplicated union of change authors and
// buildrequest owner properties (spec §4.8). Patch authors are not
// included: store.Patch carries no author.
func Owners(spec BuildSpec) []string {
	set := make(map[string]struct{})
	for _, ch := range spec.Changes {
		if ch.Who != "" {
			set[ch.Who] = struct{}{}
		}
	}
	for _, br := range spec.Requests {
		if br.Owner != "" {
			set[br.Owner] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for w := range set {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}
