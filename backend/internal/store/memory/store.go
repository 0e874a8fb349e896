// Package memory provides an in-memory store.Store implementation.
// It is the reference DataStore for this core: spec §1 places the
// persistent storage engine choice out of scope, so no SQL backend is
// shipped — every other component is built and tested against this
// implementation, grounded on gastrolog's config/memory/store.go
// mutex-guarded map-of-entities idiom.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"gastrolog-ci/internal/eventbus"
	"gastrolog-ci/internal/store"
)

// Store is an in-memory, event-publishing store.Store implementation.
type Store struct {
	mu sync.Mutex

	builders      map[string]store.Builder
	buildsets     map[string]store.Buildset
	buildrequests map[string]store.BuildRequest
	builds        map[string]store.Build
	steps         map[string]store.Step
	stepsByBuild  map[string][]string // buildID -> ordered step IDs
	logs          map[string]store.Log
	logChunks     map[string][]store.LogChunk // logID -> chunks, sorted by FirstLine
	workers       map[string]store.Worker
	projectIDs    map[string]string // name -> id

	buildNumbers map[string]int // builderID -> next build number

	bus *eventbus.Bus
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty Store. bus may be nil (events are then dropped).
func New(bus *eventbus.Bus, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		builders:      make(map[string]store.Builder),
		buildsets:     make(map[string]store.Buildset),
		buildrequests: make(map[string]store.BuildRequest),
		builds:        make(map[string]store.Build),
		steps:         make(map[string]store.Step),
		stepsByBuild:  make(map[string][]string),
		logs:          make(map[string]store.Log),
		logChunks:     make(map[string][]store.LogChunk),
		workers:       make(map[string]store.Worker),
		projectIDs:    make(map[string]string),
		buildNumbers:  make(map[string]int),
		bus:           bus,
		now:           now,
	}
}

func (s *Store) publish(key []string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(key, payload)
}

// ---------- builders ----------

func (s *Store) UpdateBuilderInfo(ctx context.Context, b store.Builder) error {
	s.mu.Lock()
	if b.ID == "" {
		b.ID = store.NewID()
	}
	s.builders[b.ID] = b
	s.mu.Unlock()
	s.publish([]string{"builders", b.ID, "update"}, b)
	return nil
}

func (s *Store) GetBuilder(ctx context.Context, id string) (store.Builder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builders[id]
	if !ok {
		return store.Builder{}, fmt.Errorf("builder %s: %w", id, store.ErrNotFound)
	}
	return b, nil
}

func (s *Store) ListBuilders(ctx context.Context) ([]store.Builder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Builder, 0, len(s.builders))
	for _, b := range s.builders {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b store.Builder) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *Store) FindProjectID(ctx context.Context, name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.projectIDs[name]
	if !ok {
		id = store.NewID()
		s.projectIDs[name] = id
	}
	return id, ok, nil
}

// ---------- buildsets / buildrequests ----------

func (s *Store) AddBuildset(ctx context.Context, bs store.Buildset, requests []store.BuildRequest) (store.Buildset, []store.BuildRequest, error) {
	s.mu.Lock()
	if bs.ID == "" {
		bs.ID = store.NewID()
	}
	if bs.SubmittedAt.IsZero() {
		bs.SubmittedAt = s.now()
	}
	s.buildsets[bs.ID] = bs

	out := make([]store.BuildRequest, len(requests))
	for i, br := range requests {
		if br.ID == "" {
			br.ID = store.NewID()
		}
		br.BuildsetID = bs.ID
		if br.SubmittedAt.IsZero() {
			br.SubmittedAt = bs.SubmittedAt
		}
		s.buildrequests[br.ID] = br
		out[i] = br
	}
	s.mu.Unlock()

	// Buildset persistence happens before the "new" event is published
	// (spec §5 ordering guarantee) — already true here since the mutex
	// section above completed before we publish.
	s.publish([]string{"buildsets", bs.ID, "new"}, bs)
	for _, br := range out {
		s.publish([]string{"buildrequests", br.ID, "new"}, br)
	}
	return bs, out, nil
}

func (s *Store) GetBuildRequest(ctx context.Context, id string) (store.BuildRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	br, ok := s.buildrequests[id]
	if !ok {
		return store.BuildRequest{}, fmt.Errorf("buildrequest %s: %w", id, store.ErrNotFound)
	}
	return br, nil
}

func (s *Store) PendingBuildRequests(ctx context.Context, builderID string) ([]store.BuildRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.BuildRequest, 0)
	for _, br := range s.buildrequests {
		if br.BuilderID == builderID && br.Claim == nil && !br.Complete {
			out = append(out, br)
		}
	}
	slices.SortFunc(out, func(a, b store.BuildRequest) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority // desc
		}
		if a.SubmittedAt.Before(b.SubmittedAt) {
			return -1
		}
		if a.SubmittedAt.After(b.SubmittedAt) {
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

// ClaimBuildRequests claims all-or-nothing: if any id is missing,
// already claimed, or complete, no claim is made; a missing id returns
// ErrNotFound, a claimed or complete one ErrBuildRequestClaimed (spec
// §4.7: "either claims all or none").
func (s *Store) ClaimBuildRequests(ctx context.Context, ids []string, masterID string) ([]store.BuildRequest, error) {
	s.mu.Lock()
	for _, id := range ids {
		br, ok := s.buildrequests[id]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("buildrequest %s: %w", id, store.ErrNotFound)
		}
		if br.Claim != nil || br.Complete {
			s.mu.Unlock()
			return nil, fmt.Errorf("buildrequest %s: %w", id, store.ErrBuildRequestClaimed)
		}
	}

	now := s.now()
	out := make([]store.BuildRequest, len(ids))
	for i, id := range ids {
		br := s.buildrequests[id]
		br.Claim = &store.Claim{MasterID: masterID, ClaimedAt: now}
		s.buildrequests[id] = br
		out[i] = br
	}
	s.mu.Unlock()

	for _, br := range out {
		s.publish([]string{"buildrequests", br.ID, "claimed"}, br)
	}
	return out, nil
}

func (s *Store) CompleteBuildRequests(ctx context.Context, ids []string, results store.Results) error {
	s.mu.Lock()
	for _, id := range ids {
		br, ok := s.buildrequests[id]
		if !ok {
			continue
		}
		br.Complete = true
		br.Results = results
		s.buildrequests[id] = br
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.publish([]string{"buildrequests", id, "complete"}, results)
	}
	return nil
}

// ---------- builds ----------

func (s *Store) AddBuild(ctx context.Context, b store.Build) (store.Build, error) {
	s.mu.Lock()
	if b.ID == "" {
		b.ID = store.NewID()
	}
	if b.StartedAt.IsZero() {
		b.StartedAt = s.now()
	}
	s.buildNumbers[b.BuilderID]++
	b.Number = s.buildNumbers[b.BuilderID]
	s.builds[b.ID] = b
	s.mu.Unlock()

	s.publish([]string{"builds", b.ID, "new"}, b)
	return b, nil
}

func (s *Store) GetBuild(ctx context.Context, id string) (store.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return store.Build{}, fmt.Errorf("build %s: %w", id, store.ErrNotFound)
	}
	return b, nil
}

func (s *Store) SetBuildStateString(ctx context.Context, buildID, str string) error {
	s.mu.Lock()
	b, ok := s.builds[buildID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("build %s: %w", buildID, store.ErrNotFound)
	}
	b.StateString = str
	s.builds[buildID] = b
	s.mu.Unlock()
	s.publish([]string{"builds", buildID, "update"}, b)
	return nil
}

func (s *Store) SetBuildProperties(ctx context.Context, buildID string, props map[string]store.Property) error {
	s.mu.Lock()
	b, ok := s.builds[buildID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("build %s: %w", buildID, store.ErrNotFound)
	}
	if b.Properties == nil {
		b.Properties = make(map[string]store.Property, len(props))
	}
	for k, v := range props {
		b.Properties[k] = v
	}
	s.builds[buildID] = b
	s.mu.Unlock()
	s.publish([]string{"builds", buildID, "properties", "update"}, props)
	return nil
}

func (s *Store) AddBuildLocksDuration(ctx context.Context, buildID string, d time.Duration) error {
	s.mu.Lock()
	b, ok := s.builds[buildID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("build %s: %w", buildID, store.ErrNotFound)
	}
	b.LocksDurationS += d.Seconds()
	s.builds[buildID] = b
	s.mu.Unlock()
	return nil
}

func (s *Store) FinishBuild(ctx context.Context, buildID string, results store.Results) error {
	s.mu.Lock()
	b, ok := s.builds[buildID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("build %s: %w", buildID, store.ErrNotFound)
	}
	b.Complete = true
	b.Results = results
	s.builds[buildID] = b
	s.mu.Unlock()
	s.publish([]string{"builds", buildID, "finished"}, b)
	return nil
}

// ---------- steps ----------

func (s *Store) AddStep(ctx context.Context, step store.Step) (store.Step, error) {
	s.mu.Lock()
	if step.ID == "" {
		step.ID = store.NewID()
	}
	step.Name = s.uniquifyStepNameLocked(step.BuildID, step.Name)
	step.Number = len(s.stepsByBuild[step.BuildID]) + 1
	s.steps[step.ID] = step
	s.stepsByBuild[step.BuildID] = append(s.stepsByBuild[step.BuildID], step.ID)
	s.mu.Unlock()
	s.publish([]string{"steps", step.ID, "new"}, step)
	return step, nil
}

// uniquifyStepNameLocked appends "_<n>" on collision, per spec §4.8.
// Caller must hold s.mu.
func (s *Store) uniquifyStepNameLocked(buildID, name string) string {
	used := make(map[string]bool)
	for _, id := range s.stepsByBuild[buildID] {
		used[s.steps[id].Name] = true
	}
	if !used[name] {
		return name
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d", name, n)
		if !used[candidate] {
			return candidate
		}
	}
}

func (s *Store) StartStep(ctx context.Context, stepID string) error {
	s.mu.Lock()
	step, ok := s.steps[stepID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("step %s: %w", stepID, store.ErrNotFound)
	}
	step.StartedAt = s.now()
	s.steps[stepID] = step
	s.mu.Unlock()
	s.publish([]string{"steps", stepID, "started"}, step)
	return nil
}

func (s *Store) SetStepLocksAcquiredAt(ctx context.Context, stepID string, t time.Time) error {
	s.mu.Lock()
	step, ok := s.steps[stepID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("step %s: %w", stepID, store.ErrNotFound)
	}
	step.LocksAcquired = &t
	s.steps[stepID] = step
	s.mu.Unlock()
	s.publish([]string{"steps", stepID, "locks_acquired"}, step)
	return nil
}

func (s *Store) FinishStep(ctx context.Context, stepID string, results store.Results, urls []string) error {
	s.mu.Lock()
	step, ok := s.steps[stepID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("step %s: %w", stepID, store.ErrNotFound)
	}
	step.Complete = true
	step.Results = results
	step.URLs = urls
	s.steps[stepID] = step
	s.mu.Unlock()
	s.publish([]string{"steps", stepID, "finished"}, step)
	return nil
}

func (s *Store) ListSteps(ctx context.Context, buildID string) ([]store.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.stepsByBuild[buildID]
	out := make([]store.Step, len(ids))
	for i, id := range ids {
		out[i] = s.steps[id]
	}
	return out, nil
}

// ---------- logs ----------

func (s *Store) AddLog(ctx context.Context, l store.Log) (store.Log, error) {
	s.mu.Lock()
	if l.ID == "" {
		l.ID = store.NewID()
	}
	for _, existing := range s.logs {
		if existing.StepID == l.StepID && existing.Slug == l.Slug {
			s.mu.Unlock()
			return store.Log{}, fmt.Errorf("step %s slug %s: %w", l.StepID, l.Slug, store.ErrLogSlugExists)
		}
	}
	s.logs[l.ID] = l
	s.mu.Unlock()
	s.publish([]string{"logs", l.ID, "new"}, l)
	return l, nil
}

func (s *Store) GetLog(ctx context.Context, id string) (store.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return store.Log{}, fmt.Errorf("log %s: %w", id, store.ErrNotFound)
	}
	return l, nil
}

func (s *Store) FinishLog(ctx context.Context, logID string) error {
	s.mu.Lock()
	l, ok := s.logs[logID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("log %s: %w", logID, store.ErrNotFound)
	}
	l.Complete = true
	s.logs[logID] = l
	s.mu.Unlock()
	s.publish([]string{"logs", logID, "finished"}, l)
	return nil
}

func (s *Store) SetLogType(ctx context.Context, logID string, t store.LogType) error {
	s.mu.Lock()
	l, ok := s.logs[logID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("log %s: %w", logID, store.ErrNotFound)
	}
	l.Type = t
	s.logs[logID] = l
	s.mu.Unlock()
	return nil
}

func (s *Store) SetLogNumLines(ctx context.Context, logID string, n int64) error {
	s.mu.Lock()
	l, ok := s.logs[logID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("log %s: %w", logID, store.ErrNotFound)
	}
	l.NumLines = n
	s.logs[logID] = l
	s.mu.Unlock()
	return nil
}

func (s *Store) AppendLogChunk(ctx context.Context, c store.LogChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.logChunks[c.LogID]
	if len(existing) > 0 {
		last := existing[len(existing)-1]
		if c.FirstLine != last.LastLine+1 {
			return fmt.Errorf("log %s: chunk first_line %d does not follow previous last_line %d", c.LogID, c.FirstLine, last.LastLine)
		}
	} else if c.FirstLine != 0 {
		return fmt.Errorf("log %s: first chunk must start at line 0, got %d", c.LogID, c.FirstLine)
	}
	s.logChunks[c.LogID] = append(existing, c)
	return nil
}

func (s *Store) GetLogChunks(ctx context.Context, logID string, first, last int64) ([]store.LogChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.LogChunk
	for _, c := range s.logChunks[logID] {
		if c.LastLine < first || c.FirstLine > last {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// ReplaceLogChunks atomically swaps a log's chunk set, used by Compress
// to re-pack chunks. Spec invariant 4 (contiguous coverage) is preserved
// by construction: callers must pass a chunk set covering the same range.
func (s *Store) ReplaceLogChunks(ctx context.Context, logID string, chunks []store.LogChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logChunks[logID] = slices.Clone(chunks)
	return nil
}

func (s *Store) DeleteLogChunks(ctx context.Context, logID string) error {
	s.mu.Lock()
	delete(s.logChunks, logID)
	l, ok := s.logs[logID]
	if ok {
		l.Type = store.LogTypeDeleted
		s.logs[logID] = l
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) LogsForStepsStartedBefore(ctx context.Context, cutoff time.Time) ([]store.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Log
	for _, l := range s.logs {
		step, ok := s.steps[l.StepID]
		if !ok {
			continue
		}
		if step.StartedAt.Before(cutoff) && l.Type != store.LogTypeDeleted {
			out = append(out, l)
		}
	}
	return out, nil
}

// ---------- workers ----------

func (s *Store) UpsertWorker(ctx context.Context, w store.Worker) error {
	s.mu.Lock()
	if w.ID == "" {
		w.ID = store.NewID()
	}
	s.workers[w.ID] = w
	s.mu.Unlock()
	s.publish([]string{"workers", w.ID, "update"}, w)
	return nil
}

func (s *Store) GetWorker(ctx context.Context, id string) (store.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return store.Worker{}, fmt.Errorf("worker %s: %w", id, store.ErrNotFound)
	}
	return w, nil
}

func (s *Store) ListWorkers(ctx context.Context) ([]store.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out, nil
}
