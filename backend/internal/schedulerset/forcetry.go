package schedulerset

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gastrolog-ci/internal/store"
)

// ForceTry is the user-initiated variant: it takes a parsed TryJob
// directly (from the netstring or JSON wire format, see tryjob.go) rather
// than reacting to a Change or a timer.
type ForceTry struct {
	NameStr string
	Allowed []string // configured builder allow-list, by name
	Store   SourceStampAdder
	Logger  *slog.Logger
}

var _ Scheduler = (*ForceTry)(nil)

func (s *ForceTry) Name() string { return s.NameStr }

func (s *ForceTry) Classify(ch store.Change) bool { return false }

func (s *ForceTry) OnTick(ctx context.Context, now time.Time) error { return nil }

// builderNameToID resolves the builder names a TryJob requested into the
// builder IDs store.AddBuildset expects.
type builderNameToID interface {
	ListBuilders(ctx context.Context) ([]store.Builder, error)
}

// Submit parses nothing itself (see ParseTryJob); it takes an already
// parsed TryJob, intersects its requested builders with the allow-list,
// and creates a buildset. An empty intersection silently skips buildset
// creation (spec §4.6).
func (s *ForceTry) Submit(ctx context.Context, resolver builderNameToID, job TryJob) (store.Buildset, bool, error) {
	names := intersectBuilders(job.Builders, s.Allowed)
	if len(names) == 0 {
		return store.Buildset{}, false, nil
	}

	builders, err := resolver.ListBuilders(ctx)
	if err != nil {
		return store.Buildset{}, false, err
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var builderIDs []string
	for _, b := range builders {
		if wanted[b.Name] {
			builderIDs = append(builderIDs, b.ID)
		}
	}
	if len(builderIDs) == 0 {
		return store.Buildset{}, false, nil
	}

	ss := store.SourceStamp{
		Branch:     job.Branch,
		Revision:   job.BaseRev,
		Repository: job.Repository,
		Project:    job.Project,
	}
	if job.PatchBody != "" {
		ss.Patch = &store.Patch{Level: job.PatchLevel, Body: job.PatchBody}
	}

	props := make(map[string]store.Property, len(job.Properties))
	for k, v := range job.Properties {
		props[k] = store.Property{Value: v, Source: "try build"}
	}

	reason := fmt.Sprintf("'try' job by user %s (%s)", job.Who, job.Comment)
	bs, _, err := AddBuildsetForSourceStamps(ctx, s.Store, []store.SourceStamp{ss}, builderIDs, reason, props, nil)
	return bs, true, err
}
