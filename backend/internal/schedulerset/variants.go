package schedulerset

import (
	"context"
	"log/slog"
	"time"

	"gastrolog-ci/internal/store"
)

// SingleBranch fires a buildset whenever a Change lands on one specific
// branch of one specific codebase.
type SingleBranch struct {
	NameStr    string
	Codebase   string
	Branch     string
	Project    string
	BuilderIDs []string
	Store      SourceStampAdder
	Logger     *slog.Logger
}

var _ Scheduler = (*SingleBranch)(nil)

func (s *SingleBranch) Name() string { return s.NameStr }

func (s *SingleBranch) Classify(ch store.Change) bool {
	if s.Codebase != "" && ch.SourceStamp.Codebase != s.Codebase {
		return false
	}
	if s.Project != "" && ch.SourceStamp.Project != s.Project {
		return false
	}
	return ch.SourceStamp.Branch == s.Branch
}

func (s *SingleBranch) OnTick(ctx context.Context, now time.Time) error { return nil }

// OnChange submits a buildset for ch if Classify accepts it.
func (s *SingleBranch) OnChange(ctx context.Context, ch store.Change) (store.Buildset, error) {
	if !s.Classify(ch) {
		return store.Buildset{}, nil
	}
	bs, _, err := AddBuildsetForSourceStamps(ctx, s.Store, []store.SourceStamp{ch.SourceStamp}, s.BuilderIDs, "changes", ch.Properties, nil)
	return bs, err
}

// AnyBranch fires for Changes on any branch of its configured codebase(s),
// optionally excluding a filter list.
type AnyBranch struct {
	NameStr        string
	Codebase       string
	ExcludeBranches []string
	BuilderIDs     []string
	Store          SourceStampAdder
	Logger         *slog.Logger
}

var _ Scheduler = (*AnyBranch)(nil)

func (s *AnyBranch) Name() string { return s.NameStr }

func (s *AnyBranch) Classify(ch store.Change) bool {
	if s.Codebase != "" && ch.SourceStamp.Codebase != s.Codebase {
		return false
	}
	for _, excl := range s.ExcludeBranches {
		if ch.SourceStamp.Branch == excl {
			return false
		}
	}
	return true
}

func (s *AnyBranch) OnTick(ctx context.Context, now time.Time) error { return nil }

func (s *AnyBranch) OnChange(ctx context.Context, ch store.Change) (store.Buildset, error) {
	if !s.Classify(ch) {
		return store.Buildset{}, nil
	}
	bs, _, err := AddBuildsetForSourceStamps(ctx, s.Store, []store.SourceStamp{ch.SourceStamp}, s.BuilderIDs, "changes", ch.Properties, nil)
	return bs, err
}

// UpstreamResultProvider reports the most recent completed result for an
// upstream builder, used by Dependent to decide whether to fire.
type UpstreamResultProvider interface {
	LatestResult(ctx context.Context, builderID string) (store.Results, bool, error)
}

// Dependent fires a buildset once its upstream builder succeeds (spec
// §4.6's "dependent (fires on success of another)"). The buildset
// carries the triggering build's properties and records that build as
// its parent; it carries no source stamps.
type Dependent struct {
	NameStr        string
	UpstreamBuilderID string
	BuilderIDs     []string
	Store          SourceStampAdder
	Logger         *slog.Logger
}

var _ Scheduler = (*Dependent)(nil)

func (s *Dependent) Name() string { return s.NameStr }

func (s *Dependent) Classify(ch store.Change) bool { return false }

func (s *Dependent) OnTick(ctx context.Context, now time.Time) error { return nil }

// OnUpstreamFinished is called by whoever watches the upstream builder's
// eventbus "builds"/"finished" events. It fires only on SUCCESS or
// WARNINGS (non-terminal-failure results do not cascade).
func (s *Dependent) OnUpstreamFinished(ctx context.Context, build store.Build) (store.Buildset, bool, error) {
	if build.BuilderID != s.UpstreamBuilderID {
		return store.Buildset{}, false, nil
	}
	if build.Results != store.ResultsSuccess && build.Results != store.ResultsWarnings {
		return store.Buildset{}, false, nil
	}
	buildID := build.ID
	bs, _, err := AddBuildsetForSourceStamps(ctx, s.Store, nil, s.BuilderIDs, "upstream", build.Properties, &buildID)
	if err != nil {
		return store.Buildset{}, false, err
	}
	return bs, true, nil
}

// Triggerable is fired programmatically by a running build's "trigger"
// step rather than by a Change or a timer.
type Triggerable struct {
	NameStr    string
	BuilderIDs []string
	Store      SourceStampAdder
	Logger     *slog.Logger
}

var _ Scheduler = (*Triggerable)(nil)

func (s *Triggerable) Name() string { return s.NameStr }

func (s *Triggerable) Classify(ch store.Change) bool { return false }

func (s *Triggerable) OnTick(ctx context.Context, now time.Time) error { return nil }

// Trigger submits a buildset for the given source stamps immediately,
// returning the new buildset's ID for the triggering step to wait on.
func (s *Triggerable) Trigger(ctx context.Context, stamps []store.SourceStamp, properties map[string]store.Property, parentBuildID *string) (store.Buildset, []store.BuildRequest, error) {
	return AddBuildsetForSourceStamps(ctx, s.Store, stamps, s.BuilderIDs, "triggered", properties, parentBuildID)
}
