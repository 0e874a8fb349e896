// Package schedulerset implements the closed set of scheduler variants
// (spec §4.6): periodic/cron, single-branch, any-branch, dependent,
// triggerable, and force/try. It also owns try-job parsing, a dedicated
// variant fed by netstring- or JSON-framed submissions rather than
// Changes.
package schedulerset

import (
	"context"
	"log/slog"
	"time"

	"gastrolog-ci/internal/logging"
	"gastrolog-ci/internal/store"
)

// Scheduler is the common contract every variant satisfies (spec §4.6).
type Scheduler interface {
	// Name identifies the scheduler for logging and reconfiguration diffs.
	Name() string
	// Classify is a cheap predicate over a Change's attributes deciding
	// whether this scheduler reacts to it at all.
	Classify(ch store.Change) bool
	// OnTick drives timer-based variants; a no-op for change-triggered ones.
	OnTick(ctx context.Context, now time.Time) error
}

// SourceStampAdder is implemented by anything that can turn a set of
// source stamps into a new buildset — store.Store satisfies it directly.
type SourceStampAdder interface {
	AddBuildset(ctx context.Context, bs store.Buildset, requests []store.BuildRequest) (store.Buildset, []store.BuildRequest, error)
}

// AddBuildsetForSourceStamps is the shared helper every variant uses to
// turn a selection of source stamps and builder names into a buildset
// plus one buildrequest per builder (spec §4.6).
func AddBuildsetForSourceStamps(
	ctx context.Context,
	s SourceStampAdder,
	stamps []store.SourceStamp,
	builderIDs []string,
	reason string,
	properties map[string]store.Property,
	parentBuildID *string,
) (store.Buildset, []store.BuildRequest, error) {
	codebases := make(map[string]store.SourceStamp, len(stamps))
	for _, ss := range stamps {
		codebases[ss.Codebase] = ss
	}

	bs := store.Buildset{
		Reason:        reason,
		SourceStamps:  stamps,
		Properties:    properties,
		ParentBuildID: parentBuildID,
	}
	requests := make([]store.BuildRequest, len(builderIDs))
	for i, builderID := range builderIDs {
		requests[i] = store.BuildRequest{
			BuilderID: builderID,
			Sources:   codebases,
		}
	}
	return s.AddBuildset(ctx, bs, requests)
}

// intersectBuilders returns names present in both requested and allowed,
// preserving requested's order (spec §4.6: "intersected with the
// scheduler's configured allow-list").
func intersectBuilders(requested, allowed []string) []string {
	allowSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowSet[a] = true
	}
	out := make([]string, 0, len(requested))
	for _, r := range requested {
		if allowSet[r] {
			out = append(out, r)
		}
	}
	return out
}

func newLogger(logger *slog.Logger, name string) *slog.Logger {
	return logging.Default(logger).With("component", "schedulerset", "scheduler", name)
}
