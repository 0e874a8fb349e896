package botmaster

import (
	"context"
	"log/slog"

	"gastrolog-ci/internal/buildrunner"
	"gastrolog-ci/internal/store"
)

// StepFactory generates the step sequence for a build against builder b,
// given the buildrequests it collapses. Registered per builder name in
// Config.StepFactories; a builder with no registered factory still runs
// (substantiation, ping, lock acquisition, connection) but finishes with
// no steps executed.
type StepFactory func(b store.Builder, requests []store.BuildRequest) []buildrunner.StepSpec

// buildStarter adapts distributor.BuildStarter to buildrunner.Runner,
// closing the loop spec §4.7 leaves open: the distributor selects and
// claims, this dispatches the claimed group to the execution state
// machine that actually creates the Build record and runs it.
type buildStarter struct {
	runner    *buildrunner.Runner
	factories map[string]StepFactory
	logger    *slog.Logger
}

func (s *buildStarter) StartBuild(ctx context.Context, b store.Builder, worker store.Worker, requests []store.BuildRequest) {
	var steps []buildrunner.StepSpec
	if f, ok := s.factories[b.Name]; ok {
		steps = f(b, requests)
	}
	s.logger.Info("starting build", "builder", b.Name, "worker", worker.Name, "requests", len(requests), "steps", len(steps))
	s.runner.Start(ctx, buildrunner.BuildSpec{
		Builder:  b,
		Worker:   worker,
		Requests: requests,
		Steps:    steps,
	})
}
