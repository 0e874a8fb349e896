// Package buildsteps provides StepFactory implementations that botmaster
// can register per builder name. It is intentionally thin: the step
// sequencing, aggregation, and dynamic insertion machinery all live in
// buildrunner, this package only generates StepSpecs.
package buildsteps

import (
	"context"
	"fmt"
	"strings"

	"gastrolog-ci/internal/buildrunner"
	"gastrolog-ci/internal/store"
	"gastrolog-ci/internal/transport"
)

// Shell returns a StepSpec that runs command on the connected worker as
// a single shell invocation, mapping the transport result straight into
// a store.Results and persisting its combined stdio as the step's
// "stdio" log.
func Shell(name, command string) buildrunner.StepSpec {
	return buildrunner.StepSpec{
		Name:           name,
		HaltOnFailure:  true,
		FlunkOnFailure: true,
		Run: func(ctx context.Context, sc *buildrunner.StepContext) (store.Results, []string, error) {
			if sc.Conn == nil {
				return store.ResultsException, nil, fmt.Errorf("shell step %q: no worker connection", name)
			}
			res, err := sc.Conn.RemoteStartCommand(ctx, transport.Command{
				Kind: transport.CommandShell,
				Args: map[string]any{"command": command},
			})
			if err != nil {
				return store.ResultsException, nil, err
			}
			if logErr := appendStdio(ctx, sc, res.Log); logErr != nil {
				return store.Results(res.Results), nil, logErr
			}
			return store.Results(res.Results), nil, nil
		},
	}
}

// appendStdio persists a command's combined output as the step's stdio
// log, a no-op if the runner was built without a log pipeline. Failures
// to persist logs are surfaced but never change the step's Results: a
// command that ran and produced a result should not be marked failed
// just because its log couldn't be written.
func appendStdio(ctx context.Context, sc *buildrunner.StepContext, output []byte) error {
	if sc.Logs == nil || len(output) == 0 {
		return nil
	}
	l, err := sc.Logs.OpenLog(ctx, sc.StepID, "stdio", "stdio", store.LogTypeStdio)
	if err != nil {
		return fmt.Errorf("open stdio log: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(output), "\n"), "\n")
	if err := sc.Logs.Append(ctx, l.ID, lines); err != nil {
		return fmt.Errorf("append stdio log: %w", err)
	}
	return nil
}

// StaticShellFactory builds a buildrunner StepFactory that runs one
// shell step per command, in order, regardless of the builder or
// buildrequests passed in. It suits a builder whose steps are a fixed
// pipeline (lint, test, package) with no per-request customization.
func StaticShellFactory(commands ...string) func(store.Builder, []store.BuildRequest) []buildrunner.StepSpec {
	steps := make([]buildrunner.StepSpec, len(commands))
	for i, c := range commands {
		steps[i] = Shell(fmt.Sprintf("shell-%d", i+1), c)
	}
	return func(store.Builder, []store.BuildRequest) []buildrunner.StepSpec {
		return append([]buildrunner.StepSpec(nil), steps...)
	}
}
