package buildrunner

import "gastrolog-ci/internal/store"

// CombineStepResult folds one step's raw result into the build's running
// aggregate, applying the step's result-mapping flags before the
// worst-status merge (spec §4.8's result aggregation rules). terminate
// reports whether haltOnFailure fired, meaning the caller should skip
// every remaining step that isn't AlwaysRun.
func CombineStepResult(aggregate store.Results, step store.Step, stepResult store.Results) (newAggregate store.Results, terminate bool) {
	contribution := stepContribution(step, stepResult)
	newAggregate = store.WorstStatus(aggregate, contribution)

	if step.HaltOnFailure && stepResult != store.ResultsSuccess && stepResult != store.ResultsWarnings {
		terminate = true
	}
	return newAggregate, terminate
}

// stepContribution maps a step's raw result through its flunk/warn flags
// into the value that feeds the build-level worst_status merge. RETRY,
// CANCELLED, and EXCEPTION always pass through unmapped: they are
// master-level conditions (lost connection, explicit cancellation,
// internal error), not step outcomes a builder's flags can downgrade.
func stepContribution(step store.Step, stepResult store.Results) store.Results {
	switch stepResult {
	case store.ResultsFailure:
		switch {
		case step.FlunkOnFailure:
			return store.ResultsFailure
		case step.WarnOnFailure:
			return store.ResultsWarnings
		default:
			return store.ResultsSuccess
		}
	case store.ResultsWarnings:
		switch {
		case step.FlunkOnWarnings:
			return store.ResultsFailure
		case step.WarnOnWarnings:
			return store.ResultsWarnings
		default:
			return store.ResultsSuccess
		}
	default:
		return stepResult
	}
}
