package buildrunner

import (
	"testing"

	"gastrolog-ci/internal/store"
)

func TestCombineStepResultFlunkOnFailure(t *testing.T) {
	step := store.Step{FlunkOnFailure: true}
	agg, terminate := CombineStepResult(store.ResultsSuccess, step, store.ResultsFailure)
	if agg != store.ResultsFailure {
		t.Fatalf("expected FAILURE, got %v", agg)
	}
	if terminate {
		t.Fatal("expected no termination without haltOnFailure")
	}
}

func TestCombineStepResultWarnOnFailure(t *testing.T) {
	step := store.Step{WarnOnFailure: true}
	agg, _ := CombineStepResult(store.ResultsSuccess, step, store.ResultsFailure)
	if agg != store.ResultsWarnings {
		t.Fatalf("expected WARNINGS, got %v", agg)
	}
}

func TestCombineStepResultFailureWithoutFlagsStaysSuccess(t *testing.T) {
	step := store.Step{}
	agg, _ := CombineStepResult(store.ResultsSuccess, step, store.ResultsFailure)
	if agg != store.ResultsSuccess {
		t.Fatalf("expected SUCCESS (no flags set), got %v", agg)
	}
}

func TestCombineStepResultHaltOnFailureTerminates(t *testing.T) {
	step := store.Step{HaltOnFailure: true, FlunkOnFailure: true}
	_, terminate := CombineStepResult(store.ResultsSuccess, step, store.ResultsFailure)
	if !terminate {
		t.Fatal("expected haltOnFailure to terminate on FAILURE")
	}
}

func TestCombineStepResultHaltOnFailureDoesNotTerminateOnWarnings(t *testing.T) {
	step := store.Step{HaltOnFailure: true}
	_, terminate := CombineStepResult(store.ResultsSuccess, step, store.ResultsWarnings)
	if terminate {
		t.Fatal("haltOnFailure must not terminate on WARNINGS")
	}
}

func TestCombineStepResultFlunkOnWarnings(t *testing.T) {
	step := store.Step{FlunkOnWarnings: true}
	agg, _ := CombineStepResult(store.ResultsSuccess, step, store.ResultsWarnings)
	if agg != store.ResultsFailure {
		t.Fatalf("expected FAILURE, got %v", agg)
	}
}

func TestCombineStepResultWarnOnWarnings(t *testing.T) {
	step := store.Step{WarnOnWarnings: true}
	agg, _ := CombineStepResult(store.ResultsSuccess, step, store.ResultsWarnings)
	if agg != store.ResultsWarnings {
		t.Fatalf("expected WARNINGS, got %v", agg)
	}
}

func TestCombineStepResultRetryIsSticky(t *testing.T) {
	step := store.Step{FlunkOnFailure: true}
	agg, _ := CombineStepResult(store.ResultsRetry, step, store.ResultsSuccess)
	if agg != store.ResultsRetry {
		t.Fatalf("expected RETRY to remain sticky, got %v", agg)
	}
}

func TestCombineStepResultRetryDominatesEvenFailure(t *testing.T) {
	step := store.Step{FlunkOnFailure: true}
	agg, _ := CombineStepResult(store.ResultsFailure, step, store.ResultsRetry)
	if agg != store.ResultsRetry {
		t.Fatalf("expected RETRY to dominate FAILURE, got %v", agg)
	}
}

func TestCombineStepResultCancelledPassesThroughUnmapped(t *testing.T) {
	step := store.Step{} // no flags set; CANCELLED must still register
	agg, _ := CombineStepResult(store.ResultsSuccess, step, store.ResultsCancelled)
	if agg != store.ResultsCancelled {
		t.Fatalf("expected CANCELLED to pass through, got %v", agg)
	}
}

func TestCombineStepResultMultipleStepsAccumulate(t *testing.T) {
	agg := store.ResultsSuccess
	steps := []struct {
		step   store.Step
		result store.Results
	}{
		{store.Step{FlunkOnFailure: true}, store.ResultsSuccess},
		{store.Step{WarnOnFailure: true}, store.ResultsFailure}, // -> WARNINGS
		{store.Step{FlunkOnFailure: true}, store.ResultsSuccess},
	}
	for _, s := range steps {
		agg, _ = CombineStepResult(agg, s.step, s.result)
	}
	if agg != store.ResultsWarnings {
		t.Fatalf("expected final WARNINGS, got %v", agg)
	}
}
