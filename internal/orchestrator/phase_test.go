package orchestrator

import "testing"

func TestHappyPath(t *testing.T) {
	path := []Phase{
		PhaseInit, PhaseCapturing, PhaseBackfilling, PhaseReplaying,
		PhaseQuiescence, PhaseCutover, PhaseCleanup, PhaseDone,
	}
	for i := 0; i < len(path)-1; i++ {
		if !path[i].CanEnter(path[i+1]) {
			t.Errorf("CanEnter(%s -> %s) = false, want true", path[i], path[i+1])
		}
	}
}

func TestDryRunSkipsCutover(t *testing.T) {
	if !PhaseQuiescence.CanEnter(PhaseCleanup) {
		t.Error("a converged dry run must go straight to cleanup")
	}
}

func TestAbortReachableBeforeCutoverOnly(t *testing.T) {
	for _, p := range []Phase{PhaseInit, PhaseCapturing, PhaseBackfilling, PhaseReplaying, PhaseQuiescence} {
		if !p.CanEnter(PhaseAborting) {
			t.Errorf("CanEnter(%s -> aborting) = false, want true", p)
		}
		if !p.PreCutover() {
			t.Errorf("PreCutover(%s) = false, want true", p)
		}
	}
	// Once renames may have committed, rollback is no longer safe.
	for _, p := range []Phase{PhaseCutover, PhaseCleanup, PhaseDone, PhaseFailed, PhaseAborted} {
		if p.CanEnter(PhaseAborting) {
			t.Errorf("CanEnter(%s -> aborting) = true, want false", p)
		}
		if p.PreCutover() {
			t.Errorf("PreCutover(%s) = true, want false", p)
		}
	}
}

func TestCutoverFailureIsFailedNotAborted(t *testing.T) {
	if !PhaseCutover.CanEnter(PhaseFailed) {
		t.Error("CanEnter(cutover -> failed) = false, want true")
	}
	if PhaseCutover.CanEnter(PhaseAborted) {
		t.Error("CanEnter(cutover -> aborted) = true, want false")
	}
}

func TestTerminalPhases(t *testing.T) {
	for _, p := range []Phase{PhaseDone, PhaseAborted, PhaseFailed} {
		if !p.Terminal() {
			t.Errorf("Terminal(%s) = false, want true", p)
		}
	}
	for _, p := range []Phase{PhaseInit, PhaseQuiescence, PhaseCutover, PhaseAborting} {
		if p.Terminal() {
			t.Errorf("Terminal(%s) = true, want false", p)
		}
	}
}

func TestNoBackwardEdges(t *testing.T) {
	order := map[Phase]int{
		PhaseInit: 0, PhaseCapturing: 1, PhaseBackfilling: 2, PhaseReplaying: 3,
		PhaseQuiescence: 4, PhaseCutover: 5, PhaseCleanup: 6, PhaseDone: 7,
	}
	for from, rank := range order {
		for to, toRank := range order {
			if toRank <= rank && from.CanEnter(to) {
				t.Errorf("backward edge %s -> %s", from, to)
			}
		}
	}
}

func TestUnknownPhaseHasNoTransitions(t *testing.T) {
	bogus := Phase("rollback")
	if bogus.CanEnter(PhaseDone) {
		t.Error("unknown phases must not transition anywhere")
	}
	if !bogus.Terminal() {
		t.Error("unknown phases are terminal")
	}
}
