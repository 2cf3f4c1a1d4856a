package orchestrator

// Phase is one state of a migration run. Phases are persisted to the
// registry row so a resumed run knows where the previous process stopped.
type Phase string

const (
	PhaseInit        Phase = "init"
	PhaseCapturing   Phase = "capturing_installed"
	PhaseBackfilling Phase = "backfilling"
	PhaseReplaying   Phase = "replaying"
	PhaseQuiescence  Phase = "quiescence_check"
	PhaseCutover     Phase = "cutover"
	PhaseCleanup     Phase = "cleanup"
	PhaseDone        Phase = "done"
	PhaseAborting    Phase = "aborting"
	PhaseAborted     Phase = "aborted"
	PhaseFailed      Phase = "failed"
)

// transitions lists the forward edges of the state machine. Aborting is
// reachable from every pre-cutover state; a cutover failure is Failed, not
// Aborting, because a partial rename is not safely reversible.
var transitions = map[Phase][]Phase{
	PhaseInit:        {PhaseCapturing, PhaseAborting, PhaseFailed},
	PhaseCapturing:   {PhaseBackfilling, PhaseAborting, PhaseFailed},
	PhaseBackfilling: {PhaseReplaying, PhaseAborting, PhaseFailed},
	PhaseReplaying:   {PhaseQuiescence, PhaseAborting, PhaseFailed},
	PhaseQuiescence:  {PhaseCutover, PhaseCleanup, PhaseAborting, PhaseFailed},
	PhaseCutover:     {PhaseCleanup, PhaseFailed},
	PhaseCleanup:     {PhaseDone},
	PhaseAborting:    {PhaseAborted},
	PhaseDone:        nil,
	PhaseAborted:     nil,
	PhaseFailed:      nil,
}

// CanEnter reports whether next is a legal successor of p.
func (p Phase) CanEnter(next Phase) bool {
	for _, n := range transitions[p] {
		if n == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the phase has no successors.
func (p Phase) Terminal() bool {
	return len(transitions[p]) == 0
}

// PreCutover reports whether aborting is still safe: the source table has
// not yet been touched by a rename.
func (p Phase) PreCutover() bool {
	switch p {
	case PhaseInit, PhaseCapturing, PhaseBackfilling, PhaseReplaying, PhaseQuiescence:
		return true
	}
	return false
}
