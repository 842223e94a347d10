package rollout

import (
	"errors"
	"fmt"
)

// Phase is one state of the rollout machine. The legal transitions are:
// Idle         → Lock
// Lock         → Build
// Build        → StartMain
// StartMain    → StageFiles
// StageFiles   → StartRunning
// StartRunning → Stability
// Stability    → TrafficSplit
// TrafficSplit → Decision
// Decision     → RetireOld | Held
// RetireOld    → VerifyFinal
// VerifyFinal  → Done
// Held         → Done
//
// Every state before Decision may also move to Failed.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseLock         Phase = "lock"
	PhaseBuild        Phase = "build"
	PhaseStartMain    Phase = "start main"
	PhaseStageFiles   Phase = "stage files"
	PhaseStartRunning Phase = "start running"
	PhaseStability    Phase = "stability"
	PhaseTrafficSplit Phase = "traffic split"
	PhaseDecision     Phase = "decision"
	PhaseRetireOld    Phase = "retire old"
	PhaseVerifyFinal  Phase = "verify final"
	PhaseHeld         Phase = "held"
	PhaseFailed       Phase = "failed"
	PhaseDone         Phase = "done"
)

var validTransitions = map[Phase][]Phase{
	PhaseIdle:         {PhaseLock, PhaseFailed},
	PhaseLock:         {PhaseBuild, PhaseFailed},
	PhaseBuild:        {PhaseStartMain, PhaseFailed},
	PhaseStartMain:    {PhaseStageFiles, PhaseFailed},
	PhaseStageFiles:   {PhaseStartRunning, PhaseFailed},
	PhaseStartRunning: {PhaseStability, PhaseFailed},
	PhaseStability:    {PhaseTrafficSplit, PhaseFailed},
	PhaseTrafficSplit: {PhaseDecision, PhaseFailed},
	PhaseDecision:     {PhaseRetireOld, PhaseHeld, PhaseFailed},
	// a failed stop leaves both instances up, which is still a failure
	PhaseRetireOld:   {PhaseVerifyFinal, PhaseFailed},
	PhaseVerifyFinal: {PhaseDone},
	PhaseHeld:        {PhaseDone},
	PhaseFailed:      {},
	PhaseDone:        {},
}

func (p *Phase) canTransitionTo(next Phase) error {
	for _, target := range validTransitions[*p] {
		if target == next {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", *p, next)
}

func (p *Phase) transitionTo(next Phase) error {
	if err := p.canTransitionTo(next); err != nil {
		return err
	}
	*p = next
	return nil
}

// Outcome is the terminal result of a rollout.
type Outcome int

const (
	// Failed means a phase before the decision could not complete. The main
	// instance was left untouched.
	Failed Outcome = iota
	// HeldForManualReview means the new instance runs next to the old one
	// and an operator has to finish the cutover.
	HeldForManualReview
	// CutOver means the old instance was retired.
	CutOver
)

func (o Outcome) String() string {
	switch o {
	case CutOver:
		return "cut_over"
	case HeldForManualReview:
		return "held"
	default:
		return "failed"
	}
}

// PhaseError is a fatal failure of one phase.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// FailedPhase returns the phase of a PhaseError anywhere in err's chain.
func FailedPhase(err error) (Phase, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase, true
	}
	return "", false
}
