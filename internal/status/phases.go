package status

import (
	"fmt"

	"github.com/jbweber/anvil/api/v1alpha1"
)

// order is the only legal sequence of non-terminal phases.
var order = []v1alpha1.Phase{
	v1alpha1.PhasePending,
	v1alpha1.PhaseValidating,
	v1alpha1.PhaseImporting,
	v1alpha1.PhaseCustomizing,
	v1alpha1.PhaseStarting,
	v1alpha1.PhaseAwaitingGuest,
	v1alpha1.PhasePostSetup,
	v1alpha1.PhaseDone,
}

// reasons maps each phase to the Ready condition reason recorded on entry.
var reasons = map[v1alpha1.Phase]string{
	v1alpha1.PhaseValidating:    "Validating",
	v1alpha1.PhaseImporting:     "Importing",
	v1alpha1.PhaseCustomizing:   "Customizing",
	v1alpha1.PhaseStarting:      "Starting",
	v1alpha1.PhaseAwaitingGuest: "AwaitingGuest",
	v1alpha1.PhasePostSetup:     "PostSetup",
}

// Next returns the phase that follows phase, or "" if phase is terminal or
// unknown.
func Next(phase v1alpha1.Phase) v1alpha1.Phase {
	for i, p := range order {
		if p == phase && i+1 < len(order) {
			return order[i+1]
		}
	}
	return ""
}

// TransitionTo moves m to phase. Only the immediate successor of the current
// phase is accepted; use TransitionToFailed for errors.
func TransitionTo(m *v1alpha1.Machine, phase v1alpha1.Phase) error {
	current := m.GetPhase()
	if current == "" {
		current = v1alpha1.PhasePending
	}
	if phase == v1alpha1.PhaseFailed {
		return fmt.Errorf("use TransitionToFailed to enter phase %s", phase)
	}
	if Next(current) != phase {
		return fmt.Errorf("cannot transition to %s from phase %s", phase, current)
	}

	m.SetPhase(phase)
	if phase == v1alpha1.PhaseDone {
		MarkReady(m)
		return nil
	}
	SetCondition(m, v1alpha1.ConditionReady, v1alpha1.ConditionFalse, reasons[phase], fmt.Sprintf("provisioning: %s", phase))
	return nil
}

// TransitionToFailed moves m to Failed from any non-terminal phase.
func TransitionToFailed(m *v1alpha1.Machine, reason string, err error) {
	if IsTerminal(m.GetPhase()) {
		return
	}
	message := ""
	if err != nil {
		message = err.Error()
	}
	m.Status.FailureMessage = message
	MarkFailed(m, reason, message)
}

// IsTerminal returns true for Done and Failed.
func IsTerminal(phase v1alpha1.Phase) bool {
	return phase == v1alpha1.PhaseDone || phase == v1alpha1.PhaseFailed
}
