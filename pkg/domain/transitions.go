package domain

import "tpia/pkg/errors"

var allowedTransitions = map[TPIAStatus][]TPIAStatus{
	TPIAStatusPendingApproval: {TPIAStatusActive, TPIAStatusCancelled},
	TPIAStatusActive:          {TPIAStatusMatured, TPIAStatusCompleted},
	TPIAStatusMatured:         {TPIAStatusCompleted},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to TPIAStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (t *TPIA) TransitionTo(to TPIAStatus) error {
	if !CanTransition(t.Status, to) {
		return errors.ErrInvalidTransition
	}
	t.Status = to
	return nil
}

// AdvancePhase moves the phase forward. Moving backwards is an invariant violation.
func (t *TPIA) AdvancePhase(to InvestmentPhase) error {
	if to.Rank() < t.InvestmentPhase.Rank() {
		return &errors.InvariantViolation{Reason: "investment phase cannot move from " + string(t.InvestmentPhase) + " to " + string(to)}
	}
	t.InvestmentPhase = to
	return nil
}
