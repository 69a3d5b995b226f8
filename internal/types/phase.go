package types

// Phase is the lifecycle position of a swap.
type Phase string

const (
	PhaseInitiated     Phase = "INITIATED"
	PhaseLegBLocked    Phase = "LEG_B_LOCKED"
	PhaseLegALocked    Phase = "LEG_A_LOCKED"
	PhaseLegBClaimed   Phase = "LEG_B_CLAIMED"
	PhaseLegAClaimed   Phase = "LEG_A_CLAIMED"
	PhaseRefunding     Phase = "REFUNDING"
	PhaseRefundedB     Phase = "REFUNDED_B"
	PhaseRefundedA     Phase = "REFUNDED_A"
	PhaseRefunded      Phase = "REFUNDED"
	PhasePartialRefund Phase = "PARTIAL_REFUND"
	PhaseCancelled     Phase = "CANCELLED"
	PhaseStuck         Phase = "STUCK"
	PhaseHalted        Phase = "HALTED"
)

// IsTerminal reports whether no further automatic transition can happen.
// STUCK and HALTED are terminal for automation but still listed as active.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseLegAClaimed, PhaseRefundedA, PhaseRefundedB, PhaseRefunded,
		PhaseCancelled, PhaseStuck, PhaseHalted:
		return true
	}
	return false
}

// IsSettled reports whether both legs are resolved and the record is only kept for audit.
func (p Phase) IsSettled() bool {
	switch p {
	case PhaseLegAClaimed, PhaseRefundedA, PhaseRefundedB, PhaseRefunded, PhaseCancelled:
		return true
	}
	return false
}

// NeedsAttention reports phases that require an operator.
func (p Phase) NeedsAttention() bool {
	return p == PhaseStuck || p == PhaseHalted
}

// SecretRevealed reports whether the secret may already be public on chain B.
func (p Phase) SecretRevealed() bool {
	switch p {
	case PhaseLegBClaimed, PhaseLegAClaimed, PhaseStuck:
		return true
	}
	return false
}

// ActivePhases lists every phase a recovery sweep must look at.
func ActivePhases() []Phase {
	return []Phase{
		PhaseInitiated, PhaseLegBLocked, PhaseLegALocked, PhaseLegBClaimed,
		PhaseRefunding, PhasePartialRefund, PhaseStuck, PhaseHalted,
	}
}

// LockStatus is the on-chain status of a lock as observed through an adapter.
type LockStatus string

const (
	LockAbsent   LockStatus = "ABSENT"
	LockOpen     LockStatus = "OPEN"
	LockClaimed  LockStatus = "CLAIMED"
	LockRefunded LockStatus = "REFUNDED"
)

// IsFinal reports whether the lock can no longer change.
func (s LockStatus) IsFinal() bool {
	return s == LockClaimed || s == LockRefunded
}
