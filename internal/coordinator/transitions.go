package coordinator

import (
	"github.com/1inch/swap-coordinator/internal/types"
)

// PhaseTransition is one allowed phase change.
type PhaseTransition struct {
	From        types.Phase
	To          types.Phase
	Description string
}

// Valid phase transitions. Anything else is a protocol violation.
var validTransitions = []PhaseTransition{
	// Locking
	{types.PhaseInitiated, types.PhaseLegBLocked, "leg B lock finalized"},
	{types.PhaseInitiated, types.PhaseCancelled, "cancelled before any lock"},
	{types.PhaseInitiated, types.PhaseRefunding, "leg B lock unusable, refunding"},
	{types.PhaseLegBLocked, types.PhaseLegALocked, "leg A lock finalized"},
	{types.PhaseLegBLocked, types.PhaseRefunding, "leg A not locked, refunding"},

	// Claiming
	{types.PhaseLegALocked, types.PhaseLegBClaimed, "leg B claimed, secret revealed"},
	{types.PhaseLegALocked, types.PhaseRefunding, "leg B not claimable, refunding"},
	{types.PhaseLegBClaimed, types.PhaseLegAClaimed, "leg A claimed, swap complete"},
	{types.PhaseLegBClaimed, types.PhaseStuck, "leg A could not be claimed after reveal"},

	// Refunding and reconciliation
	{types.PhaseRefunding, types.PhaseRefundedB, "leg B refunded"},
	{types.PhaseRefunding, types.PhaseRefundedA, "leg A refunded"},
	{types.PhaseRefunding, types.PhaseRefunded, "both legs refunded"},
	{types.PhaseRefunding, types.PhasePartialRefund, "one leg refunded, other still locked"},
	{types.PhaseRefunding, types.PhaseCancelled, "no lock found on either chain"},
	{types.PhaseRefunding, types.PhaseLegALocked, "leg A claimed by counterparty, leg B still claimable"},
	{types.PhaseRefunding, types.PhaseLegBClaimed, "leg B found claimed"},
	{types.PhaseRefunding, types.PhaseLegAClaimed, "both legs found claimed"},
	{types.PhaseRefunding, types.PhaseStuck, "legs settled inconsistently"},
	{types.PhasePartialRefund, types.PhaseRefunded, "remaining leg refunded"},
	{types.PhasePartialRefund, types.PhaseStuck, "remaining leg claimed by counterparty"},

	// Halting on protocol violations
	{types.PhaseInitiated, types.PhaseHalted, "protocol violation"},
	{types.PhaseLegBLocked, types.PhaseHalted, "protocol violation"},
	{types.PhaseLegALocked, types.PhaseHalted, "protocol violation"},
	{types.PhaseLegBClaimed, types.PhaseHalted, "protocol violation"},
	{types.PhaseRefunding, types.PhaseHalted, "protocol violation"},
	{types.PhasePartialRefund, types.PhaseHalted, "protocol violation"},
}

// findTransition returns the table entry for from -> to.
func findTransition(from, to types.Phase) (PhaseTransition, bool) {
	for _, t := range validTransitions {
		if t.From == from && t.To == to {
			return t, true
		}
	}
	return PhaseTransition{}, false
}

// CanTransition reports whether the coordinator may move a swap from one phase to another.
func CanTransition(from, to types.Phase) bool {
	_, ok := findTransition(from, to)
	return ok
}

// ValidTransitions returns the allowed targets from a phase.
func ValidTransitions(from types.Phase) []types.Phase {
	var out []types.Phase
	for _, t := range validTransitions {
		if t.From == from {
			out = append(out, t.To)
		}
	}
	return out
}
