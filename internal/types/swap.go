package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// LegName identifies one side of a swap. Leg B carries the shorter timelock
// and is claimed first; leg A is claimed with the secret revealed on B.
type LegName string

const (
	LegA LegName = "A"
	LegB LegName = "B"
)

// LegTerms are the immutable parameters of one leg.
type LegTerms struct {
	Chain    string    `json:"chain"`
	Asset    string    `json:"asset"`
	Amount   *big.Int  `json:"amount"`
	Sender   string    `json:"sender"`
	Receiver string    `json:"receiver"`
	Timelock time.Time `json:"timelock"`

	// Conversion is set when the leg settles through an order fill
	// instead of a plain lock. Only leg A may carry one.
	Conversion *ConversionTerms `json:"conversion,omitempty"`
}

// SwapIntent describes a two-chain swap. Construct it with NewSwapIntent;
// the secret itself is kept out of the intent and sealed in the SwapRecord.
type SwapIntent struct {
	SwapID   string   `json:"swap_id"`
	LegA     LegTerms `json:"leg_a"`
	LegB     LegTerms `json:"leg_b"`
	Hashlock Hash     `json:"hashlock"`
}

// NewSwapIntent validates and returns an intent.
func NewSwapIntent(swapID string, legA, legB LegTerms, hashlock Hash) (*SwapIntent, error) {
	intent := &SwapIntent{
		SwapID:   swapID,
		LegA:     legA,
		LegB:     legB,
		Hashlock: hashlock,
	}
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	return intent, nil
}

// Validate checks the intent without consulting any clock or chain,
// so the result is deterministic for a given intent.
func (i *SwapIntent) Validate() error {
	const op = "validate intent"

	if strings.TrimSpace(i.SwapID) == "" {
		return Validation(op, "swap id is required")
	}
	if i.Hashlock.IsZero() {
		return Validation(op, "hashlock is required")
	}
	if err := i.LegA.validate(LegA); err != nil {
		return err
	}
	if err := i.LegB.validate(LegB); err != nil {
		return err
	}
	if i.LegA.Chain == i.LegB.Chain {
		return Validation(op, "legs must be on different chains, both are %s", i.LegA.Chain)
	}
	if !i.LegB.Timelock.Before(i.LegA.Timelock) {
		return NewError(KindValidation, op, ErrInvalidTimelock,
			fmt.Errorf("timelock B (%s) must be strictly before timelock A (%s)",
				i.LegB.Timelock.UTC().Format(time.RFC3339), i.LegA.Timelock.UTC().Format(time.RFC3339)))
	}
	if i.LegB.Conversion != nil {
		return Validation(op, "conversion is only supported on leg A")
	}
	return nil
}

// Leg returns the terms of the named leg.
func (i *SwapIntent) Leg(name LegName) LegTerms {
	if name == LegA {
		return i.LegA
	}
	return i.LegB
}

// TimelockGap is the margin the second claimant has over the first.
func (i *SwapIntent) TimelockGap() time.Duration {
	return i.LegA.Timelock.Sub(i.LegB.Timelock)
}

func (t LegTerms) validate(leg LegName) error {
	op := "validate leg " + string(leg)

	if strings.TrimSpace(t.Chain) == "" {
		return Validation(op, "chain is required")
	}
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return Validation(op, "amount must be positive")
	}
	if strings.TrimSpace(t.Sender) == "" || strings.TrimSpace(t.Receiver) == "" {
		return Validation(op, "sender and receiver are required")
	}
	if t.Sender == t.Receiver {
		return Validation(op, "sender and receiver must differ")
	}
	if t.Timelock.IsZero() {
		return NewError(KindValidation, op, ErrInvalidTimelock, fmt.Errorf("timelock is required"))
	}
	if t.Conversion != nil {
		if err := t.Conversion.validate(); err != nil {
			return Validation(op, "conversion: %v", err)
		}
	}
	return nil
}
