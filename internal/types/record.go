package types

import (
	"math/big"
	"time"
)

// LegRecord is the persisted state of one leg.
type LegRecord struct {
	LegTerms

	LockID         Hash       `json:"lock_id"`
	TxHash         string     `json:"tx_hash,omitempty"`
	LockFinalized  bool       `json:"lock_finalized"`
	ClaimTxHash    string     `json:"claim_tx_hash,omitempty"`
	ClaimFinalized bool       `json:"claim_finalized"`
	RefundTxHash   string     `json:"refund_tx_hash,omitempty"`
	Status         LockStatus `json:"status,omitempty"`
	Order          *OrderRef  `json:"order,omitempty"`
	OutputAmount   *big.Int   `json:"output_amount,omitempty"`
}

// HasLock reports whether a lock (or order) for this leg may exist on chain.
func (l *LegRecord) HasLock() bool {
	return l.TxHash != "" || l.Order != nil || l.Status == LockOpen || l.Status.IsFinal()
}

// Transition is one entry in a swap's phase history.
type Transition struct {
	From Phase     `json:"from"`
	To   Phase     `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// SwapRecord is the durable state of a swap. The secret is stored sealed.
type SwapRecord struct {
	SwapID        string       `json:"swap_id"`
	SealedSecret  []byte       `json:"secret"`
	Hashlock      Hash         `json:"hashlock"`
	LegA          LegRecord    `json:"leg_a"`
	LegB          LegRecord    `json:"leg_b"`
	Phase         Phase        `json:"phase"`
	History       []Transition `json:"history"`
	LastError     string       `json:"last_error,omitempty"`
	LastErrorKind ErrorKind    `json:"last_error_kind,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// NewSwapRecord creates the INITIATED record for an intent.
func NewSwapRecord(intent *SwapIntent, sealedSecret []byte, now time.Time) *SwapRecord {
	return &SwapRecord{
		SwapID:       intent.SwapID,
		SealedSecret: sealedSecret,
		Hashlock:     intent.Hashlock,
		LegA: LegRecord{
			LegTerms: intent.LegA,
			LockID:   DeriveLockID(intent.SwapID, LegA),
		},
		LegB: LegRecord{
			LegTerms: intent.LegB,
			LockID:   DeriveLockID(intent.SwapID, LegB),
		},
		Phase: PhaseInitiated,
		History: []Transition{
			{To: PhaseInitiated, At: now, Note: "swap initiated"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Intent rebuilds the immutable intent from the record.
func (r *SwapRecord) Intent() *SwapIntent {
	return &SwapIntent{
		SwapID:   r.SwapID,
		LegA:     r.LegA.LegTerms,
		LegB:     r.LegB.LegTerms,
		Hashlock: r.Hashlock,
	}
}

// Leg returns a pointer to the named leg.
func (r *SwapRecord) Leg(name LegName) *LegRecord {
	if name == LegA {
		return &r.LegA
	}
	return &r.LegB
}

// SetPhase records a transition. Callers validate the transition first.
func (r *SwapRecord) SetPhase(to Phase, at time.Time, note string) {
	r.History = append(r.History, Transition{From: r.Phase, To: to, At: at, Note: note})
	r.Phase = to
	r.UpdatedAt = at
}

// SetError stores the last blocking error for display.
func (r *SwapRecord) SetError(err error) {
	if err == nil {
		r.LastError = ""
		r.LastErrorKind = ""
		return
	}
	r.LastError = err.Error()
	r.LastErrorKind = KindOf(err)
}
