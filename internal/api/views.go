package api

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/1inch/swap-coordinator/internal/types"
)

// ConversionRequest describes an order fill on leg A
type ConversionRequest struct {
	TakerAsset        string           `json:"taker_asset"`
	ExpectedOutput    string           `json:"expected_output"`
	SlippageTolerance *decimal.Decimal `json:"slippage_tolerance,omitempty"`
}

// LegRequest holds the terms of one leg. Amounts are base-10 strings in
// the asset's smallest unit.
type LegRequest struct {
	Chain      string             `json:"chain"`
	Asset      string             `json:"asset"`
	Amount     string             `json:"amount"`
	Sender     string             `json:"sender"`
	Receiver   string             `json:"receiver"`
	Timelock   time.Time          `json:"timelock"`
	Conversion *ConversionRequest `json:"conversion,omitempty"`
}

// InitiateRequest is the body of POST /swaps
type InitiateRequest struct {
	SwapID string     `json:"swap_id,omitempty"`
	LegA   LegRequest `json:"leg_a"`
	LegB   LegRequest `json:"leg_b"`
}

func (r LegRequest) terms(defaultSlippage decimal.Decimal) (types.LegTerms, error) {
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return types.LegTerms{}, fmt.Errorf("amount: %w", err)
	}
	terms := types.LegTerms{
		Chain:    r.Chain,
		Asset:    r.Asset,
		Amount:   amount,
		Sender:   r.Sender,
		Receiver: r.Receiver,
		Timelock: r.Timelock,
	}
	if r.Conversion != nil {
		expected, err := parseAmount(r.Conversion.ExpectedOutput)
		if err != nil {
			return types.LegTerms{}, fmt.Errorf("expected_output: %w", err)
		}
		slippage := defaultSlippage
		if r.Conversion.SlippageTolerance != nil {
			slippage = *r.Conversion.SlippageTolerance
		}
		terms.Conversion = &types.ConversionTerms{
			TakerAsset:        r.Conversion.TakerAsset,
			ExpectedOutput:    expected,
			SlippageTolerance: slippage,
		}
	}
	return terms, nil
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("value is required")
	}
	return types.ParseBigInt(s)
}

// LegView is the public view of a leg
type LegView struct {
	Chain          string           `json:"chain"`
	Asset          string           `json:"asset,omitempty"`
	Amount         string           `json:"amount"`
	Sender         string           `json:"sender"`
	Receiver       string           `json:"receiver"`
	Timelock       time.Time        `json:"timelock"`
	LockID         string           `json:"lock_id"`
	Status         types.LockStatus `json:"status,omitempty"`
	TxHash         string           `json:"tx_hash,omitempty"`
	LockFinalized  bool             `json:"lock_finalized"`
	ClaimTxHash    string           `json:"claim_tx_hash,omitempty"`
	ClaimFinalized bool             `json:"claim_finalized"`
	RefundTxHash   string           `json:"refund_tx_hash,omitempty"`
	OrderHash      string           `json:"order_hash,omitempty"`
	MinOutput      string           `json:"min_output,omitempty"`
	OutputAmount   string           `json:"output_amount,omitempty"`
}

// SwapView is the public view of a swap record. The sealed secret never
// leaves the coordinator.
type SwapView struct {
	SwapID         string             `json:"swap_id"`
	Hashlock       string             `json:"hashlock"`
	Phase          types.Phase        `json:"phase"`
	NeedsAttention bool               `json:"needs_attention"`
	LegA           LegView            `json:"leg_a"`
	LegB           LegView            `json:"leg_b"`
	History        []types.Transition `json:"history"`
	LastError      string             `json:"last_error,omitempty"`
	LastErrorKind  types.ErrorKind    `json:"last_error_kind,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// SwapsResponse is the body of GET /swaps
type SwapsResponse struct {
	Swaps []*SwapView `json:"swaps"`
	Count int         `json:"count"`
}

// NewSwapView builds the public view of a record
func NewSwapView(rec *types.SwapRecord) *SwapView {
	return &SwapView{
		SwapID:         rec.SwapID,
		Hashlock:       rec.Hashlock.Hex(),
		Phase:          rec.Phase,
		NeedsAttention: rec.Phase.NeedsAttention(),
		LegA:           newLegView(&rec.LegA),
		LegB:           newLegView(&rec.LegB),
		History:        rec.History,
		LastError:      rec.LastError,
		LastErrorKind:  rec.LastErrorKind,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func newLegView(leg *types.LegRecord) LegView {
	v := LegView{
		Chain:          leg.Chain,
		Asset:          leg.Asset,
		Amount:         bigString(leg.Amount),
		Sender:         leg.Sender,
		Receiver:       leg.Receiver,
		Timelock:       leg.Timelock,
		LockID:         leg.LockID.Hex(),
		Status:         leg.Status,
		TxHash:         leg.TxHash,
		LockFinalized:  leg.LockFinalized,
		ClaimTxHash:    leg.ClaimTxHash,
		ClaimFinalized: leg.ClaimFinalized,
		RefundTxHash:   leg.RefundTxHash,
		OutputAmount:   bigString(leg.OutputAmount),
	}
	if leg.Order != nil {
		v.OrderHash = leg.Order.OrderHash.Hex()
		v.MinOutput = bigString(leg.Order.MinOutput)
	}
	return v
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
