package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// LimitOrder is the order structure understood by the limit order protocol.
type LimitOrder struct {
	Salt         *big.Int `json:"salt"`
	Maker        string   `json:"maker"`
	Receiver     string   `json:"receiver"`
	MakerAsset   string   `json:"makerAsset"`
	TakerAsset   string   `json:"takerAsset"`
	MakingAmount *big.Int `json:"makingAmount"`
	TakingAmount *big.Int `json:"takingAmount"`
	MakerTraits  *big.Int `json:"makerTraits"`
}

// ConversionTerms describe a leg settled through an order fill.
type ConversionTerms struct {
	TakerAsset        string          `json:"taker_asset"`
	ExpectedOutput    *big.Int        `json:"expected_output"`
	SlippageTolerance decimal.Decimal `json:"slippage_tolerance"` // fraction, 0.01 = 1%
}

// MinOutput is the smallest acceptable fill output.
func (c *ConversionTerms) MinOutput() *big.Int {
	if c.ExpectedOutput == nil {
		return big.NewInt(0)
	}
	factor := decimal.NewFromInt(1).Sub(c.SlippageTolerance)
	return decimal.NewFromBigInt(c.ExpectedOutput, 0).Mul(factor).Floor().BigInt()
}

func (c *ConversionTerms) validate() error {
	if c.TakerAsset == "" {
		return fmt.Errorf("taker asset is required")
	}
	if c.ExpectedOutput == nil || c.ExpectedOutput.Sign() <= 0 {
		return fmt.Errorf("expected output must be positive")
	}
	if c.SlippageTolerance.IsNegative() || c.SlippageTolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("slippage tolerance must be in [0, 1)")
	}
	return nil
}

// OrderRef is a prepared order as persisted on the swap record.
type OrderRef struct {
	OrderHash Hash       `json:"order_hash"`
	Chain     string     `json:"chain"`
	Order     LimitOrder `json:"order"`
	Signature string     `json:"signature,omitempty"`
	MinOutput *big.Int   `json:"min_output"`
	Expiry    time.Time  `json:"expiry"`
	TxHash    string     `json:"tx_hash,omitempty"`
}

// ParseBigInt parses a base-10 integer string.
func ParseBigInt(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}

	result := new(big.Int)
	if _, ok := result.SetString(s, 10); !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}

	return result, nil
}
