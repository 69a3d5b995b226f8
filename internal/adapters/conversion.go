package adapters

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/1inch/swap-coordinator/internal/types"
)

// AssetConverter settles a leg through an order fill instead of a plain lock.
// A fill is the equivalent of claimWithSecret for that leg.
type AssetConverter interface {
	ChainID() string
	PrepareOrder(ctx context.Context, req OrderRequest) (*types.OrderRef, error)
	// FillOrder fails with ErrOrderExpired, ErrSlippageExceeded or a transport error.
	FillOrder(ctx context.Context, order types.OrderRef, secret types.Secret) (*FillReceipt, error)
	CancelOrder(ctx context.Context, order types.OrderRef) error
}

// OrderRequest describes the order backing a conversion leg.
type OrderRequest struct {
	SwapID       string
	Maker        string
	Receiver     string
	MakerAsset   string
	TakerAsset   string
	MakingAmount *big.Int
	TakingAmount *big.Int
	MinOutput    *big.Int
	Hashlock     types.Hash
	Expiry       time.Time
}

// FillReceipt is the result of a successful fill.
type FillReceipt struct {
	TxHash       string
	OutputAmount *big.Int
}

// Converters resolves converters by chain.
type Converters struct {
	mu    sync.RWMutex
	items map[string]AssetConverter
}

// NewConverters creates a registry of converters.
func NewConverters(list ...AssetConverter) *Converters {
	c := &Converters{items: make(map[string]AssetConverter)}
	for _, conv := range list {
		c.items[conv.ChainID()] = conv
	}
	return c
}

// For returns the converter for chain.
func (c *Converters) For(chain string) (AssetConverter, error) {
	if c == nil {
		return nil, fmt.Errorf("no converter for chain %s", chain)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	conv, ok := c.items[chain]
	if !ok {
		return nil, fmt.Errorf("no converter for chain %s", chain)
	}
	return conv, nil
}
