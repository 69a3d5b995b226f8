package memchain

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/1inch/swap-coordinator/internal/adapters"
	"github.com/1inch/swap-coordinator/internal/types"
)

type order struct {
	ref       types.OrderRef
	hashlock  types.Hash
	filled    bool
	cancelled bool
}

// Converter is a simulated order book on a Ledger. Preparing an order
// escrows the maker's funds; filling it pays the receiver in the taker asset.
type Converter struct {
	ledger *Ledger
}

var _ adapters.AssetConverter = (*Converter)(nil)

// Converter returns the order book of this ledger.
func (l *Ledger) Converter() *Converter {
	return &Converter{ledger: l}
}

func (c *Converter) ChainID() string { return c.ledger.chainID }

// PrepareOrder is idempotent per swap id.
func (c *Converter) PrepareOrder(ctx context.Context, req adapters.OrderRequest) (*types.OrderRef, error) {
	l := c.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	pre, post := l.begin(OpPrepareOrder)
	if pre != nil {
		return nil, pre
	}

	hash := types.Hash(sha256.Sum256([]byte("order:" + req.SwapID)))
	if existing, ok := l.orders[hash]; ok {
		ref := existing.ref
		return &ref, nil
	}
	if !req.Expiry.After(l.clock.Now()) {
		return nil, types.ChainState(OpPrepareOrder, types.ErrOrderExpired)
	}
	if !l.debit(req.Maker, req.MakerAsset, req.MakingAmount) {
		return nil, types.ChainState(OpPrepareOrder, types.ErrInsufficientFunds)
	}

	ref := types.OrderRef{
		OrderHash: hash,
		Chain:     l.chainID,
		Order: types.LimitOrder{
			Salt:         new(big.Int).SetBytes(hash[:8]),
			Maker:        req.Maker,
			Receiver:     req.Receiver,
			MakerAsset:   req.MakerAsset,
			TakerAsset:   req.TakerAsset,
			MakingAmount: new(big.Int).Set(req.MakingAmount),
			TakingAmount: orZero(req.TakingAmount),
			MakerTraits:  big.NewInt(0),
		},
		MinOutput: orZero(req.MinOutput),
		Expiry:    req.Expiry,
		TxHash:    l.newTx(),
	}
	l.orders[hash] = &order{ref: ref, hashlock: req.Hashlock}

	if post != nil {
		return nil, post
	}
	return &ref, nil
}

// FillOrder settles the order with the secret.
func (c *Converter) FillOrder(ctx context.Context, ref types.OrderRef, secret types.Secret) (*adapters.FillReceipt, error) {
	l := c.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	pre, post := l.begin(OpFillOrder)
	if pre != nil {
		return nil, pre
	}
	o, ok := l.orders[ref.OrderHash]
	if !ok {
		return nil, types.ChainState(OpFillOrder, types.ErrLockNotFound)
	}
	if o.filled {
		return nil, types.ChainState(OpFillOrder, types.ErrAlreadyClaimed)
	}
	if o.cancelled {
		return nil, types.ChainState(OpFillOrder, types.ErrAlreadyRefunded)
	}
	if !l.clock.Now().Before(o.ref.Expiry) {
		return nil, types.ChainState(OpFillOrder, types.ErrOrderExpired)
	}
	if secret.Hash() != o.hashlock {
		return nil, types.ChainState(OpFillOrder, types.ErrSecretMismatch)
	}

	output := o.ref.Order.TakingAmount
	if l.fillOutput != nil {
		output = l.fillOutput
	}
	if output.Cmp(o.ref.MinOutput) < 0 {
		return nil, types.NewError(types.KindChainState, OpFillOrder, types.ErrSlippageExceeded,
			fmt.Errorf("output %s below minimum %s", output, o.ref.MinOutput))
	}

	o.filled = true
	l.credit(o.ref.Order.Receiver, o.ref.Order.TakerAsset, output)
	tx := l.newTx()
	l.events = append(l.events, Event{Type: EventOrderFilled, LockID: ref.OrderHash, TxHash: tx, Account: o.ref.Order.Receiver, Amount: new(big.Int).Set(output), Secret: secret})

	if post != nil {
		return nil, post
	}
	return &adapters.FillReceipt{TxHash: tx, OutputAmount: new(big.Int).Set(output)}, nil
}

// CancelOrder returns escrowed funds to the maker if the order is unfilled.
func (c *Converter) CancelOrder(ctx context.Context, ref types.OrderRef) error {
	l := c.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if pre, _ := l.begin(OpCancelOrder); pre != nil {
		return pre
	}
	o, ok := l.orders[ref.OrderHash]
	if !ok {
		return nil
	}
	if o.filled {
		return types.ChainState(OpCancelOrder, types.ErrAlreadyClaimed)
	}
	if o.cancelled {
		return nil
	}
	o.cancelled = true
	l.credit(o.ref.Order.Maker, o.ref.Order.MakerAsset, o.ref.Order.MakingAmount)
	return nil
}

// OrderFilled reports whether the order was filled.
func (l *Ledger) OrderFilled(hash types.Hash) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[hash]
	return ok && o.filled
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
