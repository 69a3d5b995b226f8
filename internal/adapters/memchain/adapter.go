package memchain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/1inch/swap-coordinator/internal/adapters"
	"github.com/1inch/swap-coordinator/internal/types"
)

// Adapter implements adapters.ChainAdapter for one account on a Ledger.
type Adapter struct {
	ledger  *Ledger
	address string
}

var _ adapters.ChainAdapter = (*Adapter)(nil)

func (a *Adapter) Connect(ctx context.Context) error  { return nil }
func (a *Adapter) Validate(ctx context.Context) error { return nil }
func (a *Adapter) Close() error                       { return nil }
func (a *Adapter) ChainID() string                    { return a.ledger.chainID }
func (a *Adapter) Address() string                    { return a.address }

// CreateLock escrows amount from the adapter's account.
func (a *Adapter) CreateLock(ctx context.Context, req adapters.LockRequest) (*adapters.LockHandle, error) {
	l := a.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	pre, post := l.begin(OpCreateLock)
	if pre != nil {
		return nil, pre
	}
	if _, exists := l.locks[req.LockID]; exists {
		return nil, types.ChainState(OpCreateLock, types.ErrLockExists)
	}
	if !req.Timelock.After(l.clock.Now()) {
		return nil, types.NewError(types.KindValidation, OpCreateLock, types.ErrInvalidTimelock,
			fmt.Errorf("timelock %s is not in the future", req.Timelock))
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, types.NewError(types.KindValidation, OpCreateLock, types.ErrInvalidIntent,
			fmt.Errorf("amount must be positive"))
	}
	if !l.debit(a.address, req.Asset, req.Amount) {
		return nil, types.ChainState(OpCreateLock, types.ErrInsufficientFunds)
	}

	tx := l.newTx()
	l.locks[req.LockID] = &lock{state: adapters.LockState{
		LockID:    req.LockID,
		Sender:    a.address,
		Receiver:  req.Receiver,
		Asset:     req.Asset,
		Amount:    new(big.Int).Set(req.Amount),
		Hashlock:  req.Hashlock,
		Timelock:  req.Timelock,
		Status:    types.LockOpen,
		CreatedTx: tx,
	}}
	l.events = append(l.events, Event{Type: EventLockCreated, LockID: req.LockID, TxHash: tx, Account: a.address, Amount: new(big.Int).Set(req.Amount)})

	if post != nil {
		return nil, post
	}
	return &adapters.LockHandle{Chain: l.chainID, LockID: req.LockID, TxHash: tx}, nil
}

// ClaimWithSecret releases the lock to its receiver.
func (a *Adapter) ClaimWithSecret(ctx context.Context, handle adapters.LockHandle, secret types.Secret) (*adapters.ClaimReceipt, error) {
	l := a.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	pre, post := l.begin(OpClaim)
	if pre != nil {
		return nil, pre
	}
	lk, ok := l.locks[handle.LockID]
	if !ok {
		return nil, types.ChainState(OpClaim, types.ErrLockNotFound)
	}
	switch lk.state.Status {
	case types.LockClaimed:
		return nil, types.ChainState(OpClaim, types.ErrAlreadyClaimed)
	case types.LockRefunded:
		return nil, types.ChainState(OpClaim, types.ErrAlreadyRefunded)
	}
	if a.address != lk.state.Receiver {
		return nil, types.ChainState(OpClaim, types.ErrUnauthorized)
	}
	if !l.clock.Now().Before(lk.state.Timelock) {
		return nil, types.ChainState(OpClaim, types.ErrTimelockExpired)
	}
	if secret.Hash() != lk.state.Hashlock {
		return nil, types.ChainState(OpClaim, types.ErrSecretMismatch)
	}

	lk.state.Status = types.LockClaimed
	lk.state.Secret = secret
	l.credit(lk.state.Receiver, lk.state.Asset, lk.state.Amount)

	tx := l.newTx()
	l.events = append(l.events, Event{Type: EventLockClaimed, LockID: handle.LockID, TxHash: tx, Account: a.address, Amount: new(big.Int).Set(lk.state.Amount), Secret: secret})

	if post != nil {
		return nil, post
	}
	return &adapters.ClaimReceipt{TxHash: tx, BlockNumber: l.nonce}, nil
}

// Refund returns an expired lock to its sender.
func (a *Adapter) Refund(ctx context.Context, handle adapters.LockHandle) (*adapters.RefundReceipt, error) {
	l := a.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	pre, post := l.begin(OpRefund)
	if pre != nil {
		return nil, pre
	}
	lk, ok := l.locks[handle.LockID]
	if !ok {
		return nil, types.ChainState(OpRefund, types.ErrLockNotFound)
	}
	switch lk.state.Status {
	case types.LockClaimed:
		return nil, types.ChainState(OpRefund, types.ErrAlreadyClaimed)
	case types.LockRefunded:
		return nil, types.ChainState(OpRefund, types.ErrAlreadyRefunded)
	}
	if a.address != lk.state.Sender {
		return nil, types.ChainState(OpRefund, types.ErrUnauthorized)
	}
	if l.clock.Now().Before(lk.state.Timelock) {
		return nil, types.ChainState(OpRefund, types.ErrTimelockNotYetExpired)
	}

	lk.state.Status = types.LockRefunded
	l.credit(lk.state.Sender, lk.state.Asset, lk.state.Amount)

	tx := l.newTx()
	l.events = append(l.events, Event{Type: EventLockRefunded, LockID: handle.LockID, TxHash: tx, Account: a.address, Amount: new(big.Int).Set(lk.state.Amount)})

	if post != nil {
		return nil, post
	}
	return &adapters.RefundReceipt{TxHash: tx, BlockNumber: l.nonce}, nil
}

// QueryLock returns the lock state, LockAbsent if unknown.
func (a *Adapter) QueryLock(ctx context.Context, handle adapters.LockHandle) (*adapters.LockState, error) {
	l := a.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if pre, _ := l.begin(OpQueryLock); pre != nil {
		return nil, pre
	}
	lk, ok := l.locks[handle.LockID]
	if !ok {
		return &adapters.LockState{LockID: handle.LockID, Status: types.LockAbsent}, nil
	}
	state := copyState(lk.state)
	return &state, nil
}

// WaitForFinality returns once the transaction is known. The simulated chain
// finalizes instantly.
func (a *Adapter) WaitForFinality(ctx context.Context, txHash string) error {
	l := a.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if pre, _ := l.begin(OpFinality); pre != nil {
		return pre
	}
	if !l.txs[txHash] {
		return types.NewError(types.KindChainState, OpFinality, ErrUnknownTx, fmt.Errorf("tx %s", txHash))
	}
	return ctx.Err()
}
