package adapters

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/1inch/swap-coordinator/internal/types"
)

// Operation names, used in typed errors and metrics.
const (
	OpCreateLock   = "createLock"
	OpClaim        = "claimWithSecret"
	OpRefund       = "refund"
	OpQueryLock    = "queryLock"
	OpFinality     = "waitForFinality"
	OpPrepareOrder = "prepareOrder"
	OpFillOrder    = "fillOrder"
	OpCancelOrder  = "cancelOrder"
)

// defaultFinalityTimeout bounds a finality wait when the chain config sets none.
const defaultFinalityTimeout = 5 * time.Minute

// finalityTimeout reports a wait that ended before the transaction was final.
// Both cases are transport errors: a deadline means the node may have dropped
// the transaction, cancellation means the caller gave up.
func finalityTimeout(op, txHash string, cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		return types.NewError(types.KindTransport, op, types.ErrFinalityTimeout, fmt.Errorf("tx %s: %w", txHash, cause))
	}
	return types.Transport(op, cause)
}

// ChainAdapter defines the HTLC operations the coordinator needs from a chain.
// An adapter acts as a single account: locks and refunds are sent by the
// lock's sender, claims by its receiver.
type ChainAdapter interface {
	// Connection and validation
	Connect(ctx context.Context) error
	Validate(ctx context.Context) error
	Close() error

	// Identity
	ChainID() string
	Address() string

	// Lock operations. Errors are *types.Error values.
	CreateLock(ctx context.Context, req LockRequest) (*LockHandle, error)
	ClaimWithSecret(ctx context.Context, lock LockHandle, secret types.Secret) (*ClaimReceipt, error)
	Refund(ctx context.Context, lock LockHandle) (*RefundReceipt, error)

	// QueryLock returns LockAbsent when the id is unknown; it only fails with
	// a transport error.
	QueryLock(ctx context.Context, lock LockHandle) (*LockState, error)

	// WaitForFinality blocks until txHash is irreversible on this chain.
	WaitForFinality(ctx context.Context, txHash string) error
}

// LockRequest describes a lock to create.
type LockRequest struct {
	LockID   types.Hash
	Receiver string
	Hashlock types.Hash
	Timelock time.Time
	Asset    string
	Amount   *big.Int
}

// LockHandle references a lock on a chain.
type LockHandle struct {
	Chain  string
	LockID types.Hash
	TxHash string
}

// LockState is the observed on-chain record of a lock.
type LockState struct {
	LockID    types.Hash
	Sender    string
	Receiver  string
	Asset     string
	Amount    *big.Int
	Hashlock  types.Hash
	Timelock  time.Time
	Status    types.LockStatus
	Secret    types.Secret // zero until revealed
	CreatedTx string
}

// ClaimReceipt is the result of a successful claim.
type ClaimReceipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// RefundReceipt is the result of a successful refund.
type RefundReceipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// Set resolves adapters by chain and account.
type Set struct {
	mu       sync.RWMutex
	adapters map[string]map[string]ChainAdapter
}

// NewSet creates a set from the given adapters.
func NewSet(list ...ChainAdapter) *Set {
	s := &Set{adapters: make(map[string]map[string]ChainAdapter)}
	for _, a := range list {
		s.Add(a)
	}
	return s
}

// Add registers an adapter under its chain id and address.
func (s *Set) Add(a ChainAdapter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byAccount, ok := s.adapters[a.ChainID()]
	if !ok {
		byAccount = make(map[string]ChainAdapter)
		s.adapters[a.ChainID()] = byAccount
	}
	byAccount[a.Address()] = a
}

// For returns the adapter acting as account on chain.
func (s *Set) For(chain, account string) (ChainAdapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byAccount, ok := s.adapters[chain]
	if !ok {
		return nil, fmt.Errorf("no adapter for chain %s", chain)
	}
	a, ok := byAccount[account]
	if !ok {
		return nil, fmt.Errorf("no adapter for account %s on chain %s", account, chain)
	}
	return a, nil
}

// Any returns some adapter for chain, for read-only calls.
func (s *Set) Any(chain string) (ChainAdapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.adapters[chain] {
		return a, nil
	}
	return nil, fmt.Errorf("no adapter for chain %s", chain)
}

// All returns every registered adapter.
func (s *Set) All() []ChainAdapter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ChainAdapter
	for _, byAccount := range s.adapters {
		for _, a := range byAccount {
			out = append(out, a)
		}
	}
	return out
}
