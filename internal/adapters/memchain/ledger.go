// Package memchain is an in-memory HTLC ledger. It enforces the same rules as
// the on-chain lock contracts and is used for simulation and tests.
package memchain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/1inch/swap-coordinator/internal/adapters"
	"github.com/1inch/swap-coordinator/internal/types"
)

// Operation names used for fault injection and call counters.
const (
	OpCreateLock   = adapters.OpCreateLock
	OpClaim        = adapters.OpClaim
	OpRefund       = adapters.OpRefund
	OpQueryLock    = adapters.OpQueryLock
	OpFinality     = adapters.OpFinality
	OpPrepareOrder = adapters.OpPrepareOrder
	OpFillOrder    = adapters.OpFillOrder
	OpCancelOrder  = adapters.OpCancelOrder
)

var ErrUnknownTx = errors.New("unknown transaction")

// Event types emitted by the ledger.
const (
	EventLockCreated  = "LockCreated"
	EventLockClaimed  = "LockClaimed"
	EventLockRefunded = "LockRefunded"
	EventOrderFilled  = "OrderFilled"
)

// Event is an entry in the ledger's log.
type Event struct {
	Type    string
	LockID  types.Hash
	TxHash  string
	Account string
	Amount  *big.Int
	Secret  types.Secret
}

type lock struct {
	state adapters.LockState
}

type fault struct {
	err            error
	afterBroadcast bool
}

// Ledger holds the state of one simulated chain.
type Ledger struct {
	mu       sync.Mutex
	chainID  string
	clock    clockwork.Clock
	nonce    uint64
	locks    map[types.Hash]*lock
	orders   map[types.Hash]*order
	balances map[string]map[string]*big.Int
	txs      map[string]bool
	events   []Event
	faults   map[string][]fault
	calls    map[string]int

	fillOutput *big.Int
}

// NewLedger creates an empty ledger whose timelocks follow clock.
func NewLedger(chainID string, clock clockwork.Clock) *Ledger {
	return &Ledger{
		chainID:  chainID,
		clock:    clock,
		locks:    make(map[types.Hash]*lock),
		orders:   make(map[types.Hash]*order),
		balances: make(map[string]map[string]*big.Int),
		txs:      make(map[string]bool),
		faults:   make(map[string][]fault),
		calls:    make(map[string]int),
	}
}

// ChainID returns the chain identifier.
func (l *Ledger) ChainID() string {
	return l.chainID
}

// Account returns an adapter acting as address on this ledger.
func (l *Ledger) Account(address string) *Adapter {
	return &Adapter{ledger: l, address: address}
}

// Mint credits amount of asset to account.
func (l *Ledger) Mint(account, asset string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(account, asset, amount)
}

// Balance returns the balance of account in asset.
func (l *Ledger) Balance(account, asset string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(account, asset))
}

// FailNext makes the next n calls of op fail with err before any state change.
func (l *Ledger) FailNext(op string, err error, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.faults[op] = append(l.faults[op], fault{err: err})
	}
}

// FailAfterBroadcast makes the next call of op apply its effect and then
// report err, like a transaction that landed but whose response was lost.
func (l *Ledger) FailAfterBroadcast(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = append(l.faults[op], fault{err: err, afterBroadcast: true})
}

// Calls returns how many times op was attempted.
func (l *Ledger) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// Events returns a copy of the event log.
func (l *Ledger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// EventsOfType returns the events with the given type.
func (l *Ledger) EventsOfType(eventType string) []Event {
	var out []Event
	for _, e := range l.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Lock returns the state of a lock if it exists.
func (l *Ledger) Lock(id types.Hash) (adapters.LockState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[id]
	if !ok {
		return adapters.LockState{}, false
	}
	return copyState(lk.state), true
}

// SetFillOutput fixes the output amount of subsequent fills.
func (l *Ledger) SetFillOutput(amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fillOutput = amount
}

// begin counts the call and pops a queued fault. Caller holds mu.
func (l *Ledger) begin(op string) (pre error, post error) {
	l.calls[op]++
	queue := l.faults[op]
	if len(queue) == 0 {
		return nil, nil
	}
	f := queue[0]
	l.faults[op] = queue[1:]
	if f.afterBroadcast {
		return nil, f.err
	}
	return f.err, nil
}

func (l *Ledger) newTx() string {
	l.nonce++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", l.chainID, l.nonce)))
	tx := "0x" + hex.EncodeToString(sum[:])
	l.txs[tx] = true
	return tx
}

func (l *Ledger) balance(account, asset string) *big.Int {
	byAsset, ok := l.balances[account]
	if !ok {
		return big.NewInt(0)
	}
	if b, ok := byAsset[asset]; ok {
		return b
	}
	return big.NewInt(0)
}

func (l *Ledger) credit(account, asset string, amount *big.Int) {
	byAsset, ok := l.balances[account]
	if !ok {
		byAsset = make(map[string]*big.Int)
		l.balances[account] = byAsset
	}
	cur, ok := byAsset[asset]
	if !ok {
		cur = big.NewInt(0)
	}
	byAsset[asset] = new(big.Int).Add(cur, amount)
}

func (l *Ledger) debit(account, asset string, amount *big.Int) bool {
	cur := l.balance(account, asset)
	if cur.Cmp(amount) < 0 {
		return false
	}
	l.balances[account][asset] = new(big.Int).Sub(cur, amount)
	return true
}

func copyState(s adapters.LockState) adapters.LockState {
	if s.Amount != nil {
		s.Amount = new(big.Int).Set(s.Amount)
	}
	return s
}
