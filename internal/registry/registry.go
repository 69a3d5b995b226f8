package registry

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/1inch/swap-coordinator/internal/types"
)

var (
	ErrSwapNotFound = errors.New("swap not found")
	ErrSwapExists   = errors.New("swap already exists")
	ErrLeaseHeld    = errors.New("swap lease held by another coordinator")
	ErrLeaseLost    = errors.New("swap lease lost or expired")
)

// Lease grants one coordinator exclusive mutation rights over a swap.
// Token increases every time the lease changes hands.
type Lease struct {
	SwapID    string
	Owner     string
	Token     uint64
	ExpiresAt time.Time
}

// Registry is the durable store of swap records.
type Registry interface {
	// Put stores a new record. It fails with ErrSwapExists on duplicates.
	Put(ctx context.Context, rec *types.SwapRecord) error
	// Get fails with ErrSwapNotFound when the swap is unknown.
	Get(ctx context.Context, swapID string) (*types.SwapRecord, error)
	List(ctx context.Context) ([]*types.SwapRecord, error)
	// ListActive returns every swap a recovery sweep must look at.
	ListActive(ctx context.Context) ([]*types.SwapRecord, error)

	// Save replaces the record. The caller must hold a current lease.
	Save(ctx context.Context, rec *types.SwapRecord, lease Lease) error
	// UpdatePhase moves the swap to phase under the caller's lease.
	UpdatePhase(ctx context.Context, swapID string, phase types.Phase, lease Lease) error

	HashlockInUse(ctx context.Context, hashlock types.Hash) (bool, error)

	AcquireLease(ctx context.Context, swapID, owner string, ttl time.Duration) (Lease, error)
	RenewLease(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error)
	ReleaseLease(ctx context.Context, lease Lease) error

	// Delete removes a record. Only for explicit operator action.
	Delete(ctx context.Context, swapID string) error
	Close() error
}

func leaseValid(stored Lease, held Lease, now time.Time) bool {
	return stored.Owner == held.Owner && stored.Token == held.Token && now.Before(stored.ExpiresAt)
}

func sortByCreation(records []*types.SwapRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
