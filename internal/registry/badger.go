package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/jonboulle/clockwork"
	"github.com/timshannon/badgerhold/v4"

	"github.com/1inch/swap-coordinator/internal/types"
)

const (
	swapDir           = "swaps"
	maxConflictRetry  = 5
	conflictRetryWait = 5 * time.Millisecond
)

type badgerRegistry struct {
	store *badgerhold.Store
	clock clockwork.Clock
}

// NewBadgerRegistry opens an embedded registry under baseDir. An empty
// baseDir keeps everything in memory.
func NewBadgerRegistry(baseDir string, logger badger.Logger, clock clockwork.Clock) (Registry, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, swapDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open swap store: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &badgerRegistry{store: store, clock: clock}, nil
}

func createDB(dir string, logger badger.Logger) (*badgerhold.Store, error) {
	opts := badgerhold.DefaultOptions
	opts.Encoder = json.Marshal
	opts.Decoder = json.Unmarshal
	opts.Options = badger.DefaultOptions(dir).WithLogger(logger)
	if dir == "" {
		opts.Options = opts.Options.WithInMemory(true)
	}
	return badgerhold.Open(opts)
}

type swapData struct {
	SwapID    string
	Phase     string
	Hashlock  string
	UpdatedAt int64
	Record    *types.SwapRecord
}

type leaseData struct {
	SwapID    string
	Owner     string
	Token     uint64
	ExpiresAt int64
}

func toSwapData(rec *types.SwapRecord) swapData {
	return swapData{
		SwapID:    rec.SwapID,
		Phase:     string(rec.Phase),
		Hashlock:  rec.Hashlock.Hex(),
		UpdatedAt: rec.UpdatedAt.UnixNano(),
		Record:    rec,
	}
}

func (d *swapData) toRecord() (*types.SwapRecord, error) {
	if d.Record == nil {
		return nil, fmt.Errorf("swap %s has no record", d.SwapID)
	}
	return d.Record, nil
}

func (l leaseData) toLease() Lease {
	return Lease{SwapID: l.SwapID, Owner: l.Owner, Token: l.Token, ExpiresAt: time.Unix(0, l.ExpiresAt)}
}

func (r *badgerRegistry) Put(ctx context.Context, rec *types.SwapRecord) error {
	err := r.store.Insert(rec.SwapID, toSwapData(rec))
	if errors.Is(err, badgerhold.ErrKeyExists) {
		return fmt.Errorf("%w: %s", ErrSwapExists, rec.SwapID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert swap: %w", err)
	}
	return nil
}

func (r *badgerRegistry) Get(ctx context.Context, swapID string) (*types.SwapRecord, error) {
	var data swapData
	err := r.store.Get(swapID, &data)
	if err == badgerhold.ErrNotFound {
		return nil, fmt.Errorf("%w: %s", ErrSwapNotFound, swapID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get swap: %w", err)
	}
	return data.toRecord()
}

func (r *badgerRegistry) List(ctx context.Context) ([]*types.SwapRecord, error) {
	return r.find(nil)
}

func (r *badgerRegistry) ListActive(ctx context.Context) ([]*types.SwapRecord, error) {
	phases := make([]interface{}, 0, len(types.ActivePhases()))
	for _, p := range types.ActivePhases() {
		phases = append(phases, string(p))
	}
	return r.find(badgerhold.Where("Phase").In(phases...))
}

func (r *badgerRegistry) find(query *badgerhold.Query) ([]*types.SwapRecord, error) {
	var dataList []swapData
	if err := r.store.Find(&dataList, query); err != nil {
		return nil, fmt.Errorf("failed to list swaps: %w", err)
	}

	records := make([]*types.SwapRecord, 0, len(dataList))
	for i := range dataList {
		rec, err := dataList[i].toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sortByCreation(records)
	return records, nil
}

func (r *badgerRegistry) Save(ctx context.Context, rec *types.SwapRecord, lease Lease) error {
	return r.update(func(tx *badger.Txn) error {
		if err := r.checkLease(tx, rec.SwapID, lease); err != nil {
			return err
		}
		var existing swapData
		if err := r.store.TxGet(tx, rec.SwapID, &existing); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("%w: %s", ErrSwapNotFound, rec.SwapID)
			}
			return err
		}
		return r.store.TxUpdate(tx, rec.SwapID, toSwapData(rec))
	})
}

func (r *badgerRegistry) UpdatePhase(ctx context.Context, swapID string, phase types.Phase, lease Lease) error {
	return r.update(func(tx *badger.Txn) error {
		if err := r.checkLease(tx, swapID, lease); err != nil {
			return err
		}
		var data swapData
		if err := r.store.TxGet(tx, swapID, &data); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("%w: %s", ErrSwapNotFound, swapID)
			}
			return err
		}
		rec, err := data.toRecord()
		if err != nil {
			return err
		}
		rec.SetPhase(phase, r.clock.Now(), "")
		return r.store.TxUpdate(tx, swapID, toSwapData(rec))
	})
}

func (r *badgerRegistry) HashlockInUse(ctx context.Context, hashlock types.Hash) (bool, error) {
	var dataList []swapData
	if err := r.store.Find(&dataList, badgerhold.Where("Hashlock").Eq(hashlock.Hex())); err != nil {
		return false, fmt.Errorf("failed to look up hashlock: %w", err)
	}
	return len(dataList) > 0, nil
}

func (r *badgerRegistry) AcquireLease(ctx context.Context, swapID, owner string, ttl time.Duration) (Lease, error) {
	var lease Lease
	err := r.update(func(tx *badger.Txn) error {
		var data swapData
		if err := r.store.TxGet(tx, swapID, &data); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("%w: %s", ErrSwapNotFound, swapID)
			}
			return err
		}

		now := r.clock.Now()
		var current leaseData
		err := r.store.TxGet(tx, swapID, &current)
		switch {
		case err == badgerhold.ErrNotFound:
			current = leaseData{SwapID: swapID}
		case err != nil:
			return err
		case current.Owner != owner && now.Before(time.Unix(0, current.ExpiresAt)):
			return fmt.Errorf("%w: %s held by %s", ErrLeaseHeld, swapID, current.Owner)
		}

		next := leaseData{
			SwapID:    swapID,
			Owner:     owner,
			Token:     current.Token + 1,
			ExpiresAt: now.Add(ttl).UnixNano(),
		}
		if err := r.store.TxUpsert(tx, swapID, next); err != nil {
			return err
		}
		lease = next.toLease()
		return nil
	})
	return lease, err
}

func (r *badgerRegistry) RenewLease(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	var renewed Lease
	err := r.update(func(tx *badger.Txn) error {
		if err := r.checkLease(tx, lease.SwapID, lease); err != nil {
			return err
		}
		next := leaseData{
			SwapID:    lease.SwapID,
			Owner:     lease.Owner,
			Token:     lease.Token,
			ExpiresAt: r.clock.Now().Add(ttl).UnixNano(),
		}
		if err := r.store.TxUpsert(tx, lease.SwapID, next); err != nil {
			return err
		}
		renewed = next.toLease()
		return nil
	})
	return renewed, err
}

func (r *badgerRegistry) ReleaseLease(ctx context.Context, lease Lease) error {
	return r.update(func(tx *badger.Txn) error {
		var current leaseData
		err := r.store.TxGet(tx, lease.SwapID, &current)
		if err == badgerhold.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if current.Owner != lease.Owner || current.Token != lease.Token {
			return nil
		}
		// keep the token so the next holder gets a higher one
		current.Owner = ""
		current.ExpiresAt = 0
		return r.store.TxUpsert(tx, lease.SwapID, current)
	})
}

func (r *badgerRegistry) Delete(ctx context.Context, swapID string) error {
	return r.update(func(tx *badger.Txn) error {
		if err := r.store.TxDelete(tx, swapID, swapData{}); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("%w: %s", ErrSwapNotFound, swapID)
			}
			return err
		}
		err := r.store.TxDelete(tx, swapID, leaseData{})
		if err != nil && err != badgerhold.ErrNotFound {
			return err
		}
		return nil
	})
}

func (r *badgerRegistry) Close() error {
	return r.store.Close()
}

func (r *badgerRegistry) checkLease(tx *badger.Txn, swapID string, held Lease) error {
	var current leaseData
	err := r.store.TxGet(tx, swapID, &current)
	if err == badgerhold.ErrNotFound {
		return fmt.Errorf("%w: %s", ErrLeaseLost, swapID)
	}
	if err != nil {
		return err
	}
	if held.SwapID != swapID || !leaseValid(current.toLease(), held, r.clock.Now()) {
		return fmt.Errorf("%w: %s", ErrLeaseLost, swapID)
	}
	return nil
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (r *badgerRegistry) update(fn func(tx *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetry; i++ {
		err = r.store.Badger().Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		time.Sleep(conflictRetryWait)
	}
	return err
}
