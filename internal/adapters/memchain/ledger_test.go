package memchain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/1inch/swap-coordinator/internal/adapters"
	"github.com/1inch/swap-coordinator/internal/types"
)

const asset = "TOKEN"

type fixture struct {
	clock    clockwork.FakeClock
	ledger   *Ledger
	sender   *Adapter
	receiver *Adapter
	secret   types.Secret
	handle   adapters.LockHandle
	timelock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	ledger := NewLedger("test-chain", clock)
	ledger.Mint("sender", asset, big.NewInt(1000))

	f := &fixture{
		clock:    clock,
		ledger:   ledger,
		sender:   ledger.Account("sender"),
		receiver: ledger.Account("receiver"),
		secret:   types.Secret{1, 2, 3},
		timelock: clock.Now().Add(time.Hour),
	}

	handle, err := f.sender.CreateLock(context.Background(), adapters.LockRequest{
		LockID:   types.DeriveLockID("swap", types.LegB),
		Receiver: "receiver",
		Hashlock: f.secret.Hash(),
		Timelock: f.timelock,
		Asset:    asset,
		Amount:   big.NewInt(400),
	})
	require.NoError(t, err)
	f.handle = *handle
	return f
}

func TestCreateLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.Equal(t, "600", f.ledger.Balance("sender", asset).String())

	state, err := f.sender.QueryLock(ctx, f.handle)
	require.NoError(t, err)
	require.Equal(t, types.LockOpen, state.Status)
	require.Equal(t, "sender", state.Sender)
	require.Equal(t, f.handle.TxHash, state.CreatedTx)
	require.NoError(t, f.sender.WaitForFinality(ctx, f.handle.TxHash))

	_, err = f.sender.CreateLock(ctx, adapters.LockRequest{
		LockID: f.handle.LockID, Receiver: "receiver", Hashlock: f.secret.Hash(),
		Timelock: f.timelock, Asset: asset, Amount: big.NewInt(1),
	})
	require.ErrorIs(t, err, types.ErrLockExists)

	_, err = f.sender.CreateLock(ctx, adapters.LockRequest{
		LockID: types.Hash{9}, Receiver: "receiver", Hashlock: f.secret.Hash(),
		Timelock: f.clock.Now(), Asset: asset, Amount: big.NewInt(1),
	})
	require.ErrorIs(t, err, types.ErrInvalidTimelock)

	_, err = f.sender.CreateLock(ctx, adapters.LockRequest{
		LockID: types.Hash{10}, Receiver: "receiver", Hashlock: f.secret.Hash(),
		Timelock: f.timelock, Asset: asset, Amount: big.NewInt(10_000),
	})
	require.ErrorIs(t, err, types.ErrInsufficientFunds)

	missing, err := f.sender.QueryLock(ctx, adapters.LockHandle{LockID: types.Hash{42}})
	require.NoError(t, err)
	require.Equal(t, types.LockAbsent, missing.Status)
}

func TestClaim_HashlockCorrectness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 16; i++ {
		wrong := f.secret
		wrong[i] ^= 0x80
		_, err := f.receiver.ClaimWithSecret(ctx, f.handle, wrong)
		require.ErrorIs(t, err, types.ErrSecretMismatch)
		require.Equal(t, types.KindChainState, types.KindOf(err))
	}

	_, err := f.receiver.ClaimWithSecret(ctx, f.handle, f.secret)
	require.NoError(t, err)

	state, _ := f.ledger.Lock(f.handle.LockID)
	require.Equal(t, types.LockClaimed, state.Status)
	require.Equal(t, f.secret, state.Secret)
	require.Equal(t, "400", f.ledger.Balance("receiver", asset).String())
}

func TestClaim_AtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.receiver.ClaimWithSecret(ctx, f.handle, f.secret)
	require.NoError(t, err)

	_, err = f.receiver.ClaimWithSecret(ctx, f.handle, f.secret)
	require.ErrorIs(t, err, types.ErrAlreadyClaimed)

	f.clock.Advance(2 * time.Hour)
	_, err = f.sender.Refund(ctx, f.handle)
	require.ErrorIs(t, err, types.ErrAlreadyClaimed)

	state, _ := f.ledger.Lock(f.handle.LockID)
	require.Equal(t, types.LockClaimed, state.Status)
}

func TestClaim_RequiresReceiverAndTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sender.ClaimWithSecret(ctx, f.handle, f.secret)
	require.ErrorIs(t, err, types.ErrUnauthorized)

	f.clock.Advance(time.Hour)
	_, err = f.receiver.ClaimWithSecret(ctx, f.handle, f.secret)
	require.ErrorIs(t, err, types.ErrTimelockExpired)
}

func TestRefund_GatedByTimelock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sender.Refund(ctx, f.handle)
	require.ErrorIs(t, err, types.ErrTimelockNotYetExpired)

	f.clock.Advance(time.Hour)
	_, err = f.receiver.Refund(ctx, f.handle)
	require.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = f.sender.Refund(ctx, f.handle)
	require.NoError(t, err)
	require.Equal(t, "1000", f.ledger.Balance("sender", asset).String())

	_, err = f.sender.Refund(ctx, f.handle)
	require.ErrorIs(t, err, types.ErrAlreadyRefunded)
	_, err = f.receiver.ClaimWithSecret(ctx, f.handle, f.secret)
	require.ErrorIs(t, err, types.ErrAlreadyRefunded)

	require.Len(t, f.ledger.EventsOfType(EventLockRefunded), 1)
	require.Empty(t, f.ledger.EventsOfType(EventLockClaimed))
}

func TestFaultInjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ledger.FailNext(OpClaim, types.Transport(OpClaim, errors.New("rpc down")), 1)
	_, err := f.receiver.ClaimWithSecret(ctx, f.handle, f.secret)
	require.True(t, types.IsTransport(err))
	state, _ := f.ledger.Lock(f.handle.LockID)
	require.Equal(t, types.LockOpen, state.Status)

	f.ledger.FailAfterBroadcast(OpClaim, types.Transport(OpClaim, errors.New("response lost")))
	_, err = f.receiver.ClaimWithSecret(ctx, f.handle, f.secret)
	require.True(t, types.IsTransport(err))
	state, _ = f.ledger.Lock(f.handle.LockID)
	require.Equal(t, types.LockClaimed, state.Status)
	require.Equal(t, 2, f.ledger.Calls(OpClaim))
}

func TestConverter(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	ledger := NewLedger("dex-chain", clock)
	ledger.Mint("maker", "WETH", big.NewInt(100))
	conv := ledger.Converter()
	ctx := context.Background()
	secret := types.Secret{7}

	req := adapters.OrderRequest{
		SwapID: "swap", Maker: "maker", Receiver: "taker",
		MakerAsset: "WETH", TakerAsset: "USDC",
		MakingAmount: big.NewInt(100), TakingAmount: big.NewInt(5000), MinOutput: big.NewInt(4900),
		Hashlock: secret.Hash(), Expiry: clock.Now().Add(time.Hour),
	}
	ref, err := conv.PrepareOrder(ctx, req)
	require.NoError(t, err)

	again, err := conv.PrepareOrder(ctx, req)
	require.NoError(t, err)
	require.Equal(t, ref.OrderHash, again.OrderHash)
	require.Equal(t, "0", ledger.Balance("maker", "WETH").String())

	ledger.SetFillOutput(big.NewInt(4000))
	_, err = conv.FillOrder(ctx, *ref, secret)
	require.ErrorIs(t, err, types.ErrSlippageExceeded)

	ledger.SetFillOutput(nil)
	receipt, err := conv.FillOrder(ctx, *ref, secret)
	require.NoError(t, err)
	require.Equal(t, "5000", receipt.OutputAmount.String())
	require.True(t, ledger.OrderFilled(ref.OrderHash))

	_, err = conv.FillOrder(ctx, *ref, secret)
	require.ErrorIs(t, err, types.ErrAlreadyClaimed)
}

func TestConverter_Expiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	ledger := NewLedger("dex-chain", clock)
	ledger.Mint("maker", "WETH", big.NewInt(100))
	conv := ledger.Converter()
	ctx := context.Background()
	secret := types.Secret{7}

	ref, err := conv.PrepareOrder(ctx, adapters.OrderRequest{
		SwapID: "swap", Maker: "maker", Receiver: "taker", MakerAsset: "WETH", TakerAsset: "USDC",
		MakingAmount: big.NewInt(100), TakingAmount: big.NewInt(5000), MinOutput: big.NewInt(1),
		Hashlock: secret.Hash(), Expiry: clock.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = conv.FillOrder(ctx, *ref, secret)
	require.ErrorIs(t, err, types.ErrOrderExpired)

	require.NoError(t, conv.CancelOrder(ctx, *ref))
	require.Equal(t, "100", ledger.Balance("maker", "WETH").String())
}
