package types

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func testLegs(t0 time.Time) (LegTerms, LegTerms) {
	legA := LegTerms{
		Chain:    "evm-31337",
		Asset:    "ETH",
		Amount:   big.NewInt(1_000_000),
		Sender:   "alice-a",
		Receiver: "bob-a",
		Timelock: t0.Add(7200 * time.Second),
	}
	legB := LegTerms{
		Chain:    "sui-local",
		Asset:    "0x2::sui::SUI",
		Amount:   big.NewInt(2_000_000),
		Sender:   "bob-b",
		Receiver: "alice-b",
		Timelock: t0.Add(3600 * time.Second),
	}
	return legA, legB
}

func TestNewSwapIntent_TimelockOrdering(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	hashlock := Secret{1}.Hash()

	t.Run("valid", func(t *testing.T) {
		legA, legB := testLegs(t0)
		intent, err := NewSwapIntent("swap-1", legA, legB, hashlock)
		require.NoError(t, err)
		require.Equal(t, time.Hour, intent.TimelockGap())
	})

	t.Run("equal timelocks rejected", func(t *testing.T) {
		legA, legB := testLegs(t0)
		legB.Timelock = legA.Timelock
		_, err := NewSwapIntent("swap-1", legA, legB, hashlock)
		require.Error(t, err)
		require.Equal(t, KindValidation, KindOf(err))
		require.True(t, errors.Is(err, ErrInvalidTimelock))
	})

	t.Run("inverted timelocks rejected deterministically", func(t *testing.T) {
		legA, legB := testLegs(t0)
		legA.Timelock, legB.Timelock = legB.Timelock, legA.Timelock
		for i := 0; i < 3; i++ {
			_, err := NewSwapIntent("swap-1", legA, legB, hashlock)
			require.ErrorIs(t, err, ErrInvalidTimelock)
		}
	})
}

func TestNewSwapIntent_Fields(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	hashlock := Secret{1}.Hash()

	cases := map[string]func(a, b *LegTerms) (string, Hash){
		"missing swap id":  func(a, b *LegTerms) (string, Hash) { return "", hashlock },
		"zero hashlock":    func(a, b *LegTerms) (string, Hash) { return "swap", Hash{} },
		"same chain":       func(a, b *LegTerms) (string, Hash) { b.Chain = a.Chain; return "swap", hashlock },
		"zero amount":      func(a, b *LegTerms) (string, Hash) { a.Amount = big.NewInt(0); return "swap", hashlock },
		"nil amount":       func(a, b *LegTerms) (string, Hash) { b.Amount = nil; return "swap", hashlock },
		"missing receiver": func(a, b *LegTerms) (string, Hash) { a.Receiver = ""; return "swap", hashlock },
		"self transfer":    func(a, b *LegTerms) (string, Hash) { b.Receiver = b.Sender; return "swap", hashlock },
		"conversion on B": func(a, b *LegTerms) (string, Hash) {
			b.Conversion = &ConversionTerms{TakerAsset: "USDC", ExpectedOutput: big.NewInt(10)}
			return "swap", hashlock
		},
		"bad slippage": func(a, b *LegTerms) (string, Hash) {
			a.Conversion = &ConversionTerms{TakerAsset: "USDC", ExpectedOutput: big.NewInt(10), SlippageTolerance: decimal.NewFromInt(1)}
			return "swap", hashlock
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			legA, legB := testLegs(t0)
			id, h := mutate(&legA, &legB)
			_, err := NewSwapIntent(id, legA, legB, h)
			require.Error(t, err)
			require.Equal(t, KindValidation, KindOf(err))
		})
	}
}

func TestConversionTerms_MinOutput(t *testing.T) {
	terms := &ConversionTerms{
		TakerAsset:        "USDC",
		ExpectedOutput:    big.NewInt(1_000_000),
		SlippageTolerance: decimal.RequireFromString("0.005"),
	}
	require.Equal(t, "995000", terms.MinOutput().String())
}

func TestSecret_HashAndRedaction(t *testing.T) {
	var s Secret
	for i := range s {
		s[i] = byte(i)
	}
	// sha256 of 0x00..0x1f
	require.Equal(t, "0x630dcd2966c4336691125448bbb25b4ff412a49c732db2c8abc1b8581bd710dd", s.Hash().Hex())
	require.Equal(t, "[redacted]", s.String())

	parsed, err := ParseSecret(s.Hex())
	require.NoError(t, err)
	require.Equal(t, s, parsed)

	_, err = ParseSecret("0x1234")
	require.Error(t, err)
}

func TestDeriveLockID(t *testing.T) {
	a1 := DeriveLockID("swap-1", LegA)
	a2 := DeriveLockID("swap-1", LegA)
	b1 := DeriveLockID("swap-1", LegB)
	other := DeriveLockID("swap-2", LegA)

	require.Equal(t, a1, a2)
	require.NotEqual(t, a1, b1)
	require.NotEqual(t, a1, other)
}

func TestSwapRecord_JSONSchema(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0).UTC()
	legA, legB := testLegs(t0)
	intent, err := NewSwapIntent("swap-1", legA, legB, Secret{7}.Hash())
	require.NoError(t, err)

	rec := NewSwapRecord(intent, []byte("sealed"), t0)
	rec.LegB.TxHash = "0xabc"

	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, key := range []string{"swap_id", "secret", "hashlock", "leg_a", "leg_b", "phase", "created_at", "updated_at"} {
		require.Contains(t, doc, key)
	}
	legBDoc := doc["leg_b"].(map[string]interface{})
	for _, key := range []string{"chain", "lock_id", "timelock", "tx_hash"} {
		require.Contains(t, legBDoc, key)
	}
	require.Equal(t, string(PhaseInitiated), doc["phase"])

	var back SwapRecord
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, rec.LegB.LockID, back.LegB.LockID)
	require.Equal(t, 0, rec.LegA.Amount.Cmp(back.LegA.Amount))
	require.True(t, rec.LegA.Timelock.Equal(back.LegA.Timelock))
}

func TestErrorKinds(t *testing.T) {
	err := ChainState("claim", ErrAlreadyClaimed)
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	require.Equal(t, KindChainState, KindOf(err))
	require.False(t, IsTransport(err))

	wrapped := Transport("query", errors.New("connection refused"))
	require.True(t, IsTransport(wrapped))
	require.Contains(t, wrapped.Error(), "connection refused")

	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	require.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestPhaseClassification(t *testing.T) {
	for _, p := range ActivePhases() {
		require.False(t, p.IsSettled(), p)
	}
	require.True(t, PhaseStuck.IsTerminal())
	require.True(t, PhaseStuck.NeedsAttention())
	require.False(t, PhasePartialRefund.IsTerminal())
	require.True(t, PhaseLegAClaimed.IsSettled())
}
