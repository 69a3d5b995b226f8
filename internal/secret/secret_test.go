package secret

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/1inch/swap-coordinator/internal/types"
)

func TestGenerate(t *testing.T) {
	s, h, err := Generate(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, s.IsZero())
	require.Equal(t, types.Hash(sha256.Sum256(s[:])), h)
	require.True(t, Verify(s, h))

	other, _, err := Generate(context.Background(), nil)
	require.NoError(t, err)
	require.NotEqual(t, s, other)
}

func TestGenerate_RetriesOnCollision(t *testing.T) {
	calls := 0
	inUse := func(ctx context.Context, h types.Hash) (bool, error) {
		calls++
		return calls < 3, nil
	}
	_, _, err := Generate(context.Background(), inUse)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestGenerate_GivesUp(t *testing.T) {
	alwaysTaken := func(ctx context.Context, h types.Hash) (bool, error) { return true, nil }
	_, _, err := Generate(context.Background(), alwaysTaken)
	require.Error(t, err)

	boom := errors.New("registry down")
	failing := func(ctx context.Context, h types.Hash) (bool, error) { return false, boom }
	_, _, err = Generate(context.Background(), failing)
	require.ErrorIs(t, err, boom)
}

func TestVerify_RejectsOtherSecrets(t *testing.T) {
	s, h, err := Generate(context.Background(), nil)
	require.NoError(t, err)

	wrong := s
	wrong[0] ^= 0xff
	require.False(t, Verify(wrong, h))
}

func TestSealer_RoundTrip(t *testing.T) {
	sealer, err := NewSealer(make([]byte, 32))
	require.NoError(t, err)

	s, _, err := Generate(context.Background(), nil)
	require.NoError(t, err)

	sealed, err := sealer.Seal("swap-1", s)
	require.NoError(t, err)
	require.NotContains(t, string(sealed), string(s[:]))

	opened, err := sealer.Open("swap-1", sealed)
	require.NoError(t, err)
	require.Equal(t, s, opened)

	// bound to the swap id
	_, err = sealer.Open("swap-2", sealed)
	require.ErrorIs(t, err, ErrSealedSecret)

	sealed[len(sealed)-1] ^= 0x01
	_, err = sealer.Open("swap-1", sealed)
	require.ErrorIs(t, err, ErrSealedSecret)
}

func TestSealer_KeySources(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	require.Error(t, err)

	_, err = NewSealerFromHex("0x" + "11223344556677889900aabbccddeeff11223344556677889900aabbccddeeff")
	require.NoError(t, err)

	a, err := NewSealerFromPassphrase("correct horse", "salt")
	require.NoError(t, err)
	b, err := NewSealerFromPassphrase("correct horse", "salt")
	require.NoError(t, err)

	var s types.Secret
	s[5] = 9
	sealed, err := a.Seal("swap", s)
	require.NoError(t, err)
	opened, err := b.Open("swap", sealed)
	require.NoError(t, err)
	require.Equal(t, s, opened)

	_, err = NewSealerFromPassphrase("", "salt")
	require.Error(t, err)
}
