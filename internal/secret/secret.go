package secret

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/1inch/swap-coordinator/internal/types"
)

const maxGenerateAttempts = 8

// InUseFunc reports whether a hashlock is already bound to a swap.
type InUseFunc func(ctx context.Context, hashlock types.Hash) (bool, error)

// Generate produces a fresh secret and its SHA-256 hashlock. The hashlock is
// checked against inUse so no two swaps ever share a commitment.
func Generate(ctx context.Context, inUse InUseFunc) (types.Secret, types.Hash, error) {
	for attempt := 1; attempt <= maxGenerateAttempts; attempt++ {
		var s types.Secret
		if _, err := rand.Read(s[:]); err != nil {
			return types.Secret{}, types.Hash{}, fmt.Errorf("failed to read random secret: %w", err)
		}
		hashlock := s.Hash()

		if inUse == nil {
			return s, hashlock, nil
		}
		taken, err := inUse(ctx, hashlock)
		if err != nil {
			return types.Secret{}, types.Hash{}, fmt.Errorf("failed to check hashlock uniqueness: %w", err)
		}
		if !taken {
			return s, hashlock, nil
		}
		log.WithField("attempt", attempt).Warn("generated hashlock already in use, retrying")
	}
	return types.Secret{}, types.Hash{}, fmt.Errorf("failed to generate unique hashlock after %d attempts", maxGenerateAttempts)
}

// HashOf returns SHA-256 over the raw secret bytes.
func HashOf(s types.Secret) types.Hash {
	return s.Hash()
}

// Verify reports whether s is the preimage of hashlock.
func Verify(s types.Secret, hashlock types.Hash) bool {
	h := s.Hash()
	return subtle.ConstantTimeCompare(h[:], hashlock[:]) == 1
}
