package secret

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/1inch/swap-coordinator/internal/types"
)

const (
	// scrypt parameters for passphrase-derived keys
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var ErrSealedSecret = errors.New("failed to open sealed secret")

// Sealer encrypts secrets at rest. The swap id is bound as associated data.
type Sealer struct {
	key []byte
}

// NewSealer creates a sealer from a raw 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("sealer key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Sealer{key: k}, nil
}

// NewSealerFromHex creates a sealer from a hex encoded key.
func NewSealerFromHex(hexKey string) (*Sealer, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode sealer key: %w", err)
	}
	return NewSealer(key)
}

// NewSealerFromPassphrase derives the key with scrypt.
func NewSealerFromPassphrase(passphrase, salt string) (*Sealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("empty passphrase")
	}
	key, err := scrypt.Key([]byte(passphrase), []byte(salt), scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive sealer key: %w", err)
	}
	return NewSealer(key)
}

// Seal encrypts the secret for the given swap: nonce || ciphertext.
func (s *Sealer) Seal(swapID string, secret types.Secret) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(secret)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, secret[:], []byte(swapID)), nil
}

// Open decrypts a sealed secret for the given swap.
func (s *Sealer) Open(swapID string, sealed []byte) (types.Secret, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return types.Secret{}, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return types.Secret{}, ErrSealedSecret
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(swapID))
	if err != nil || len(plain) != types.HashSize {
		return types.Secret{}, ErrSealedSecret
	}
	var out types.Secret
	copy(out[:], plain)
	return out, nil
}
