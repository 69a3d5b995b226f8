package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// HashSize is the length of a hashlock and of a secret in bytes.
const HashSize = 32

// Hash is a SHA-256 digest, used for hashlocks and lock identifiers.
type Hash [HashSize]byte

// Secret is the 32-byte preimage of a hashlock.
type Secret [HashSize]byte

// Hex returns the 0x-prefixed hex encoding of the hash.
func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) String() string {
	return h.Hex()
}

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses a 32-byte hex string with or without 0x prefix.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := decodeFixed(s, h[:]); err != nil {
		return Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return h, nil
}

// Hex returns the 0x-prefixed hex encoding of the secret.
// Use it only where the secret is meant to leave the process.
func (s Secret) Hex() string {
	return "0x" + hex.EncodeToString(s[:])
}

// String redacts the secret so it never ends up in logs.
func (s Secret) String() string {
	return "[redacted]"
}

// IsZero reports whether the secret is unset.
func (s Secret) IsZero() bool {
	return s == Secret{}
}

// Hash returns SHA-256 over the raw secret bytes.
func (s Secret) Hash() Hash {
	return Hash(sha256.Sum256(s[:]))
}

// ParseSecret parses a 32-byte hex secret with or without 0x prefix.
func ParseSecret(str string) (Secret, error) {
	var s Secret
	if err := decodeFixed(str, s[:]); err != nil {
		return Secret{}, fmt.Errorf("invalid secret: %w", err)
	}
	return s, nil
}

// DeriveLockID returns the deterministic lock identifier for one leg of a swap.
// Retrying createLock with the same id is idempotent on chain.
func DeriveLockID(swapID string, leg LegName) Hash {
	return Hash(sha256.Sum256([]byte("htlc-lock:" + swapID + ":" + string(leg))))
}

func decodeFixed(s string, dst []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}
