package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// MaxKeyLength bounds each PairKey component in bytes.
const MaxKeyLength = 512

var (
	ErrInvalidKey = errors.New("cache: key is invalid")
	ErrKeyTooLong = errors.New("cache: key exceeds max length")
)

// PairKey identifies a delegated token by the agent role that requested it
// and the user it acts for. Two tokens for the same pair share an entry
// regardless of the raw upstream token string.
type PairKey struct {
	Role    string
	Subject string
}

// NewPairKey validates both components and builds a key. Neither may be
// blank, hold control characters, or exceed MaxKeyLength; the role may not
// contain ':' so String stays unambiguous.
func NewPairKey(role, subject string) (PairKey, error) {
	if err := checkComponent(role); err != nil {
		return PairKey{}, fmt.Errorf("role: %w", err)
	}
	if strings.Contains(role, ":") {
		return PairKey{}, fmt.Errorf("role: %w: contains ':'", ErrInvalidKey)
	}
	if err := checkComponent(subject); err != nil {
		return PairKey{}, fmt.Errorf("subject: %w", err)
	}
	return PairKey{Role: role, Subject: subject}, nil
}

func checkComponent(s string) error {
	switch {
	case strings.TrimSpace(s) == "":
		return ErrInvalidKey
	case len(s) > MaxKeyLength:
		return ErrKeyTooLong
	case strings.IndexFunc(s, unicode.IsControl) >= 0:
		return fmt.Errorf("%w: control character", ErrInvalidKey)
	}
	return nil
}

// String renders the key as role:subject.
func (k PairKey) String() string {
	return k.Role + ":" + k.Subject
}

// Digest returns a stable identifier for an opaque credential so it can
// stand in for a subject without being stored.
// Format: sha256:<first 16 bytes of SHA-256, hex>
func Digest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return "sha256:" + hex.EncodeToString(sum[:16])
}
