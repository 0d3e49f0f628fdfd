package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path"
)

// MaxKeyLength is the maximum accepted length of a logical cache key in bytes.
const MaxKeyLength = 1024

// ErrInvalidKey is returned when a logical key is empty or exceeds MaxKeyLength.
var ErrInvalidKey = errors.New("invalid cache key")

// KeyCodec maps logical cache keys to filesystem locations within a scope.
// The mapping is deterministic and collision-resistant: the key is hashed with
// SHA-256 so arbitrary key content (including path separators and traversal
// sequences) can never escape the scope directory.
type KeyCodec struct {
	// Prefix is prepended to every generated filename.
	Prefix string
	// Extension is appended to every generated filename (including the dot).
	Extension string
}

// Resolve returns the location of the entry file for key within scopePath.
// Returns ErrInvalidKey if the key is empty or exceeds MaxKeyLength.
func (c KeyCodec) Resolve(scopePath, key string) (string, error) {
	name, err := c.Filename(key)
	if err != nil {
		return "", err
	}
	return path.Join(scopePath, name), nil
}

// Filename returns the bare filename for key, without any scope path.
func (c KeyCodec) Filename(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return c.Prefix + HashKey(key) + c.Extension, nil
}

// ValidateKey checks that a logical key is usable.
func ValidateKey(key string) error {
	if key == "" || len(key) > MaxKeyLength {
		return ErrInvalidKey
	}
	return nil
}

// HashKey returns the hex-encoded SHA-256 digest of a logical key.
// Lock markers and tag records reuse the same encoding so every on-disk
// artifact derived from a key shares one naming scheme.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
