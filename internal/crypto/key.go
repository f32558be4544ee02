package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	appErrors "dbvault/internal/errors"

	"golang.org/x/crypto/pbkdf2"
)

// KeySize is the length in bytes of an encryption key (AES-256)
const KeySize = 32

// PassphraseIterations is the PBKDF2-SHA256 work factor for passphrase keys
const PassphraseIterations = 600000

// Key is a symmetric encryption key. The zero value means "no key".
// String and GoString never reveal key material, only a fingerprint.
type Key struct {
	material [KeySize]byte
	set      bool
}

// GenerateKey returns a new random key
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k.material[:]); err != nil {
		return Key{}, appErrors.NewEncryptionError("failed to generate encryption key", err)
	}
	k.set = true
	return k, nil
}

// KeyFromBytes copies raw key material into a Key
func KeyFromBytes(b []byte) (Key, error) {
	if len(b) != KeySize {
		return Key{}, appErrors.NewConfigurationError(
			fmt.Sprintf("encryption key must be %d bytes, got %d", KeySize, len(b)), nil)
	}
	var k Key
	copy(k.material[:], b)
	k.set = true
	return k, nil
}

// ParseKey decodes a key produced by Encode. Hex encoding is accepted as well.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Key{}, appErrors.NewConfigurationError("encryption key is empty", nil)
	}

	if len(s) == hex.EncodedLen(KeySize) {
		if b, err := hex.DecodeString(s); err == nil {
			return KeyFromBytes(b)
		}
	}

	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return Key{}, appErrors.NewConfigurationError("encryption key is not valid base64", err)
	}
	return KeyFromBytes(b)
}

// DeriveKey stretches a passphrase into a key with PBKDF2-SHA256
func DeriveKey(passphrase string, salt []byte) (Key, error) {
	if passphrase == "" {
		return Key{}, appErrors.NewConfigurationError("passphrase is empty", nil)
	}
	if len(salt) < 16 {
		return Key{}, appErrors.NewConfigurationError("salt must be at least 16 bytes", nil)
	}
	return KeyFromBytes(pbkdf2.Key([]byte(passphrase), salt, PassphraseIterations, KeySize, sha256.New))
}

// NewSalt returns random bytes suitable for DeriveKey
func NewSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, appErrors.NewEncryptionError("failed to generate salt", err)
	}
	return salt, nil
}

// IsZero reports whether k holds no key material
func (k Key) IsZero() bool {
	return !k.set
}

// Encode returns the key as unpadded URL-safe base64
func (k Key) Encode() string {
	return base64.RawURLEncoding.EncodeToString(k.material[:])
}

// Fingerprint identifies a key without revealing it
func (k Key) Fingerprint() string {
	if !k.set {
		return ""
	}
	sum := sha256.Sum256(k.material[:])
	return hex.EncodeToString(sum[:8])
}

// Equal compares two keys in constant time
func (k Key) Equal(other Key) bool {
	return k.set == other.set && subtle.ConstantTimeCompare(k.material[:], other.material[:]) == 1
}

func (k Key) String() string {
	if !k.set {
		return "Key(none)"
	}
	return "Key(" + k.Fingerprint() + ")"
}

func (k Key) GoString() string {
	return k.String()
}

func (k Key) bytes() []byte {
	return k.material[:]
}
