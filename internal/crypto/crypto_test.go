package crypto

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	appErrors "dbvault/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T) Key {
	t.Helper()
	k, err := GenerateKey()
	require.NoError(t, err)
	return k
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func encryptBytes(t *testing.T, plain []byte, key Key, chunk int) []byte {
	t.Helper()
	var out bytes.Buffer
	w, err := newEncryptWriter(&out, key, chunk)
	require.NoError(t, err)
	_, err = w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return out.Bytes()
}

func decryptBytes(ciphertext []byte, key Key) ([]byte, error) {
	var out bytes.Buffer
	_, err := Decrypt(&out, bytes.NewReader(ciphertext), key)
	return out.Bytes(), err
}

func TestGenerateKey(t *testing.T) {
	a := mustKey(t)
	b := mustKey(t)

	assert.False(t, a.IsZero())
	assert.False(t, a.Equal(b))
	assert.Len(t, a.Fingerprint(), 16)
}

func TestKeyNeverPrintsMaterial(t *testing.T) {
	k := mustKey(t)
	encoded := k.Encode()

	for _, format := range []string{"%v", "%+v", "%#v", "%s"} {
		out := fmt.Sprintf(format, k)
		assert.NotContains(t, out, encoded, format)
		assert.Contains(t, out, k.Fingerprint(), format)
	}

	assert.Equal(t, "Key(none)", Key{}.String())
}

func TestParseKeyRoundTrip(t *testing.T) {
	k := mustKey(t)

	parsed, err := ParseKey(k.Encode())
	require.NoError(t, err)
	assert.True(t, k.Equal(parsed))

	padded, err := ParseKey(k.Encode() + "=")
	require.NoError(t, err)
	assert.True(t, k.Equal(padded))

	hexKey := fmt.Sprintf("%x", k.bytes())
	fromHex, err := ParseKey(hexKey)
	require.NoError(t, err)
	assert.True(t, k.Equal(fromHex))
}

func TestParseKeyRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not base64", "!!!not-a-key!!!"},
		{"too short", "c2hvcnQ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKey(tt.input)
			require.Error(t, err)
			assert.Equal(t, appErrors.ErrorTypeConfiguration, appErrors.GetErrorType(err))
		})
	}
}

func TestDeriveKey(t *testing.T) {
	salt := []byte("0123456789abcdef")

	a, err := DeriveKey("correct horse battery staple", salt)
	require.NoError(t, err)
	b, err := DeriveKey("correct horse battery staple", salt)
	require.NoError(t, err)
	c, err := DeriveKey("another passphrase", salt)
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))

	_, err = DeriveKey("", salt)
	assert.Error(t, err)
	_, err = DeriveKey("pw", []byte("short"))
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	key := mustKey(t)
	const chunk = 1024

	sizes := []int{0, 1, chunk - 1, chunk, chunk + 1, 3 * chunk, 3*chunk + 17}
	for _, size := range sizes {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			plain := randomBytes(t, size)
			ciphertext := encryptBytes(t, plain, key, chunk)

			got, err := decryptBytes(ciphertext, key)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(plain, got))
		})
	}
}

func TestRoundTripDefaultChunk(t *testing.T) {
	key := mustKey(t)
	plain := randomBytes(t, 200*1024)

	var ciphertext bytes.Buffer
	n, err := Encrypt(&ciphertext, bytes.NewReader(plain), key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(plain)), n)

	got, err := decryptBytes(ciphertext.Bytes(), key)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestCiphertextIsRandomized(t *testing.T) {
	key := mustKey(t)
	plain := []byte("same input twice")

	a := encryptBytes(t, plain, key, defaultChunkSize)
	b := encryptBytes(t, plain, key, defaultChunkSize)
	assert.NotEqual(t, a, b)
}

func assertAuthFailure(t *testing.T, ciphertext []byte, key Key) {
	t.Helper()
	_, err := decryptBytes(ciphertext, key)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrorTypeAuthentication, appErrors.GetErrorType(err), err.Error())
	assert.False(t, appErrors.IsTransient(err))
}

func TestWrongKeyFails(t *testing.T) {
	ciphertext := encryptBytes(t, randomBytes(t, 5000), mustKey(t), 1024)
	assertAuthFailure(t, ciphertext, mustKey(t))
}

func TestTamperingIsDetected(t *testing.T) {
	key := mustKey(t)
	const chunk = 1024
	ciphertext := encryptBytes(t, randomBytes(t, 3*chunk+100), key, chunk)

	positions := map[string]int{
		"header salt":  headerSize - 1,
		"first chunk":  headerSize + 10,
		"middle chunk": headerSize + (chunk+tagSize)*1 + 5,
		"last tag":     len(ciphertext) - 1,
	}

	for name, pos := range positions {
		t.Run(name, func(t *testing.T) {
			tampered := bytes.Clone(ciphertext)
			tampered[pos] ^= 0x01
			assertAuthFailure(t, tampered, key)
		})
	}
}

func TestTruncationIsDetected(t *testing.T) {
	key := mustKey(t)
	const chunk = 1024
	ciphertext := encryptBytes(t, randomBytes(t, 3*chunk+100), key, chunk)

	cuts := map[string]int{
		"inside header":        headerSize - 3,
		"after header":         headerSize,
		"at chunk boundary":    headerSize + 2*(chunk+tagSize),
		"inside final chunk":   len(ciphertext) - 5,
		"drop final tag bytes": len(ciphertext) - tagSize,
	}

	for name, cut := range cuts {
		t.Run(name, func(t *testing.T) {
			assertAuthFailure(t, ciphertext[:cut], key)
		})
	}
}

func TestFullFinalChunkTruncationIsDetected(t *testing.T) {
	key := mustKey(t)
	const chunk = 1024
	ciphertext := encryptBytes(t, randomBytes(t, 2*chunk), key, chunk)

	// Dropping the last sealed chunk leaves a stream whose final chunk is not flagged.
	assertAuthFailure(t, ciphertext[:headerSize+chunk+tagSize], key)
}

func TestTrailingDataIsDetected(t *testing.T) {
	key := mustKey(t)
	for _, size := range []int{100, 1024} {
		ciphertext := encryptBytes(t, randomBytes(t, size), key, 1024)
		assertAuthFailure(t, append(bytes.Clone(ciphertext), 0x00), key)
	}
}

func TestNotAnEncryptedStream(t *testing.T) {
	assertAuthFailure(t, bytes.Repeat([]byte("plain text "), 10), mustKey(t))
}

func TestZeroKeyRejected(t *testing.T) {
	_, err := NewEncryptWriter(&bytes.Buffer{}, Key{})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrorTypeEncryption, appErrors.GetErrorType(err))

	_, err = NewDecryptReader(bytes.NewReader(nil), Key{})
	require.Error(t, err)
}

func TestEncryptFileAndDecryptFile(t *testing.T) {
	dir := t.TempDir()
	key := mustKey(t)
	plain := randomBytes(t, 70*1024)

	src := filepath.Join(dir, "shop.sql.gz")
	require.NoError(t, os.WriteFile(src, plain, 0600))

	enc := src + EncryptedExtension
	size, err := EncryptFile(src, enc, key)
	require.NoError(t, err)
	assert.Greater(t, size, int64(len(plain)))

	require.NoError(t, os.Remove(src))

	out, err := DecryptFile(enc, key)
	require.NoError(t, err)
	assert.Equal(t, src, out)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestDecryptFileLeavesNothingOnFailure(t *testing.T) {
	dir := t.TempDir()
	key := mustKey(t)

	src := filepath.Join(dir, "app.dump.gz")
	require.NoError(t, os.WriteFile(src, randomBytes(t, 150*1024), 0600))
	enc := src + EncryptedExtension
	_, err := EncryptFile(src, enc, key)
	require.NoError(t, err)
	require.NoError(t, os.Remove(src))

	data, err := os.ReadFile(enc)
	require.NoError(t, err)
	// Corrupt the last chunk so earlier chunks authenticate before the failure.
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(enc, data, 0600))

	_, err = DecryptFile(enc, key)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrorTypeAuthentication, appErrors.GetErrorType(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(enc), entries[0].Name())
}

func TestDecryptedPath(t *testing.T) {
	assert.Equal(t, "/b/shop.sql.gz", DecryptedPath("/b/shop.sql.gz.enc"))
	assert.Equal(t, "/b/shop.bin.dec", DecryptedPath("/b/shop.bin"))
}
