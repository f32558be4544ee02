package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	appErrors "dbvault/internal/errors"

	"golang.org/x/crypto/hkdf"
)

// Stream layout:
//
//	header: magic(4) | version(1) | chunk size(4, big endian) | salt(32)
//	body:   sealed chunks, each chunk size plaintext bytes + 16 byte tag;
//	        the last chunk may be shorter, possibly empty.
//
// Every chunk is sealed with AES-256-GCM under a subkey derived from the key
// and the per-file salt. The nonce is an 11 byte chunk counter followed by a
// flag byte that is 1 only for the final chunk, so reordering, truncation and
// appended data all fail authentication. The header is bound as associated data.

const (
	streamVersion    = 1
	defaultChunkSize = 64 * 1024
	maxChunkSize     = 16 * 1024 * 1024
	saltSize         = 32
	headerSize       = 4 + 1 + 4 + saltSize
	tagSize          = 16
	nonceSize        = 12
)

var streamMagic = [4]byte{'D', 'B', 'V', 'E'}

var hkdfInfo = []byte("dbvault stream v1")

func newAEAD(key Key, salt []byte) (cipher.AEAD, error) {
	subkey := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key.bytes(), salt, hkdfInfo), subkey); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func chunkNonce(counter uint64, last bool) []byte {
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint64(nonce[3:11], counter)
	if last {
		nonce[11] = 1
	}
	return nonce
}

type encryptWriter struct {
	dst     io.Writer
	aead    cipher.AEAD
	header  []byte
	buf     []byte
	chunk   int
	counter uint64
	closed  bool
	err     error
}

// NewEncryptWriter returns a WriteCloser that encrypts everything written to
// it into dst. Close must be called to seal the final chunk; it does not
// close dst.
func NewEncryptWriter(dst io.Writer, key Key) (io.WriteCloser, error) {
	return newEncryptWriter(dst, key, defaultChunkSize)
}

func newEncryptWriter(dst io.Writer, key Key, chunk int) (*encryptWriter, error) {
	if key.IsZero() {
		return nil, appErrors.NewEncryptionError("encryption key is required", nil)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, appErrors.NewEncryptionError("failed to generate salt", err)
	}

	aead, err := newAEAD(key, salt)
	if err != nil {
		return nil, appErrors.NewEncryptionError("failed to initialise cipher", err)
	}

	header := make([]byte, 0, headerSize)
	header = append(header, streamMagic[:]...)
	header = append(header, streamVersion)
	header = binary.BigEndian.AppendUint32(header, uint32(chunk))
	header = append(header, salt...)

	if _, err := dst.Write(header); err != nil {
		return nil, appErrors.NewIOError("failed to write encryption header", err)
	}

	return &encryptWriter{
		dst:    dst,
		aead:   aead,
		header: header,
		buf:    make([]byte, 0, chunk),
		chunk:  chunk,
	}, nil
}

func (w *encryptWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, appErrors.NewEncryptionError("write to closed encrypt writer", nil)
	}

	written := 0
	for len(p) > 0 {
		// A full buffer is only sealed once more data proves it is not the last chunk.
		if len(w.buf) == w.chunk {
			if err := w.seal(false); err != nil {
				return written, err
			}
		}
		n := copy(w.buf[len(w.buf):w.chunk], p)
		w.buf = w.buf[:len(w.buf)+n]
		p = p[n:]
		written += n
	}
	return written, nil
}

func (w *encryptWriter) seal(last bool) error {
	sealed := w.aead.Seal(nil, chunkNonce(w.counter, last), w.buf, w.header)
	if _, err := w.dst.Write(sealed); err != nil {
		w.err = appErrors.NewIOError("failed to write encrypted chunk", err)
		return w.err
	}
	w.counter++
	w.buf = w.buf[:0]
	return nil
}

// Close seals the final chunk
func (w *encryptWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	return w.seal(true)
}

type decryptReader struct {
	src     io.Reader
	aead    cipher.AEAD
	header  []byte
	sealed  []byte
	plain   []byte
	pos     int
	counter uint64
	done    bool
	err     error
}

// NewDecryptReader returns a Reader yielding the plaintext of an encrypted
// stream. Plaintext is only released chunk by chunk after authentication;
// any tampering, truncation, trailing data or wrong key yields an
// authentication error.
func NewDecryptReader(src io.Reader, key Key) (io.Reader, error) {
	if key.IsZero() {
		return nil, appErrors.NewEncryptionError("decryption key is required", nil)
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(src, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, appErrors.NewAuthenticationError("ciphertext is truncated: incomplete header", err)
		}
		return nil, appErrors.NewIOError("failed to read encryption header", err)
	}

	if !bytes.Equal(header[:4], streamMagic[:]) {
		return nil, appErrors.NewAuthenticationError("not a dbvault encrypted stream", nil)
	}
	if header[4] != streamVersion {
		return nil, appErrors.NewAuthenticationError("unsupported encryption format version", nil)
	}

	chunk := int(binary.BigEndian.Uint32(header[5:9]))
	if chunk <= 0 || chunk > maxChunkSize {
		return nil, appErrors.NewAuthenticationError("invalid chunk size in header", nil)
	}

	aead, err := newAEAD(key, header[9:])
	if err != nil {
		return nil, appErrors.NewEncryptionError("failed to initialise cipher", err)
	}

	return &decryptReader{
		src:    src,
		aead:   aead,
		header: header,
		sealed: make([]byte, chunk+tagSize),
	}, nil
}

func (r *decryptReader) Read(p []byte) (int, error) {
	for r.pos >= len(r.plain) {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		r.err = r.next()
	}

	n := copy(p, r.plain[r.pos:])
	r.pos += n
	return n, nil
}

func (r *decryptReader) next() error {
	n, err := io.ReadFull(r.src, r.sealed)
	switch {
	case errors.Is(err, io.EOF):
		return appErrors.NewAuthenticationError("ciphertext is truncated: final chunk missing", nil)
	case errors.Is(err, io.ErrUnexpectedEOF):
		// A short chunk can only be the last one.
		return r.open(r.sealed[:n], true)
	case err != nil:
		return appErrors.NewIOError("failed to read encrypted chunk", err)
	}

	nonce := chunkNonce(r.counter, false)
	if plain, openErr := r.aead.Open(r.plain[:0], nonce, r.sealed, r.header); openErr == nil {
		r.plain, r.pos = plain, 0
		r.counter++
		return nil
	}

	// A full-size final chunk: the stream must end right here.
	if err := r.open(r.sealed, true); err != nil {
		return err
	}
	var peek [1]byte
	if m, _ := io.ReadFull(r.src, peek[:]); m > 0 {
		r.plain, r.pos, r.done = nil, 0, false
		return appErrors.NewAuthenticationError("unexpected data after final chunk", nil)
	}
	return nil
}

func (r *decryptReader) open(sealed []byte, last bool) error {
	if len(sealed) < tagSize {
		return appErrors.NewAuthenticationError("ciphertext is truncated: partial chunk", nil)
	}
	plain, err := r.aead.Open(r.plain[:0], chunkNonce(r.counter, last), sealed, r.header)
	if err != nil {
		return appErrors.NewAuthenticationError("ciphertext failed authentication: tampered data or wrong key", err)
	}
	r.plain, r.pos = plain, 0
	r.counter++
	r.done = last
	return nil
}

// Encrypt copies src into dst as an encrypted stream
func Encrypt(dst io.Writer, src io.Reader, key Key) (int64, error) {
	w, err := NewEncryptWriter(dst, key)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, src)
	if err != nil {
		return n, wrapCopyError(err, "failed to encrypt stream")
	}
	return n, w.Close()
}

// Decrypt copies the plaintext of the encrypted stream src into dst.
// On error dst may already hold authenticated plaintext from earlier
// chunks; callers writing to files should discard the output.
func Decrypt(dst io.Writer, src io.Reader, key Key) (int64, error) {
	r, err := NewDecryptReader(src, key)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, r)
	if err != nil {
		return n, wrapCopyError(err, "failed to decrypt stream")
	}
	return n, nil
}

func wrapCopyError(err error, message string) error {
	var appErr *appErrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return appErrors.NewIOError(message, err)
}
