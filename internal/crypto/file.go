package crypto

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	appErrors "dbvault/internal/errors"
)

// EncryptedExtension is appended to encrypted artifacts
const EncryptedExtension = ".enc"

// EncryptFile encrypts src into dst. dst appears only once fully written.
func EncryptFile(src, dst string, key Key) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, appErrors.NewIOError("failed to open file for encryption", err)
	}
	defer in.Close()

	var written int64
	err = writeAtomically(dst, func(out *os.File) error {
		w, err := NewEncryptWriter(out, key)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, in); err != nil {
			return wrapCopyError(err, "failed to encrypt file")
		}
		if err := w.Close(); err != nil {
			return err
		}
		info, err := out.Stat()
		if err != nil {
			return appErrors.NewIOError("failed to stat encrypted file", err)
		}
		written = info.Size()
		return nil
	})
	return written, err
}

// DecryptFile decrypts an encrypted artifact next to itself, stripping the
// .enc suffix, and returns the plaintext path. Nothing is left behind when
// authentication fails.
func DecryptFile(path string, key Key) (string, error) {
	return DecryptFileTo(path, DecryptedPath(path), key)
}

// DecryptFileTo decrypts path into dst
func DecryptFileTo(path, dst string, key Key) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", appErrors.NewIOError("failed to open encrypted file", err)
	}
	defer in.Close()

	err = writeAtomically(dst, func(out *os.File) error {
		_, err := Decrypt(out, in, key)
		return err
	})
	if err != nil {
		return "", err
	}
	return dst, nil
}

// DecryptedPath returns the plaintext name for an encrypted artifact
func DecryptedPath(path string) string {
	if strings.HasSuffix(path, EncryptedExtension) {
		return strings.TrimSuffix(path, EncryptedExtension)
	}
	return path + ".dec"
}

func writeAtomically(dst string, fill func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return appErrors.NewIOError("failed to create temporary file", err)
	}
	tmpName := tmp.Name()

	if err := fill(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return appErrors.NewIOError("failed to flush temporary file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return appErrors.NewIOError("failed to close temporary file", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return appErrors.NewIOError("failed to set file permissions", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return appErrors.NewIOError("failed to move file into place", err)
	}
	return nil
}
