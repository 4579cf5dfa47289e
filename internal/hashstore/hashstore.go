// Package hashstore is the Content Hasher & File Store: stable hashing of
// tracked files and crash-safe atomic reads/writes. Every other component
// that persists state goes through this package rather than touching
// os.WriteFile directly, so a hash mismatch across a session boundary is
// always detectable.
package hashstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"ratchet/internal/logging"
)

// DigestWidth is the printable width a digest is truncated to. Sixteen
// hex characters (64 bits) is enough to detect accidental mutation without
// carrying the full SHA-256 string through manifests and logs.
const DigestWidth = 16

// Hash returns the stable truncated digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:DigestWidth]
}

// HashFile reads path and returns its digest. A missing file hashes to the
// sentinel digest of an empty byte slice's own hash prefixed with "absent:"
// so callers can distinguish "file gone" from "file empty" without a
// separate existence check.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "absent:" + Hash(nil), nil
		}
		return "", fmt.Errorf("hashstore: read %s: %w", path, err)
	}
	return Hash(data), nil
}

// Read reads path and returns its bytes.
func Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hashstore: read %s: %w", path, err)
	}
	return data, nil
}

// Write atomically writes data to path: write to a temp file in the same
// directory, fsync, then rename over the destination. A crash mid-write
// leaves the original file untouched.
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("hashstore: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("hashstore: create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("hashstore: write temp %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("hashstore: sync temp %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("hashstore: close temp %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("hashstore: chmod temp %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("hashstore: rename %s -> %s: %w", tmpName, path, err)
	}

	logging.TactileDebug("wrote %s (%d bytes, atomic)", path, len(data))
	return nil
}

// VerifyUnchanged re-hashes path and compares against want. A mismatch
// means something outside the engine's own write path touched the file
// since it was last hashed.
func VerifyUnchanged(path, want string) error {
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("hashstore: %s mutated: want %s, got %s", path, want, got)
	}
	return nil
}

// CopyFile copies src to dst atomically via Write, preserving src's content
// exactly. Used by the Checkpoint Manager to snapshot state files.
func CopyFile(src, dst string) error {
	data, err := Read(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	perm := os.FileMode(0644)
	if err == nil {
		perm = info.Mode().Perm()
	}
	return Write(dst, data, perm)
}
