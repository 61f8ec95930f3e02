// Package objectstore provides the single-bucket, project-prefix-addressed object storage
// described in spec §6: a script object is addressed as "<project_storage_prefix>/<script_object_key>".
// Grounded on pkg/blob/supabase_storage.go's Upload/Download/Delete/Exists/sanitizeKey interface
// shape, rebacked by the local filesystem since this spec has no managed object-storage dependency
// in the pack to wire against — the one place this module reaches for stdlib os/io over a
// third-party client, justified because no example repo ships a non-Supabase-specific object
// storage client and wiring Supabase itself would require a project-specific account this spec
// has no analogue for.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/volcompute/orchestrator/internal/errors"
)

// Store is a single bucket rooted at a base directory on disk.
type Store struct {
	baseDir string
}

// New creates a Store rooted at baseDir, creating it if necessary.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Internal("create object store root", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Put uploads an object's body under prefix/key.
func (s *Store) Put(ctx context.Context, prefix, key string, body []byte) error {
	full := s.resolve(prefix, key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errors.Internal("create object directory", err)
	}
	if err := os.WriteFile(full, body, 0o644); err != nil {
		return errors.Internal("write object", err)
	}
	return nil
}

// Get downloads the object body at prefix/key.
func (s *Store) Get(ctx context.Context, prefix, key string) ([]byte, error) {
	full := s.resolve(prefix, key)
	body, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("object", path.Join(prefix, key))
		}
		return nil, errors.Internal("read object", err)
	}
	return body, nil
}

// GetReader returns a streaming reader for the object at prefix/key; the caller must Close it.
func (s *Store) GetReader(ctx context.Context, prefix, key string) (io.ReadCloser, error) {
	full := s.resolve(prefix, key)
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("object", path.Join(prefix, key))
		}
		return nil, errors.Internal("open object", err)
	}
	return f, nil
}

// Delete removes the object at prefix/key; a missing object is not an error.
func (s *Store) Delete(ctx context.Context, prefix, key string) error {
	full := s.resolve(prefix, key)
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return errors.Internal("delete object", err)
	}
	return nil
}

// DeletePrefix removes every object under prefix, used by delete_project's best-effort cascade
// (spec §4.1 "removes the storage prefix contents best-effort").
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	dir := filepath.Join(s.baseDir, sanitizeSegment(prefix))
	if err := os.RemoveAll(dir); err != nil {
		return errors.Internal("delete prefix", err)
	}
	return nil
}

// Exists checks whether an object is present at prefix/key.
func (s *Store) Exists(ctx context.Context, prefix, key string) (bool, error) {
	full := s.resolve(prefix, key)
	_, err := os.Stat(full)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Internal("stat object", err)
}

// SHA256Hex computes the lowercase hex SHA-256 digest of an object's body, the comparison form
// used throughout verify/hash-mismatch handling (spec §6 "Hash verification uses lowercase hex
// SHA-256 strings").
func SHA256Hex(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// VerifyHash fetches the object at prefix/key and compares its SHA-256 digest to expected,
// returning errors.HashMismatch on mismatch (spec §4.5 verify step).
func (s *Store) VerifyHash(ctx context.Context, prefix, key, expected string) ([]byte, error) {
	body, err := s.Get(ctx, prefix, key)
	if err != nil {
		return nil, err
	}
	actual := SHA256Hex(body)
	if !strings.EqualFold(actual, expected) {
		return nil, errors.HashMismatch(expected, actual)
	}
	return body, nil
}

func (s *Store) resolve(prefix, key string) string {
	return filepath.Join(s.baseDir, sanitizeSegment(prefix), sanitizeSegment(key))
}

// sanitizeSegment mirrors the teacher's sanitizeKey: strips leading slashes, cleans the path, and
// neutralizes ".." segments to prevent traversal outside the store root.
func sanitizeSegment(segment string) string {
	segment = strings.TrimPrefix(segment, "/")
	segment = path.Clean(segment)
	segment = strings.ReplaceAll(segment, "..", "_")
	return segment
}
