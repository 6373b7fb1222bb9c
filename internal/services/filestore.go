package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/taskboard/pkg/apperr"
)

const ReasonStorageFailed apperr.Reason = "storage_failed"

// FileStore keeps attachment bytes outside the database. Paths it returns
// are opaque keys for later Open/Delete calls.
type FileStore interface {
	Put(ctx context.Context, name string, r io.Reader) (path string, size int64, err error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}

// LocalFileStore writes files under a root directory, bucketed by month.
type LocalFileStore struct {
	root string
}

func NewLocalFileStore(root string) (*LocalFileStore, error) {
	if root == "" {
		root = "data/attachments"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalFileStore{root: root}, nil
}

func (s *LocalFileStore) Put(ctx context.Context, name string, r io.Reader) (string, int64, error) {
	rel := filepath.Join(time.Now().UTC().Format("2006/01"), uuid.NewString()+strings.ToLower(filepath.Ext(name)))
	full := filepath.Join(s.root, rel)

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", 0, apperr.Dependency(ReasonStorageFailed, "failed to store file", err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, apperr.Dependency(ReasonStorageFailed, "failed to store file", err)
	}

	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(full)
		return "", 0, apperr.Dependency(ReasonStorageFailed, "failed to store file", copyErr)
	}
	return filepath.ToSlash(rel), n, nil
}

func (s *LocalFileStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, apperr.Dependency(ReasonStorageFailed, "failed to open file", err)
	}
	return f, nil
}

func (s *LocalFileStore) Delete(ctx context.Context, path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return apperr.Dependency(ReasonStorageFailed, "failed to delete file", err)
	}
	return nil
}

// resolve rejects keys that would escape the root.
func (s *LocalFileStore) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", apperr.Validation("invalid_path", "invalid storage path")
	}
	return filepath.Join(s.root, clean), nil
}
