// Package blobstore keeps insuree photo files outside the database. Files
// are addressed by a folder and a file name relative to a root.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
	ErrInvalidPath        = errors.New("path escapes the store root")
)

// MaxFileSize is the largest photo accepted, 5 MB.
const MaxFileSize = 5 * 1024 * 1024

var AllowedContentTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

type BlobStore interface {
	Put(ctx context.Context, folder, fileName string, content []byte) error
	Get(ctx context.Context, folder, fileName string) ([]byte, error)
	Delete(ctx context.Context, folder, fileName string) error
}

// CheckContent enforces the size limit and sniffs an allowed image type.
func CheckContent(content []byte) (string, error) {
	if len(content) > MaxFileSize {
		return "", ErrFileTooLarge
	}
	ct := http.DetectContentType(content)
	if !AllowedContentTypes[ct] {
		return ct, ErrInvalidContentType
	}
	return ct, nil
}

// FileStore stores blobs on the local filesystem under root.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("blobstore: root path is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("blobstore: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	return &FileStore{root: abs}, nil
}

func (s *FileStore) path(folder, fileName string) (string, error) {
	if fileName == "" {
		return "", ErrMissingFileName
	}
	p := filepath.Join(s.root, folder, fileName)
	if p != s.root && !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return p, nil
}

func (s *FileStore) Put(_ context.Context, folder, fileName string, content []byte) error {
	p, err := s.path(folder, fileName)
	if err != nil {
		return err
	}
	if len(content) > MaxFileSize {
		return ErrFileTooLarge
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("blobstore: create folder: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, content, 0o640); err != nil {
		return fmt.Errorf("blobstore: write %s: %w", fileName, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("blobstore: commit %s: %w", fileName, err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, folder, fileName string) ([]byte, error) {
	p, err := s.path(folder, fileName)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", fileName, err)
	}
	return data, nil
}

func (s *FileStore) Delete(_ context.Context, folder, fileName string) error {
	p, err := s.path(folder, fileName)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("blobstore: delete %s: %w", fileName, err)
	}
	return nil
}

// InMemoryBlobStore is a thread-safe BlobStore for tests and development.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string][]byte)}
}

func memKey(folder, fileName string) string {
	return folder + "/" + fileName
}

func (s *InMemoryBlobStore) Put(_ context.Context, folder, fileName string, content []byte) error {
	if fileName == "" {
		return ErrMissingFileName
	}
	if len(content) > MaxFileSize {
		return ErrFileTooLarge
	}
	s.mu.Lock()
	s.blobs[memKey(folder, fileName)] = append([]byte(nil), content...)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryBlobStore) Get(_ context.Context, folder, fileName string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blobs[memKey(folder, fileName)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, folder, fileName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(folder, fileName)
	if _, ok := s.blobs[k]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, k)
	return nil
}
