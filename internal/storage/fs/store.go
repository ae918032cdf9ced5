package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/avroexport/avroexport/internal/storage"
)

// Store implements storage.ObjectStore on a local directory tree. It exists
// for single-host exports and tests; the s3 store is the clustered backend.
type Store struct {
	root string
}

func New(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("fs root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create fs root %q: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}
	local, err := s.localPath(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("create object dir for %q: %w", key, err)
	}

	file, err := os.Create(local)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("create object %q: %w", key, err)
	}
	written, err := io.Copy(file, body)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(local)
		return storage.ObjectInfo{}, fmt.Errorf("write object %q: %w", key, err)
	}
	if err := file.Close(); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("close object %q: %w", key, err)
	}
	if size >= 0 && written != size {
		_ = os.Remove(local)
		return storage.ObjectInfo{}, fmt.Errorf("object %q: wrote %d bytes, expected %d", key, written, size)
	}
	return s.stat(key, local)
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	local, err := s.localPath(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(local)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("open object %q: %w", key, err)
	}
	return file, nil
}

func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}
	local, err := s.localPath(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	return s.stat(key, local)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	local, err := s.localPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(local); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("delete object %q: %w", key, err)
	}
	return nil
}

func (s *Store) stat(key, local string) (storage.ObjectInfo, error) {
	info, err := os.Stat(local)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.ObjectInfo{}, storage.ErrObjectNotFound
		}
		return storage.ObjectInfo{}, fmt.Errorf("stat object %q: %w", key, err)
	}
	return storage.ObjectInfo{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}

func (s *Store) localPath(key string) (string, error) {
	key = strings.TrimSpace(strings.TrimPrefix(key, "/"))
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}
