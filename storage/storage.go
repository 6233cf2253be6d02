package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrKeyNotFound = errors.New("storage: key not found")
	ErrInvalidKey  = errors.New("storage: invalid key")
)

// Storage is a durable blob store. Keys are relative slash-separated paths.
// Every Set is a single atomic rewrite, so a concurrent reader never observes
// a half-written value.
type Storage interface {
	Set(key string, value []byte) error
	GetKey(key string) ([]byte, error)
	Exist(key string) (bool, error)
	Delete(key string) error
	ListKeys(prefix string) ([]string, error)
	Root() string
}

// FileStorage stores each value as one file below a root directory.
type FileStorage struct {
	root string
}

// New creates the root directory if needed and returns a store rooted there.
func New(root string) (*FileStorage, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create storage root %s: %w", root, err)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	return &FileStorage{root: abs}, nil
}

func (s *FileStorage) Root() string {
	return s.root
}

// Path returns the absolute on-disk location of a key.
func (s *FileStorage) Path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}

// Set writes value under key, creating parent directories as needed. The
// value lands in a temp file in the target directory and is renamed into
// place so the target path is always either the old or the new content.
func (s *FileStorage) Set(key string, value []byte) error {
	path, err := s.Path(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}

	return nil
}

func (s *FileStorage) GetKey(key string) ([]byte, error) {
	path, err := s.Path(key)
	if err != nil {
		return nil, err
	}

	value, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}

	return value, nil
}

func (s *FileStorage) Exist(key string) (bool, error) {
	path, err := s.Path(key)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// Delete removes a key. Absence is success. Empty parent directories left
// behind are pruned up to the root.
func (s *FileStorage) Delete(key string) error {
	path, err := s.Path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for dir := filepath.Dir(path); dir != s.root; dir = filepath.Dir(dir) {
		// stops at the first non-empty directory
		if err := os.Remove(dir); err != nil {
			break
		}
	}

	return nil
}

// ListKeys walks the tree and returns every key with the given prefix. A
// trailing "*" on the prefix is accepted and ignored, "*" alone lists all.
func (s *FileStorage) ListKeys(prefix string) ([]string, error) {
	if prefix == "*" {
		prefix = ""
	} else if strings.HasSuffix(prefix, "*") {
		prefix = prefix[:len(prefix)-1]
	}

	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return keys, nil
}
