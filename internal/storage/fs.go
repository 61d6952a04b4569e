package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type fsStore struct {
	root string
}

// NewFS returns a store rooted at an existing directory.
func NewFS(root string) (Store, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty root", ErrInvalidPath)
	}
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: root %s", ErrNotFound, root)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: root %s is not a directory", ErrInvalidPath, root)
	}
	return &fsStore{root: filepath.Clean(root)}, nil
}

func (f *fsStore) Root() string {
	return "file://" + filepath.ToSlash(f.root)
}

func (f *fsStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	full, err := f.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return file, nil
}

func (f *fsStore) List(_ context.Context, prefix string) ([]string, error) {
	cleaned, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, cleaned) {
			keys = append(keys, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fsStore) path(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.root, filepath.FromSlash(cleaned)), nil
}
