// Package storage reads sample files from a local directory or an S3 bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
)

var (
	ErrNotFound    = errors.New("storage: not found")
	ErrInvalidPath = errors.New("storage: invalid path")
)

// Store is a read-only flat key space. Keys use forward slashes and are
// relative to the store root.
type Store interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns the sorted keys starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Root describes where keys resolve, for logs.
	Root() string
}

// ReadAll returns the full object at key.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Settings carries the S3 knobs read from source configuration.
type Settings struct {
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// Open builds a store for a file:// or s3://bucket/prefix locator.
func Open(ctx context.Context, locator *url.URL, settings Settings) (Store, error) {
	if locator == nil {
		return nil, fmt.Errorf("%w: locator is required", ErrInvalidPath)
	}
	switch strings.ToLower(locator.Scheme) {
	case "file":
		p := locator.Path
		if p == "" {
			p = locator.Opaque
		}
		return NewFS(p)
	case "s3":
		client, err := NewClient(ctx, ClientConfig{
			Region:          settings.Region,
			Endpoint:        settings.Endpoint,
			UsePathStyle:    settings.UsePathStyle,
			AccessKeyID:     settings.AccessKeyID,
			SecretAccessKey: settings.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return NewS3(client, S3Config{Bucket: locator.Host, Prefix: strings.TrimPrefix(locator.Path, "/")})
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidPath, locator.Scheme)
	}
}

// cleanKey normalizes key and rejects anything escaping the root.
func cleanKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", ErrInvalidPath
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+key), "/")
	if cleaned == "" || strings.Contains(key, "\x00") {
		return "", ErrInvalidPath
	}
	if strings.HasPrefix(path.Clean(key), "..") {
		return "", fmt.Errorf("%w: %q escapes the root", ErrInvalidPath, key)
	}
	return cleaned, nil
}

// cleanPrefix is cleanKey that also accepts the empty prefix.
func cleanPrefix(prefix string) (string, error) {
	if prefix == "" {
		return "", nil
	}
	return cleanKey(prefix)
}
