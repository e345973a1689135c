// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package payload provides storage for the business content of User Messages.
//
// Message unit metadata only references payloads by id; the content is kept
// by a Provider. Providers exist for the local file system (this package),
// MongoDB GridFS (internal/storage/mongodb) and S3 compatible object
// storage (pkg/payload/minio).
package payload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidID is returned for payload ids that cannot be used as keys
var ErrInvalidID = errors.New("invalid payload id")

// Provider stores payload content
type Provider interface {
	// Create returns a handle to write new content for the id
	Create(ctx context.Context, id string) (io.WriteCloser, error)
	// Open returns the content for the id, or nil, nil when there is none
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	// Remove deletes the content for the id. Removing missing content is not an error.
	Remove(ctx context.Context, id string) error
}

// NewID generates a new payload id
func NewID() string {
	return uuid.New().String()
}

// Write stores data under id
func Write(ctx context.Context, p Provider, id string, data []byte) error {
	w, err := p.Create(ctx, id)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing payload %s: %w", id, err)
	}
	return w.Close()
}

// Read returns the content stored under id, or nil when there is none
func Read(ctx context.Context, p Provider, id string) ([]byte, error) {
	r, err := p.Open(ctx, id)
	if err != nil || r == nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading payload %s: %w", id, err)
	}
	return data, nil
}

// FileProvider keeps payloads as files in a directory
type FileProvider struct {
	dir string
}

// NewFileProvider creates a provider storing files below dir
func NewFileProvider(dir string) (*FileProvider, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating payload directory: %w", err)
	}
	return &FileProvider{dir: dir}, nil
}

func (f *FileProvider) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(f.dir, id), nil
}

// Create implements Provider
func (f *FileProvider) Create(_ context.Context, id string) (io.WriteCloser, error) {
	p, err := f.path(id)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("creating payload %s: %w", id, err)
	}
	return file, nil
}

// Open implements Provider
func (f *FileProvider) Open(_ context.Context, id string) (io.ReadCloser, error) {
	p, err := f.path(id)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening payload %s: %w", id, err)
	}
	return file, nil
}

// Remove implements Provider
func (f *FileProvider) Remove(_ context.Context, id string) error {
	p, err := f.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing payload %s: %w", id, err)
	}
	return nil
}
