// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package filesink stores images as files. An image is written to a
// temporary file in the target directory and only renamed over the target
// after it has been validated and synced, so a crash mid-transfer never
// replaces the previous image.
package filesink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/safeboot-ota/safeboot"
)

// Errors latched by images
var (
	ErrInsufficientSpace = errors.New("not enough space")
	ErrSizeMismatch      = errors.New("written size does not match declared size")
	ErrClosed            = errors.New("image already committed or aborted")
)

const tempPattern = ".safeboot-*.tmp"

// Sink implements safeboot.Sink on a directory.
type Sink struct {
	// Dir receives the images. It is created if missing.
	Dir string

	// NameToPath optionally overrides where an image of the given kind is
	// placed on commit. Defaults to Dir/firmware.bin and Dir/filesystem.bin.
	NameToPath func(kind safeboot.ImageKind) string

	// Capacity bounds the size of each image. Zero leaves only the free
	// space of the filesystem as a bound.
	Capacity int64

	// CreateTemp optionally overrides how the temporary file is created.
	CreateTemp func(dir, pattern string) (*os.File, error)
}

var _ safeboot.Sink = (*Sink)(nil)

// Path returns the committed location of an image of the given kind.
func (s *Sink) Path(kind safeboot.ImageKind) string {
	if s.NameToPath != nil {
		return s.NameToPath(kind)
	}
	return filepath.Join(s.Dir, kind.String()+".bin")
}

// Open implements safeboot.Sink.
func (s *Sink) Open(ctx context.Context, size int64, kind safeboot.ImageKind) (safeboot.Image, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid image kind %v", kind)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating image directory: %w", err)
	}
	s.removeStale()

	limit := s.limit()
	if size != safeboot.SizeUnknown && limit >= 0 && size > limit {
		return nil, fmt.Errorf("%w: image is %d bytes, %d available", ErrInsufficientSpace, size, limit)
	}

	createTemp := os.CreateTemp
	if s.CreateTemp != nil {
		createTemp = s.CreateTemp
	}
	temp, err := createTemp(s.Dir, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("error creating temporary file: %w", err)
	}

	slog.Debug("image opened", "temp", temp.Name(), "target", s.Path(kind), "size", size, "limit", limit)
	return &image{
		temp:   temp,
		target: s.Path(kind),
		size:   size,
		limit:  limit,
	}, nil
}

// limit returns the maximum image size or -1 if unbounded.
func (s *Sink) limit() int64 {
	limit := int64(-1)
	if s.Capacity > 0 {
		limit = s.Capacity
	}
	if free := freeSpace(s.Dir); free >= 0 && (limit < 0 || free < limit) {
		limit = free
	}
	return limit
}

// removeStale deletes temporary files left behind by an interrupted
// transfer. At most one image is open at a time, so any match is stale.
func (s *Sink) removeStale() {
	stale, _ := filepath.Glob(filepath.Join(s.Dir, tempPattern))
	for _, name := range stale {
		if err := os.Remove(name); err != nil {
			slog.Warn("error removing stale image", "path", name, "err", err)
			continue
		}
		slog.Info("removed stale image", "path", name)
	}
}

type image struct {
	mu      sync.Mutex
	temp    *os.File
	target  string
	size    int64
	limit   int64
	written int64
	closed  bool
	err     error
}

func (i *image) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.err != nil {
		return 0, i.err
	}
	if i.closed {
		return 0, ErrClosed
	}
	bound := i.limit
	if i.size != safeboot.SizeUnknown {
		bound = i.size
	}
	if bound >= 0 && i.written+int64(len(p)) > bound {
		i.err = fmt.Errorf("%w: %d bytes would exceed %d", ErrInsufficientSpace, i.written+int64(len(p)), bound)
		return 0, i.err
	}

	n, err := i.temp.Write(p)
	i.written += int64(n)
	if err != nil {
		i.err = fmt.Errorf("error writing image: %w", err)
		return n, i.err
	}
	return n, nil
}

func (i *image) Commit(openEnded bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.err != nil {
		return i.err
	}
	if i.closed {
		return ErrClosed
	}
	switch {
	case openEnded && i.written == 0:
		i.err = errors.New("image is empty")
	case !openEnded && i.written != i.size:
		i.err = fmt.Errorf("%w: wrote %d of %d bytes", ErrSizeMismatch, i.written, i.size)
	}
	if i.err != nil {
		return i.err
	}

	if err := i.temp.Sync(); err != nil {
		i.err = fmt.Errorf("error syncing image: %w", err)
		return i.err
	}
	if err := i.temp.Close(); err != nil {
		i.err = fmt.Errorf("error closing image: %w", err)
		return i.err
	}
	if err := os.Rename(i.temp.Name(), i.target); err != nil {
		i.err = fmt.Errorf("error moving image into place: %w", err)
		return i.err
	}
	i.closed = true
	syncDir(filepath.Dir(i.target))

	slog.Info("image committed", "path", i.target, "size", i.written)
	return nil
}

func (i *image) Abort() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil
	}
	i.closed = true
	_ = i.temp.Close()
	if err := os.Remove(i.temp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error removing partial image: %w", err)
	}
	return nil
}

func (i *image) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

// syncDir persists the rename. Not every platform can sync a directory.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	if err := d.Sync(); err != nil {
		slog.Debug("error syncing directory", "dir", dir, "err", err)
	}
	_ = d.Close()
}
