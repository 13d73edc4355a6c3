// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package filesink_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/safeboot-ota/safeboot"
	"github.com/safeboot-ota/safeboot/filesink"
	"github.com/safeboot-ota/safeboot/safeboottest"
)

func tempFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".safeboot-*.tmp"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func TestCommit(t *testing.T) {
	ctx := context.Background()
	sink := &filesink.Sink{Dir: t.TempDir()}

	t.Run("declared size", func(t *testing.T) {
		data := bytes.Repeat([]byte("fw"), 2048)
		img, err := sink.Open(ctx, int64(len(data)), safeboot.Firmware)
		if err != nil {
			t.Fatal(err)
		}
		for off := 0; off < len(data); off += 1000 {
			if _, err := img.Write(data[off:min(off+1000, len(data))]); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := os.Stat(sink.Path(safeboot.Firmware)); !errors.Is(err, os.ErrNotExist) {
			t.Fatal("image visible before commit")
		}
		if err := img.Commit(false); err != nil {
			t.Fatal(err)
		}
		got, err := os.ReadFile(sink.Path(safeboot.Firmware))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, data) {
			t.Error("committed file differs")
		}
		if err := img.Abort(); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(sink.Path(safeboot.Firmware)); err != nil {
			t.Fatal("abort after commit removed the image")
		}
	})

	t.Run("open ended", func(t *testing.T) {
		img, err := sink.Open(ctx, safeboot.SizeUnknown, safeboot.Filesystem)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := img.Write(make([]byte, 8202)); err != nil {
			t.Fatal(err)
		}
		if err := img.Commit(true); err != nil {
			t.Fatal(err)
		}
		info, err := os.Stat(filepath.Join(sink.Dir, "filesystem.bin"))
		if err != nil {
			t.Fatal(err)
		}
		if info.Size() != 8202 {
			t.Errorf("expected 8202 bytes, got %d", info.Size())
		}
	})

	if temps := tempFiles(t, sink.Dir); len(temps) != 0 {
		t.Errorf("temporary files left behind: %v", temps)
	}
}

func TestAbortKeepsPreviousImage(t *testing.T) {
	ctx := context.Background()
	sink := &filesink.Sink{Dir: t.TempDir()}
	previous := []byte("the bootable image")
	if err := os.WriteFile(sink.Path(safeboot.Firmware), previous, 0o644); err != nil {
		t.Fatal(err)
	}

	img, err := sink.Open(ctx, 100, safeboot.Firmware)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := img.Write(make([]byte, 50)); err != nil {
		t.Fatal(err)
	}
	if err := img.Commit(false); !errors.Is(err, filesink.ErrSizeMismatch) {
		t.Fatalf("expected size mismatch, got %v", err)
	}
	if !errors.Is(img.Err(), filesink.ErrSizeMismatch) {
		t.Errorf("error not latched: %v", img.Err())
	}
	for range 2 {
		if err := img.Abort(); err != nil {
			t.Fatal(err)
		}
	}

	got, err := os.ReadFile(sink.Path(safeboot.Firmware))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, previous) {
		t.Error("previous image was replaced")
	}
	if temps := tempFiles(t, sink.Dir); len(temps) != 0 {
		t.Errorf("temporary files left behind: %v", temps)
	}
}

func TestCapacity(t *testing.T) {
	ctx := context.Background()
	sink := &filesink.Sink{Dir: t.TempDir(), Capacity: 1024}

	if _, err := sink.Open(ctx, 1025, safeboot.Firmware); !errors.Is(err, filesink.ErrInsufficientSpace) {
		t.Fatalf("expected insufficient space, got %v", err)
	}

	img, err := sink.Open(ctx, safeboot.SizeUnknown, safeboot.Filesystem)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := img.Write(make([]byte, 1000)); err != nil {
		t.Fatal(err)
	}
	if _, err := img.Write(make([]byte, 25)); !errors.Is(err, filesink.ErrInsufficientSpace) {
		t.Fatalf("expected insufficient space, got %v", err)
	}
	if _, err := img.Write([]byte{1}); !errors.Is(err, filesink.ErrInsufficientSpace) {
		t.Fatalf("expected latched error, got %v", err)
	}
	if err := img.Commit(true); err == nil {
		t.Fatal("commit succeeded after a failed write")
	}
	_ = img.Abort()
}

func TestWriteBeyondDeclaredSize(t *testing.T) {
	sink := &filesink.Sink{Dir: t.TempDir()}
	img, err := sink.Open(context.Background(), 10, safeboot.Firmware)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := img.Write(make([]byte, 11)); err == nil {
		t.Fatal("expected write beyond declared size to fail")
	}
	_ = img.Abort()
}

func TestRemovesStaleTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, ".safeboot-123.tmp")
	if err := os.WriteFile(stale, []byte("interrupted"), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &filesink.Sink{Dir: dir}
	img, err := sink.Open(context.Background(), 4, safeboot.Firmware)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = img.Abort() }()
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Error("stale temporary file not removed")
	}
}

func TestCreateTempError(t *testing.T) {
	sink := &filesink.Sink{
		Dir: t.TempDir(),
		CreateTemp: func(string, string) (*os.File, error) {
			return nil, os.ErrPermission
		},
	}
	if _, err := sink.Open(context.Background(), 4, safeboot.Firmware); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestEngineWithFileSink(t *testing.T) {
	sink := &filesink.Sink{Dir: t.TempDir()}
	engine, restarter := safeboottest.NewEngine(t, sink)
	ctx := context.Background()
	up := &safeboot.Upload{Engine: engine}

	up.Handle(ctx, safeboot.UploadChunk{Status: safeboot.UploadStart, Kind: safeboot.Firmware})
	for _, n := range []int{4096, 4096, 10} {
		up.Handle(ctx, safeboot.UploadChunk{Status: safeboot.UploadData, Data: make([]byte, n)})
	}
	up.Handle(ctx, safeboot.UploadChunk{Status: safeboot.UploadEnd})
	engine.Reboot.Wait()

	if err := up.Err(); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(sink.Path(safeboot.Firmware))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 8202 || restarter.Count() != 1 {
		t.Errorf("expected an 8202 byte image and one restart, got %d bytes and %d restarts", info.Size(), restarter.Count())
	}
}
