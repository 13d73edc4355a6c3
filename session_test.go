// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package safeboot_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/safeboot-ota/safeboot"
	"github.com/safeboot-ota/safeboot/safeboottest"
)

func digestOf(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func expectCode(t *testing.T, err error, want safeboot.ErrorCode) {
	t.Helper()
	got, ok := safeboot.CodeOf(err)
	if !ok {
		t.Fatalf("expected %s, got %v", want, err)
	}
	if got != want {
		t.Fatalf("expected %s, got %s (%v)", want, got, err)
	}
}

func TestSessionCommit(t *testing.T) {
	for _, size := range []int{1, 128, 1024, 4096 + 7} {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			sink := new(safeboottest.MemorySink)
			engine, restarter := safeboottest.NewEngine(t, sink)
			data := bytes.Repeat([]byte("firmware"), size/8+1)[:size]

			sess, err := engine.Admit(context.Background(), safeboot.BindingPush)
			if err != nil {
				t.Fatal(err)
			}
			if state := sess.State(); state != safeboot.StateAwaitingData {
				t.Fatalf("expected %s after admit, got %s", safeboot.StateAwaitingData, state)
			}
			if err := sess.ExpectDigest(strings.ToUpper(digestOf(data))); err != nil {
				t.Fatal(err)
			}
			if err := sess.Begin(context.Background(), int64(size), safeboot.Firmware); err != nil {
				t.Fatal(err)
			}
			if state := sess.State(); state != safeboot.StateStreaming {
				t.Fatalf("expected %s after begin, got %s", safeboot.StateStreaming, state)
			}

			var accepted int64
			for off := 0; off < size; off += 128 {
				end := min(off+128, size)
				n, err := sess.Write(data[off:end])
				if err != nil {
					t.Fatal(err)
				}
				accepted += int64(n)
			}
			if !sess.Complete() {
				t.Fatal("expected session to be complete")
			}
			if err := sess.Finish(context.Background()); err != nil {
				t.Fatal(err)
			}
			engine.Reboot.Wait()

			if sess.Written() != accepted || accepted != int64(size) {
				t.Errorf("written %d, accepted %d, size %d", sess.Written(), accepted, size)
			}
			img := sink.Last()
			if !img.Committed() {
				t.Error("image was not committed")
			}
			if !bytes.Equal(img.Bytes(), data) {
				t.Error("committed image does not match sent data")
			}
			if n := restarter.Count(); n != 1 {
				t.Errorf("expected exactly one restart, got %d", n)
			}
			if engine.Active() {
				t.Error("engine still active after commit")
			}
			if state := sess.State(); state != safeboot.StateIdle {
				t.Errorf("expected %s after commit, got %s", safeboot.StateIdle, state)
			}
		})
	}
}

func TestSecondAdmissionRejected(t *testing.T) {
	sink := new(safeboottest.MemorySink)
	engine, _ := safeboottest.NewEngine(t, sink)
	ctx := context.Background()

	first, err := engine.Admit(ctx, safeboot.BindingPush)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Begin(ctx, 8, safeboot.Firmware); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Write([]byte("1234")); err != nil {
		t.Fatal(err)
	}

	for _, binding := range []string{safeboot.BindingPush, safeboot.BindingUpload} {
		if _, err := engine.Admit(ctx, binding); !errors.Is(err, safeboot.ErrBusy) {
			t.Fatalf("expected ErrBusy for %s, got %v", binding, err)
		}
	}

	if state := first.State(); state != safeboot.StateStreaming {
		t.Fatalf("active session disturbed: state %s", state)
	}
	if first.Written() != 4 {
		t.Fatalf("active session disturbed: written %d", first.Written())
	}
	if _, err := first.Write([]byte("5678")); err != nil {
		t.Fatal(err)
	}
	if err := first.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	if len(sink.Opens()) != 1 {
		t.Fatalf("rejected admissions must not open the sink, got %d opens", len(sink.Opens()))
	}
}

func TestDigestMismatchAborts(t *testing.T) {
	sink := new(safeboottest.MemorySink)
	engine, restarter := safeboottest.NewEngine(t, sink)
	ctx := context.Background()
	data := []byte("the image the sender announced")

	sess, err := engine.Admit(ctx, safeboot.BindingPush)
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.ExpectDigest(digestOf([]byte("a different image"))); err != nil {
		t.Fatal(err)
	}
	if err := sess.Begin(ctx, int64(len(data)), safeboot.Firmware); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Write(data); err != nil {
		t.Fatal(err)
	}

	err = sess.Finish(ctx)
	expectCode(t, err, safeboot.EndError)
	if !errors.Is(err, safeboot.ErrDigestMismatch) {
		t.Errorf("expected digest mismatch, got %v", err)
	}
	img := sink.Last()
	if img.Commits() != 0 {
		t.Error("image with a bad digest must never be committed")
	}
	if img.Aborts() != 1 {
		t.Errorf("expected one abort, got %d", img.Aborts())
	}
	if restarter.Count() != 0 || engine.Reboot.Scheduled() {
		t.Error("restart scheduled after a failed transfer")
	}
	if engine.Active() {
		t.Error("engine still active after abort")
	}
}

func TestBeginError(t *testing.T) {
	tests := []struct {
		name string
		sink *safeboottest.MemorySink
		size int64
		kind safeboot.ImageKind
	}{
		{"open fails", &safeboottest.MemorySink{OpenErr: errors.New("flash busy")}, 10, safeboot.Firmware},
		{"insufficient space", &safeboottest.MemorySink{Capacity: 16}, 17, safeboot.Filesystem},
		{"bad kind", new(safeboottest.MemorySink), 10, safeboot.ImageKind(7)},
		{"zero size", new(safeboottest.MemorySink), 0, safeboot.Firmware},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _ := safeboottest.NewEngine(t, tt.sink)
			sess, err := engine.Admit(context.Background(), safeboot.BindingPush)
			if err != nil {
				t.Fatal(err)
			}
			expectCode(t, sess.Begin(context.Background(), tt.size, tt.kind), safeboot.BeginError)
			if engine.Active() {
				t.Error("engine still active")
			}
			if state := sess.State(); state != safeboot.StateIdle {
				t.Errorf("expected %s, got %s", safeboot.StateIdle, state)
			}
			if _, err := sess.Write([]byte{1}); err == nil {
				t.Error("write after begin error should fail")
			}
		})
	}
}

func TestWriteFailures(t *testing.T) {
	t.Run("beyond declared size", func(t *testing.T) {
		sink := new(safeboottest.MemorySink)
		engine, _ := safeboottest.NewEngine(t, sink)
		sess, _ := engine.Admit(context.Background(), safeboot.BindingPush)
		if err := sess.Begin(context.Background(), 10, safeboot.Firmware); err != nil {
			t.Fatal(err)
		}
		if _, err := sess.Write(make([]byte, 6)); err != nil {
			t.Fatal(err)
		}
		_, err := sess.Write(make([]byte, 5))
		expectCode(t, err, safeboot.ReceiveError)
		if !errors.Is(err, safeboot.ErrSizeExceeded) {
			t.Errorf("expected ErrSizeExceeded, got %v", err)
		}
		if sess.Written() != 6 {
			t.Errorf("written must never exceed declared size, got %d", sess.Written())
		}
		if sink.Last().Aborts() != 1 {
			t.Errorf("expected one abort, got %d", sink.Last().Aborts())
		}
	})

	t.Run("short write", func(t *testing.T) {
		sink := &safeboottest.MemorySink{WriteFunc: func(_ int64, p []byte) (int, error) {
			return len(p) - 1, nil
		}}
		engine, _ := safeboottest.NewEngine(t, sink)
		sess, _ := engine.Admit(context.Background(), safeboot.BindingPush)
		if err := sess.Begin(context.Background(), 10, safeboot.Firmware); err != nil {
			t.Fatal(err)
		}
		_, err := sess.Write(make([]byte, 4))
		expectCode(t, err, safeboot.ReceiveError)
		if engine.Active() {
			t.Error("engine still active")
		}
		if err := sess.Finish(context.Background()); err == nil {
			t.Error("finish after abort should fail")
		}
		if sink.Last().Commits() != 0 {
			t.Error("aborted image committed")
		}
	})
}

func TestFinishSizeMismatch(t *testing.T) {
	sink := new(safeboottest.MemorySink)
	engine, restarter := safeboottest.NewEngine(t, sink)
	sess, _ := engine.Admit(context.Background(), safeboot.BindingPush)
	if err := sess.Begin(context.Background(), 100, safeboot.Firmware); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Write(make([]byte, 50)); err != nil {
		t.Fatal(err)
	}
	expectCode(t, sess.Finish(context.Background()), safeboot.EndError)
	if sink.Last().Aborts() != 1 {
		t.Errorf("expected one abort, got %d", sink.Last().Aborts())
	}
	if restarter.Count() != 0 {
		t.Error("restart after failed finalize")
	}
}

func TestCancel(t *testing.T) {
	sink := new(safeboottest.MemorySink)
	engine, restarter := safeboottest.NewEngine(t, sink)
	ctx := context.Background()

	// Cancel with nothing active only restarts
	engine.Cancel(ctx)
	engine.Reboot.Wait()
	if restarter.Count() != 1 {
		t.Fatalf("expected a restart, got %d", restarter.Count())
	}

	engine2, restarter2 := safeboottest.NewEngine(t, sink)
	sess, _ := engine2.Admit(ctx, safeboot.BindingUpload)
	if err := sess.Begin(ctx, safeboot.SizeUnknown, safeboot.Firmware); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}
	engine2.Cancel(ctx)
	engine2.Cancel(ctx)
	_ = sess.Abort(ctx, nil)
	engine2.Reboot.Wait()

	if !errors.Is(sess.Err(), safeboot.ErrCanceled) {
		t.Errorf("expected canceled session, got %v", sess.Err())
	}
	img := sink.Last()
	if img.Aborts() != 1 || img.Commits() != 0 {
		t.Errorf("expected a single abort and no commit, got %d aborts and %d commits", img.Aborts(), img.Commits())
	}
	if restarter2.Count() != 1 {
		t.Errorf("expected exactly one restart, got %d", restarter2.Count())
	}
	if _, err := engine2.Admit(ctx, safeboot.BindingPush); !errors.Is(err, safeboot.ErrBusy) {
		t.Errorf("admission while restart is pending should be rejected, got %v", err)
	}
}

// gateHandler blocks the first "transfer state" log record until released,
// holding Admit between creating its session and claiming the engine.
type gateHandler struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (h *gateHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *gateHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message == "transfer state" {
		h.once.Do(func() {
			close(h.entered)
			<-h.release
		})
	}
	return nil
}

func (h *gateHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *gateHandler) WithGroup(string) slog.Handler      { return h }

func TestCancelDuringAdmit(t *testing.T) {
	gate := &gateHandler{entered: make(chan struct{}), release: make(chan struct{})}
	prev := slog.Default()
	slog.SetDefault(slog.New(gate))
	t.Cleanup(func() { slog.SetDefault(prev) })

	sink := new(safeboottest.MemorySink)
	engine, restarter := safeboottest.NewEngine(t, sink)
	ctx := context.Background()

	type result struct {
		sess *safeboot.Session
		err  error
	}
	admitted := make(chan result, 1)
	go func() {
		sess, err := engine.Admit(ctx, safeboot.BindingUpload)
		admitted <- result{sess, err}
	}()

	<-gate.entered
	engine.Cancel(ctx)
	close(gate.release)
	res := <-admitted

	if res.err == nil {
		t.Fatalf("session admitted after cancel, state %s", res.sess.State())
	}
	if !errors.Is(res.err, safeboot.ErrBusy) {
		t.Fatalf("expected busy, got %v", res.err)
	}
	engine.Reboot.Wait()

	if engine.Active() {
		t.Error("engine still active")
	}
	for _, img := range sink.Images() {
		if img.Commits() != 0 {
			t.Error("image committed after cancel")
		}
	}
	if restarter.Count() != 1 {
		t.Errorf("expected one restart, got %d", restarter.Count())
	}
}
