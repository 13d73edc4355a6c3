// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package safeboot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// Transfer bindings
const (
	BindingPush   = "push"
	BindingUpload = "upload"
)

// Session states
const (
	StateIdle         = "idle"
	StateAwaitingData = "awaiting_data"
	StateStreaming    = "streaming"
	StateCommitted    = "committed"
	StateAborted      = "aborted"
)

const (
	evAdmit   = "admit"
	evBegin   = "begin"
	evCommit  = "commit"
	evAbort   = "abort"
	evRelease = "release"
)

var sessionEvents = fsm.Events{
	{Name: evAdmit, Src: []string{StateIdle}, Dst: StateAwaitingData},
	{Name: evBegin, Src: []string{StateAwaitingData}, Dst: StateStreaming},
	{Name: evCommit, Src: []string{StateStreaming}, Dst: StateCommitted},
	{Name: evAbort, Src: []string{StateAwaitingData, StateStreaming}, Dst: StateAborted},
	{Name: evRelease, Src: []string{StateCommitted, StateAborted}, Dst: StateIdle},
}

// Engine admits transfer sessions and owns the single "session active"
// guard. The zero value is not usable; Sink must be set.
type Engine struct {
	Sink Sink

	// Reboot is invoked after a commit and on cancel. If nil, no restart is
	// performed.
	Reboot *RebootController

	active  atomic.Bool
	mu      sync.Mutex
	current *Session

	events eventDispatcher
}

// RegisterEventHandler adds a handler that receives every transfer event.
func (e *Engine) RegisterEventHandler(h EventHandler) { e.events.register(h) }

// Active reports whether a session currently holds the engine.
func (e *Engine) Active() bool { return e.active.Load() }

// Current returns the active session, if any.
func (e *Engine) Current() (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, e.current != nil
}

// Admit atomically claims the engine for a new session. If another session
// is active, or a restart is pending, ErrBusy is returned and the active
// session is left untouched. The returned session is awaiting data; Begin
// must be called next.
func (e *Engine) Admit(ctx context.Context, binding string) (*Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("error generating session id: %w", err)
	}
	s := &Session{
		ID:       id,
		Binding:  binding,
		engine:   e,
		declared: SizeUnknown,
	}
	s.fsm = fsm.NewFSM(StateIdle, sessionEvents, fsm.Callbacks{
		"enter_state": func(_ context.Context, ev *fsm.Event) {
			slog.Debug("transfer state", "session", s.ID, "binding", s.Binding, "from", ev.Src, "to", ev.Dst)
		},
	})
	if err := s.fsm.Event(ctx, evAdmit); err != nil {
		return nil, fmt.Errorf("error admitting session: %w", err)
	}

	// The guard is claimed and the session published together, so Cancel
	// either sees the session or has already made the restart pending.
	if err := e.claim(s); err != nil {
		e.events.emit(ctx, Event{Type: EventTypeTransferRejected, Binding: binding, Error: ErrBusy})
		return nil, err
	}
	return s, nil
}

func (e *Engine) claim(s *Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Reboot != nil && e.Reboot.Scheduled() {
		return fmt.Errorf("%w: restart pending", ErrBusy)
	}
	if !e.active.CompareAndSwap(false, true) {
		return ErrBusy
	}
	e.current = s
	return nil
}

// Cancel aborts the active session, if any, and schedules a restart without
// committing anything. It is safe to call from any state and more than once.
func (e *Engine) Cancel(ctx context.Context) {
	// Schedule first so that no session can be admitted after the lookup.
	e.scheduleRestart(ctx)
	if s, ok := e.Current(); ok {
		_ = s.Abort(ctx, ErrCanceled)
	}
}

func (e *Engine) release(s *Session) {
	e.mu.Lock()
	if e.current == s {
		e.current = nil
	}
	e.mu.Unlock()
	e.active.Store(false)
}

func (e *Engine) scheduleRestart(ctx context.Context) {
	if e.Reboot == nil {
		slog.Warn("restart requested but no reboot controller is configured")
		return
	}
	if e.Reboot.Schedule() {
		e.events.emit(ctx, Event{Type: EventTypeRestartScheduled})
	}
}

// Session is one in-progress transfer. It is owned by the binding that
// admitted it; only Abort may be called from other goroutines.
type Session struct {
	ID      uuid.UUID
	Binding string

	engine *Engine

	mu       sync.Mutex
	fsm      *fsm.FSM
	kind     ImageKind
	declared int64
	written  int64
	image    Image
	checksum *Checksum
	ended    bool
	err      error
}

// Begin opens the sink for an image of the given kind and size (SizeUnknown
// if the total is not known upfront). On failure the session is released
// and a BeginError is returned.
func (s *Session) Begin(ctx context.Context, size int64, kind ImageKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fsm.Is(StateAwaitingData) {
		return fmt.Errorf("cannot begin transfer in state %s", s.state())
	}
	s.kind, s.declared = kind, size

	if !kind.Valid() {
		return s.fail(ctx, BeginError, fmt.Errorf("invalid image kind %v", kind))
	}
	if size == 0 || size < SizeUnknown {
		return s.fail(ctx, BeginError, fmt.Errorf("invalid image size %d", size))
	}

	image, err := s.engine.Sink.Open(ctx, size, kind)
	if err != nil {
		return s.fail(ctx, BeginError, err)
	}
	s.image = image
	if err := s.fsm.Event(ctx, evBegin); err != nil {
		return s.fail(ctx, BeginError, err)
	}

	slog.Info("transfer started", "session", s.ID, "binding", s.Binding, "kind", kind, "size", size)
	s.engine.events.emit(ctx, s.event(EventTypeTransferStarted))
	return nil
}

// ExpectDigest attaches a checksum verifier. The digest is compared before
// the image is committed and a mismatch aborts the session.
func (s *Session) ExpectDigest(digest string) error {
	c, err := NewChecksum(digest)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written > 0 {
		return errors.New("digest must be set before data is written")
	}
	s.checksum = c
	return nil
}

// Write forwards p to the sink and the digest accumulator. Any failure,
// including a short write or data beyond the declared size, aborts the
// session with a ReceiveError.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	if !s.fsm.Is(StateStreaming) {
		if s.err != nil {
			return 0, s.err
		}
		return 0, fmt.Errorf("cannot write in state %s", s.state())
	}
	if s.declared != SizeUnknown && s.written+int64(len(p)) > s.declared {
		return 0, s.fail(ctx, ReceiveError, fmt.Errorf("%w: %d + %d > %d",
			ErrSizeExceeded, s.written, len(p), s.declared))
	}

	n, err := s.image.Write(p)
	if n > 0 {
		s.written += int64(n)
		if s.checksum != nil {
			_, _ = s.checksum.Write(p[:n])
		}
	}
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return n, s.fail(ctx, ReceiveError, err)
	}
	return n, nil
}

// Complete reports whether the declared size is known and fully written.
func (s *Session) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.declared != SizeUnknown && s.written == s.declared
}

// Finish verifies the digest (if one is expected) and commits the image. On
// success a restart is scheduled. On failure the sink is aborted and an
// EndError is returned.
func (s *Session) Finish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fsm.Is(StateStreaming) {
		if s.err != nil {
			return s.err
		}
		return fmt.Errorf("cannot finish transfer in state %s", s.state())
	}

	if s.checksum != nil {
		if err := s.checksum.Verify(); err != nil {
			return s.fail(ctx, EndError, err)
		}
	}
	if err := s.image.Commit(s.declared == SizeUnknown); err != nil {
		return s.fail(ctx, EndError, err)
	}
	s.image = nil

	// The image is committed; a canceled request must not undo the transition.
	ctx = context.WithoutCancel(ctx)
	if err := s.fsm.Event(ctx, evCommit); err != nil {
		return s.fail(ctx, EndError, err)
	}
	slog.Info("transfer committed", "session", s.ID, "binding", s.Binding, "kind", s.kind, "written", s.written)
	s.engine.events.emit(ctx, s.event(EventTypeTransferCommitted))
	s.end(ctx)
	s.engine.scheduleRestart(ctx)
	return nil
}

// Abort ends the session without committing. It is idempotent; once the
// session has ended it returns the terminal error (nil if committed).
func (s *Session) Abort(ctx context.Context, reason error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return s.err
	}
	if reason == nil {
		reason = ErrAborted
	}
	code, ok := CodeOf(reason)
	if !ok {
		code = ReceiveError
	}
	return s.fail(ctx, code, reason)
}

// fail must be called with s.mu held.
func (s *Session) fail(ctx context.Context, code ErrorCode, err error) error {
	if s.ended {
		return s.err
	}
	ctx = context.WithoutCancel(ctx)
	s.err = transferError(code, err)
	if s.image != nil {
		if aerr := s.image.Abort(); aerr != nil {
			slog.Warn("error aborting image", "session", s.ID, "err", aerr)
		}
		s.image = nil
	}
	if s.fsm.Can(evAbort) {
		if ferr := s.fsm.Event(ctx, evAbort); ferr != nil {
			slog.Warn("error entering aborted state", "session", s.ID, "err", ferr)
		}
	}
	slog.Warn("transfer aborted", "session", s.ID, "binding", s.Binding, "written", s.written, "err", s.err)
	s.engine.events.emit(ctx, s.event(EventTypeTransferAborted))
	s.end(ctx)
	return s.err
}

// end returns the state machine to idle and releases the engine guard.
func (s *Session) end(ctx context.Context) {
	s.ended = true
	if s.fsm.Can(evRelease) {
		_ = s.fsm.Event(ctx, evRelease)
	}
	s.engine.release(s)
}

// State returns the current state of the session.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state()
}

func (s *Session) state() string { return s.fsm.Current() }

// Written returns the number of bytes accepted by the sink so far.
func (s *Session) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Declared returns the size given to Begin, or SizeUnknown.
func (s *Session) Declared() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.declared
}

// Kind returns the image kind given to Begin.
func (s *Session) Kind() ImageKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// Ended reports whether the session reached a terminal state.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Err returns the terminal error, or nil while running or after a commit.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) event(typ EventType) Event {
	return Event{
		Type:      typ,
		SessionID: s.ID,
		Binding:   s.Binding,
		Kind:      s.kind,
		Declared:  s.declared,
		Written:   s.written,
		Error:     s.err,
	}
}
