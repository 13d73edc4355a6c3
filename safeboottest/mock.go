// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package safeboottest contains test harnesses for the safeboot packages.
package safeboottest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/safeboot-ota/safeboot"
)

// ErrNoSpace is returned by MemorySink when an image does not fit.
var ErrNoSpace = errors.New("not enough space")

// OpenCall records the arguments of a Sink.Open call.
type OpenCall struct {
	Size int64
	Kind safeboot.ImageKind
}

// MemorySink is an in-memory safeboot.Sink that records every call and
// validates written lengths on commit.
type MemorySink struct {
	// Capacity limits image size. Zero means unlimited.
	Capacity int64

	// OpenErr, if set, is returned from Open.
	OpenErr error

	// WriteFunc optionally overrides how many bytes of each write are
	// accepted. It receives the number of bytes already written.
	WriteFunc func(written int64, p []byte) (int, error)

	mu     sync.Mutex
	opens  []OpenCall
	images []*MemoryImage
}

var _ safeboot.Sink = (*MemorySink)(nil)

// Open implements safeboot.Sink.
func (s *MemorySink) Open(ctx context.Context, size int64, kind safeboot.ImageKind) (safeboot.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens = append(s.opens, OpenCall{Size: size, Kind: kind})
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	if s.Capacity > 0 && size > s.Capacity {
		return nil, fmt.Errorf("%w: %d > %d", ErrNoSpace, size, s.Capacity)
	}
	img := &MemoryImage{sink: s, Size: size, Kind: kind}
	s.images = append(s.images, img)
	return img, nil
}

// Opens returns every Open call made so far.
func (s *MemorySink) Opens() []OpenCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OpenCall(nil), s.opens...)
}

// Images returns every image opened so far.
func (s *MemorySink) Images() []*MemoryImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*MemoryImage(nil), s.images...)
}

// Last returns the most recently opened image or nil.
func (s *MemorySink) Last() *MemoryImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.images) == 0 {
		return nil
	}
	return s.images[len(s.images)-1]
}

// MemoryImage is an image opened by MemorySink.
type MemoryImage struct {
	Size int64
	Kind safeboot.ImageKind

	sink      *MemorySink
	mu        sync.Mutex
	data      bytes.Buffer
	writes    []int
	commits   int
	aborts    int
	committed bool
	err       error
}

var _ safeboot.Image = (*MemoryImage)(nil)

// Write implements safeboot.Image.
func (m *MemoryImage) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return 0, m.err
	}
	n, err := len(p), error(nil)
	if fn := m.sink.WriteFunc; fn != nil {
		n, err = fn(int64(m.data.Len()), p)
	}
	if limit := m.limit(); limit > 0 && int64(m.data.Len()+n) > limit {
		n, err = int(limit)-m.data.Len(), ErrNoSpace
	}
	if n > 0 {
		_, _ = m.data.Write(p[:n])
		m.writes = append(m.writes, n)
	}
	if err != nil {
		m.err = err
	}
	return n, err
}

func (m *MemoryImage) limit() int64 {
	if m.Size != safeboot.SizeUnknown {
		return m.Size
	}
	return m.sink.Capacity
}

// Commit implements safeboot.Image.
func (m *MemoryImage) Commit(openEnded bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commits++
	if m.err != nil {
		return m.err
	}
	written := int64(m.data.Len())
	switch {
	case m.aborts > 0:
		m.err = errors.New("image already aborted")
	case openEnded && written == 0:
		m.err = errors.New("image is empty")
	case !openEnded && written != m.Size:
		m.err = fmt.Errorf("size mismatch: wrote %d of %d bytes", written, m.Size)
	}
	if m.err != nil {
		return m.err
	}
	m.committed = true
	return nil
}

// Abort implements safeboot.Image.
func (m *MemoryImage) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborts++
	return nil
}

// Err implements safeboot.Image.
func (m *MemoryImage) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Bytes returns a copy of the written data.
func (m *MemoryImage) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.data.Bytes())
}

// Writes returns the length of each accepted write.
func (m *MemoryImage) Writes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.writes...)
}

// Committed reports whether Commit succeeded.
func (m *MemoryImage) Committed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed
}

// Commits returns the number of Commit calls.
func (m *MemoryImage) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Aborts returns the number of Abort calls.
func (m *MemoryImage) Aborts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborts
}

// Restarter counts restarts instead of performing them.
type Restarter struct {
	mu    sync.Mutex
	count int
}

var _ safeboot.Restarter = (*Restarter)(nil)

// Restart implements safeboot.Restarter.
func (r *Restarter) Restart() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	return nil
}

// Count returns the number of restarts performed.
func (r *Restarter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// NewEngine returns an engine writing to sink whose restarts are recorded
// without delay.
func NewEngine(t testing.TB, sink safeboot.Sink) (*safeboot.Engine, *Restarter) {
	t.Helper()
	restarter := new(Restarter)
	return &safeboot.Engine{
		Sink:   sink,
		Reboot: &safeboot.RebootController{Restarter: restarter, Delay: -1},
	}, restarter
}

// Events collects engine events for later inspection.
type Events struct {
	mu     sync.Mutex
	events []safeboot.Event
}

// HandleEvent implements safeboot.EventHandler.
func (e *Events) HandleEvent(_ context.Context, event safeboot.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

// Types returns the type of every event received, in order.
func (e *Events) Types() []safeboot.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	types := make([]safeboot.EventType, len(e.events))
	for i, ev := range e.events {
		types[i] = ev.Type
	}
	return types
}

// All returns every event received, in order.
func (e *Events) All() []safeboot.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]safeboot.Event(nil), e.events...)
}
