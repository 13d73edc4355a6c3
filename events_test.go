// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package safeboot_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/safeboot-ota/safeboot"
	"github.com/safeboot-ota/safeboot/safeboottest"
)

func TestEventsCommitted(t *testing.T) {
	sink := new(safeboottest.MemorySink)
	engine, _ := safeboottest.NewEngine(t, sink)
	events := new(safeboottest.Events)
	engine.RegisterEventHandler(events)
	ctx := context.Background()

	sess, _ := engine.Admit(ctx, safeboot.BindingPush)
	if err := sess.Begin(ctx, 4, safeboot.Firmware); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Admit(ctx, safeboot.BindingUpload); !errors.Is(err, safeboot.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := sess.Write([]byte("abcd")); err != nil {
		t.Fatal(err)
	}
	if err := sess.Finish(ctx); err != nil {
		t.Fatal(err)
	}

	want := []safeboot.EventType{
		safeboot.EventTypeTransferStarted,
		safeboot.EventTypeTransferRejected,
		safeboot.EventTypeTransferCommitted,
		safeboot.EventTypeRestartScheduled,
	}
	if got := events.Types(); !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	committed := events.All()[2]
	if committed.SessionID != sess.ID || committed.Written != 4 || committed.Declared != 4 || committed.Error != nil {
		t.Errorf("unexpected committed event %+v", committed)
	}
	if committed.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestEventsAborted(t *testing.T) {
	sink := new(safeboottest.MemorySink)
	engine, _ := safeboottest.NewEngine(t, sink)
	events := new(safeboottest.Events)
	engine.RegisterEventHandler(events)

	// A panicking handler must not break dispatch to later handlers
	engine.RegisterEventHandler(safeboot.EventHandlerFunc(func(context.Context, safeboot.Event) {
		panic("handler bug")
	}))
	var calls int
	engine.RegisterEventHandler(safeboot.EventHandlerFunc(func(context.Context, safeboot.Event) {
		calls++
	}))

	ctx := context.Background()
	sess, _ := engine.Admit(ctx, safeboot.BindingUpload)
	if err := sess.Begin(ctx, safeboot.SizeUnknown, safeboot.Filesystem); err != nil {
		t.Fatal(err)
	}
	_ = sess.Abort(ctx, errors.New("gone"))

	got := events.All()
	if len(got) != 2 || got[1].Type != safeboot.EventTypeTransferAborted {
		t.Fatalf("unexpected events %v", events.Types())
	}
	if got[1].Error == nil || got[1].Kind != safeboot.Filesystem || got[1].Binding != safeboot.BindingUpload {
		t.Errorf("unexpected aborted event %+v", got[1])
	}
	if calls != 2 {
		t.Errorf("expected 2 calls to the last handler, got %d", calls)
	}
}

func TestEventTypeString(t *testing.T) {
	if s := safeboot.EventTypeTransferCommitted.String(); s != "Transfer Committed" {
		t.Errorf("unexpected name %q", s)
	}
	if s := safeboot.EventType(99).String(); s != "EventType(99)" {
		t.Errorf("unexpected name %q", s)
	}
}
