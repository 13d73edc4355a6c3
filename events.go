// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package safeboot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of transfer event
type EventType int

const (
	// EventTypeUnknown - Unknown event type
	EventTypeUnknown EventType = iota

	// EventTypeTransferStarted indicates the sink was opened and the session
	// is streaming
	EventTypeTransferStarted
	// EventTypeTransferCommitted indicates the image was committed
	EventTypeTransferCommitted
	// EventTypeTransferAborted indicates the session ended without commit
	EventTypeTransferAborted
	// EventTypeTransferRejected indicates an admission was refused because
	// another session is active
	EventTypeTransferRejected
	// EventTypeRestartScheduled indicates a restart will follow shortly
	EventTypeRestartScheduled
)

var eventTypeNames = map[EventType]string{
	EventTypeUnknown:           "Unknown Event",
	EventTypeTransferStarted:   "Transfer Started",
	EventTypeTransferCommitted: "Transfer Committed",
	EventTypeTransferAborted:   "Transfer Aborted",
	EventTypeTransferRejected:  "Transfer Rejected",
	EventTypeRestartScheduled:  "Restart Scheduled",
}

// String returns a human-readable description of the event type
func (e EventType) String() string {
	if name, ok := eventTypeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(e))
}

// Event describes a change in the life of a transfer session.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// Session fields are zero for events not tied to a session, such as a
	// restart requested by cancel.
	SessionID uuid.UUID
	Binding   string
	Kind      ImageKind
	Declared  int64
	Written   int64

	// Error is set for aborted and rejected transfers.
	Error error
}

// EventHandler receives transfer events. Handlers are called synchronously
// in the order events occur and must not block or call back into the
// session that produced the event.
type EventHandler interface {
	HandleEvent(ctx context.Context, event Event)
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, event Event)

// HandleEvent implements EventHandler
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

type eventDispatcher struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

func (d *eventDispatcher) register(h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

func (d *eventDispatcher) emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	d.mu.RLock()
	handlers := make([]EventHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event handler panicked", "event", event.Type, "panic", r)
				}
			}()
			h.HandleEvent(ctx, event)
		}()
	}
}
