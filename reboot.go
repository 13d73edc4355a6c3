// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package safeboot

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRestartDelay is the grace period between scheduling a restart and
// performing it, long enough for a final acknowledgment or HTTP response to
// reach the peer.
const DefaultRestartDelay = 500 * time.Millisecond

// Restarter restarts the device into whichever image is bootable.
type Restarter interface {
	Restart() error
}

// RestartFunc adapts a function to the Restarter interface.
type RestartFunc func() error

// Restart implements Restarter.
func (f RestartFunc) Restart() error { return f() }

// RebootController restarts the device once, after a grace delay. It is used
// after a successful commit and when a transfer is canceled.
type RebootController struct {
	Restarter Restarter

	// Delay defaults to DefaultRestartDelay. Negative values restart without
	// delay.
	Delay time.Duration

	once      sync.Once
	scheduled atomic.Bool
	done      chan struct{}
}

// Schedule arranges for the restart to happen after the grace delay. Only
// the first call has an effect; it reports whether this call scheduled it.
func (c *RebootController) Schedule() bool {
	first := false
	c.once.Do(func() {
		first = true
		c.done = make(chan struct{})
		c.scheduled.Store(true)

		delay := c.Delay
		if delay == 0 {
			delay = DefaultRestartDelay
		}
		if delay < 0 {
			delay = 0
		}
		slog.Info("restart scheduled", "delay", delay)
		time.AfterFunc(delay, c.restart)
	})
	return first
}

func (c *RebootController) restart() {
	defer close(c.done)
	if c.Restarter == nil {
		slog.Warn("no restarter configured, skipping restart")
		return
	}
	if err := c.Restarter.Restart(); err != nil {
		slog.Error("restart failed", "err", err)
	}
}

// Scheduled reports whether a restart has been scheduled.
func (c *RebootController) Scheduled() bool { return c.scheduled.Load() }

// Wait blocks until a scheduled restart has been attempted. It returns
// immediately if nothing is scheduled.
func (c *RebootController) Wait() {
	if !c.Scheduled() {
		return
	}
	<-c.done
}
