// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package push implements the espota-compatible push binding: a datagram
// handshake followed by a flow-controlled pull over a TCP connection the
// device opens back to the sender.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/safeboot-ota/safeboot"
)

// DefaultPort is the UDP port espota clients send requests to.
const DefaultPort = 3232

// Defaults for Listener fields
const (
	DefaultWait        = time.Second
	DefaultRetryCap    = 3
	DefaultChunkSize   = 1460
	DefaultDialTimeout = 5 * time.Second
)

// okToken acknowledges a request datagram and, on the data channel, a
// committed image.
const okToken = "OK"

// maxDatagram is larger than any valid request.
const maxDatagram = 512

// Listener serves push transfer requests.
type Listener struct {
	Engine *safeboot.Engine

	// Wait is how long the pull loop waits for data before treating the
	// stream as stalled.
	Wait time.Duration

	// RetryCap is the number of consecutive stalls tolerated, each answered
	// by resending the last acknowledgment. Negative values disable resends.
	RetryCap int

	// ChunkSize bounds each read from the data connection.
	ChunkSize int

	// DialTimeout bounds connecting back to the sender.
	DialTimeout time.Duration
}

// ListenAndServe listens on the UDP address addr (":3232" if empty) and
// serves requests until ctx is canceled.
func (l *Listener) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = fmt.Sprintf(":%d", DefaultPort)
	}
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", addr, err)
	}
	defer func() { _ = pc.Close() }()

	slog.Info("listening for push requests", "addr", pc.LocalAddr())
	return l.Serve(ctx, pc)
}

// Serve reads request datagrams from pc. Each accepted transfer runs to
// completion before the next datagram is read. Serve returns the context
// error once ctx is canceled.
func (l *Listener) Serve(ctx context.Context, pc net.PacketConn) error {
	if l.Engine == nil {
		return errors.New("push listener has no engine")
	}
	stop := context.AfterFunc(ctx, func() { _ = pc.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("error reading request: %w", err)
		}
		l.handle(ctx, pc, addr, buf[:n])
	}
}

func (l *Listener) handle(ctx context.Context, pc net.PacketConn, addr net.Addr, datagram []byte) {
	req, err := ParseRequest(datagram)
	if err != nil {
		slog.Debug("ignoring datagram", "from", addr, "err", err)
		return
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		slog.Debug("ignoring datagram", "from", addr, "err", err)
		return
	}

	sess, err := l.Engine.Admit(ctx, safeboot.BindingPush)
	if err != nil {
		slog.Info("not acknowledging push request", "from", addr, "err", err)
		return
	}
	if err := sess.ExpectDigest(req.Digest); err != nil {
		_ = sess.Abort(ctx, &safeboot.TransferError{Code: safeboot.AuthError, Err: err})
		return
	}
	if _, err := pc.WriteTo([]byte(okToken), addr); err != nil {
		_ = sess.Abort(ctx, &safeboot.TransferError{Code: safeboot.ConnectError, Err: err})
		return
	}

	slog.Info("push request accepted", "session", sess.ID, "from", addr, "kind", req.Kind, "size", req.Size)
	if err := l.receive(ctx, sess, req, host); err != nil {
		slog.Error("push transfer failed", "session", sess.ID, "written", sess.Written(), "err", err)
	}
}

func (l *Listener) wait() time.Duration {
	if l.Wait <= 0 {
		return DefaultWait
	}
	return l.Wait
}

func (l *Listener) retryCap() int {
	switch {
	case l.RetryCap == 0:
		return DefaultRetryCap
	case l.RetryCap < 0:
		return 0
	default:
		return l.RetryCap
	}
}

func (l *Listener) chunkSize() int {
	if l.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return l.ChunkSize
}

func (l *Listener) dialTimeout() time.Duration {
	if l.DialTimeout <= 0 {
		return DefaultDialTimeout
	}
	return l.DialTimeout
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
