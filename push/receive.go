// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/safeboot-ota/safeboot"
)

// ErrStalled is the cause of a RECEIVE_ERROR after the sender stopped
// sending for longer than the retry cap allows.
var ErrStalled = errors.New("sender stalled")

// receive opens the sink, connects back to the sender and pulls the image.
// Every failure aborts the session and is returned.
func (l *Listener) receive(ctx context.Context, sess *safeboot.Session, req *Request, host string) error {
	if err := sess.Begin(ctx, req.Size, req.Kind); err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: l.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(req.Port)))
	if err != nil {
		return sess.Abort(ctx, &safeboot.TransferError{Code: safeboot.ConnectError, Err: err})
	}
	defer func() { _ = conn.Close() }()

	if err := l.pull(ctx, sess, conn); err != nil {
		return err
	}
	if err := sess.Finish(ctx); err != nil {
		return err
	}
	if _, err := io.WriteString(conn, okToken); err != nil {
		slog.Warn("error sending final acknowledgment", "session", sess.ID, "err", err)
	}
	return nil
}

// pull reads until the declared size has been written. Each chunk is
// acknowledged with the cumulative byte count. A stall resends the last
// acknowledgment up to the retry cap. Nothing is sent before the first
// chunk arrives; espota senders start streaming without an initial ack.
func (l *Listener) pull(ctx context.Context, sess *safeboot.Session, conn net.Conn) error {
	buf := make([]byte, l.chunkSize())
	var tried int
	for !sess.Complete() {
		if err := ctx.Err(); err != nil {
			return sess.Abort(ctx, err)
		}
		if err := conn.SetReadDeadline(time.Now().Add(l.wait())); err != nil {
			return sess.Abort(ctx, &safeboot.TransferError{Code: safeboot.ReceiveError, Err: err})
		}

		n, err := conn.Read(buf)
		if n > 0 {
			tried = 0
			if _, err := sess.Write(buf[:n]); err != nil {
				return err
			}
			if err := ack(conn, sess.Written()); err != nil {
				return sess.Abort(ctx, &safeboot.TransferError{Code: safeboot.ReceiveError, Err: err})
			}
			continue
		}

		written := sess.Written()
		switch {
		case err == nil:
		case isTimeout(err) && written == 0:
			return sess.Abort(ctx, &safeboot.TransferError{Code: safeboot.ConnectError,
				Err: fmt.Errorf("no data received within %s", l.wait())})
		case isTimeout(err) && tried < l.retryCap():
			tried++
			slog.Debug("push stalled, resending acknowledgment", "session", sess.ID, "written", written, "try", tried)
			if err := ack(conn, written); err != nil {
				return sess.Abort(ctx, &safeboot.TransferError{Code: safeboot.ReceiveError, Err: err})
			}
		case isTimeout(err):
			return sess.Abort(ctx, &safeboot.TransferError{Code: safeboot.ReceiveError,
				Err: fmt.Errorf("%w: %d of %d bytes after %d retries", ErrStalled, written, sess.Declared(), tried)})
		case errors.Is(err, io.EOF):
			return sess.Abort(ctx, &safeboot.TransferError{Code: safeboot.ReceiveError,
				Err: fmt.Errorf("connection closed after %d of %d bytes", written, sess.Declared())})
		default:
			return sess.Abort(ctx, &safeboot.TransferError{Code: safeboot.ReceiveError, Err: err})
		}
	}
	return nil
}

func ack(w io.Writer, written int64) error {
	_, err := w.Write(strconv.AppendInt(nil, written, 10))
	return err
}
