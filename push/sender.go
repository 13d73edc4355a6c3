// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package push

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // espota senders declare MD5 digests
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/safeboot-ota/safeboot"
)

// ErrNoReply is returned when the device never acknowledges the request
// datagram, which is also how a busy device responds.
var ErrNoReply = errors.New("device did not acknowledge the request")

// Defaults for Sender fields
const (
	DefaultAttempts         = 10
	DefaultHandshakeTimeout = time.Second
	DefaultSendTimeout      = 10 * time.Second
	DefaultSendChunkSize    = 1024
)

// Sender pushes an image to a device running a Listener.
type Sender struct {
	// Addr is the device's UDP address. A missing port defaults to 3232.
	Addr string

	// ListenAddr is the local TCP address the device connects back to.
	// Defaults to ":0".
	ListenAddr string

	// Attempts is how many times the request datagram is sent, waiting
	// HandshakeTimeout for a reply each time.
	Attempts         int
	HandshakeTimeout time.Duration

	// Timeout bounds each step on the data connection.
	Timeout time.Duration

	ChunkSize int

	// Progress, if set, receives a progress bar.
	Progress io.Writer
}

// Send pushes image to the device and waits until it reports the image
// committed.
func (s *Sender) Send(ctx context.Context, kind safeboot.ImageKind, image []byte) error {
	if len(image) == 0 {
		return errors.New("image is empty")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.listenAddr())
	if err != nil {
		return fmt.Errorf("error listening for device connection: %w", err)
	}
	defer func() { _ = ln.Close() }()

	sum := md5.Sum(image) //nolint:gosec
	req := Request{
		Kind:   kind,
		Port:   ln.Addr().(*net.TCPAddr).Port,
		Size:   int64(len(image)),
		Digest: hex.EncodeToString(sum[:]),
	}
	if err := s.handshake(ctx, req); err != nil {
		return err
	}

	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(s.timeout()))
	}
	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("device did not connect: %w", err)
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	return s.stream(ctx, conn, image)
}

func (s *Sender) handshake(ctx context.Context, req Request) error {
	msg, err := req.MarshalText()
	if err != nil {
		return err
	}
	addr := s.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("error dialing %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	reply := make([]byte, 64)
	for attempt := 1; attempt <= s.attempts(); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		slog.Debug("sending push request", "to", addr, "attempt", attempt, "size", req.Size, "digest", req.Digest)
		if _, err := conn.Write(msg); err != nil {
			return fmt.Errorf("error sending request: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout()))
		n, err := conn.Read(reply)
		if isTimeout(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("error reading reply: %w", err)
		}
		if string(reply[:n]) != okToken {
			return fmt.Errorf("device refused request: %q", reply[:n])
		}
		return nil
	}
	return ErrNoReply
}

func (s *Sender) stream(ctx context.Context, conn net.Conn, image []byte) error {
	bar := s.progress(int64(len(image)))
	defer func() { _ = bar.Finish() }()

	// The final token may arrive appended to the last acknowledgment
	var tail []byte
	buf := make([]byte, 64)
	readAck := func() error {
		_ = conn.SetReadDeadline(time.Now().Add(s.timeout()))
		n, err := conn.Read(buf)
		tail = append(tail, buf[:n]...)
		if len(tail) > 2*len(okToken) {
			tail = tail[len(tail)-2*len(okToken):]
		}
		return err
	}

	for off := 0; off < len(image); {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(s.chunkSize(), len(image)-off)
		_ = conn.SetWriteDeadline(time.Now().Add(s.timeout()))
		if _, err := conn.Write(image[off : off+n]); err != nil {
			return fmt.Errorf("error sending data at offset %d: %w", off, err)
		}
		off += n
		_ = bar.Add(n)

		if err := readAck(); err != nil {
			return fmt.Errorf("error reading acknowledgment at offset %d: %w", off, err)
		}
	}

	for !bytes.Contains(tail, []byte(okToken)) {
		if err := readAck(); err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("device closed the connection without committing the image")
			}
			return fmt.Errorf("error waiting for result: %w", err)
		}
	}
	return nil
}

func (s *Sender) progress(size int64) *progressbar.ProgressBar {
	if s.Progress == nil {
		return progressbar.DefaultSilent(size)
	}
	return progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(s.Progress),
		progressbar.OptionSetWidth(50),
		progressbar.OptionSetDescription("Uploading..."),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func (s *Sender) listenAddr() string {
	if s.ListenAddr == "" {
		return ":0"
	}
	return s.ListenAddr
}

func (s *Sender) attempts() int {
	if s.Attempts <= 0 {
		return DefaultAttempts
	}
	return s.Attempts
}

func (s *Sender) handshakeTimeout() time.Duration {
	if s.HandshakeTimeout <= 0 {
		return DefaultHandshakeTimeout
	}
	return s.HandshakeTimeout
}

func (s *Sender) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultSendTimeout
	}
	return s.Timeout
}

func (s *Sender) chunkSize() int {
	if s.ChunkSize <= 0 {
		return DefaultSendChunkSize
	}
	return s.ChunkSize
}
