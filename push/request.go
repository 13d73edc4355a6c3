// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package push

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/safeboot-ota/safeboot"
)

// maxDigits bounds each integer field. A field that reaches the bound
// parses as zero and fails validation.
const maxDigits = 15

// Request is the transfer request datagram sent by a push client. On the
// wire it is "kind port size digest\n" with integers in ASCII decimal.
type Request struct {
	Kind   safeboot.ImageKind
	Port   int
	Size   int64
	Digest string
}

// ParseRequest decodes and validates a request datagram. All failures are
// reported as AUTH_ERROR.
func ParseRequest(datagram []byte) (*Request, error) {
	var r Request
	if err := r.UnmarshalText(datagram); err != nil {
		return nil, err
	}
	return &r, nil
}

// MarshalText implements encoding.TextMarshaler.
func (r Request) MarshalText() ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "%d %d %d %s\n", int(r.Kind), r.Port, r.Size, r.Digest), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Request) UnmarshalText(text []byte) error {
	s := scanner{buf: text}
	kind := s.int()
	port := s.int()
	size := s.int()
	s.skip()
	digest := s.until('\n')

	parsed := Request{
		Kind:   safeboot.ImageKind(kind),
		Port:   int(port),
		Size:   size,
		Digest: string(bytes.TrimSpace(digest)),
	}
	if err := parsed.validate(); err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r Request) validate() error {
	var err error
	switch {
	case !r.Kind.Valid():
		err = fmt.Errorf("unknown command %d", int(r.Kind))
	case r.Port < 1 || r.Port > 65535:
		err = fmt.Errorf("invalid port %d", r.Port)
	case r.Size <= 0:
		err = fmt.Errorf("invalid size %d", r.Size)
	default:
		err = safeboot.ValidDigest(r.Digest)
	}
	if err != nil {
		return &safeboot.TransferError{Code: safeboot.AuthError, Err: err}
	}
	return nil
}

// scanner reads fields the way espota devices do: leading spaces are
// skipped, digits are consumed until the first non-digit, and the digest is
// read up to a newline or NUL.
type scanner struct{ buf []byte }

func (s *scanner) int() int64 {
	for len(s.buf) > 0 && s.buf[0] == ' ' {
		s.buf = s.buf[1:]
	}
	n := 0
	for n < len(s.buf) && n < maxDigits && s.buf[n] >= '0' && s.buf[n] <= '9' {
		n++
	}
	digits := s.buf[:n]
	s.buf = s.buf[n:]
	if n == maxDigits {
		return 0
	}
	// An empty field parses as zero
	v, _ := strconv.ParseInt(string(digits), 10, 64)
	return v
}

func (s *scanner) skip() {
	if len(s.buf) > 0 {
		s.buf = s.buf[1:]
	}
}

func (s *scanner) until(end byte) []byte {
	i := bytes.IndexAny(s.buf, string([]byte{end, 0}))
	if i < 0 {
		i = len(s.buf)
	}
	field := s.buf[:i]
	s.buf = s.buf[min(i+1, len(s.buf)):]
	return field
}
