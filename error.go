// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package safeboot

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why a transfer session ended without committing.
type ErrorCode int

// Error codes, in the order they can occur during a transfer.
const (
	// AuthError is a malformed handshake. It is never surfaced to the peer,
	// because the datagram may be unrelated traffic.
	AuthError ErrorCode = iota
	// BeginError means the sink could not be opened (insufficient space, bad
	// kind).
	BeginError
	// ConnectError means the push binding could not establish or use the data
	// channel before any byte was received.
	ConnectError
	// ReceiveError is a failed write or a stream that stalled past the retry
	// cap or closed early.
	ReceiveError
	// EndError means finalization rejected the image (size or digest
	// mismatch).
	EndError
)

func (c ErrorCode) String() string {
	switch c {
	case AuthError:
		return "AUTH_ERROR"
	case BeginError:
		return "BEGIN_ERROR"
	case ConnectError:
		return "CONNECT_ERROR"
	case ReceiveError:
		return "RECEIVE_ERROR"
	case EndError:
		return "END_ERROR"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// TransferError is the terminal error of a session.
type TransferError struct {
	Code ErrorCode
	Err  error
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Err.Error()
}

func (e *TransferError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &TransferError{Code: ...}) to match on code alone.
func (e *TransferError) Is(target error) bool {
	var t *TransferError
	if !errors.As(target, &t) {
		return false
	}
	return t.Err == nil && t.Code == e.Code
}

// CodeOf returns the error code carried by err, if any.
func CodeOf(err error) (ErrorCode, bool) {
	var terr *TransferError
	if errors.As(err, &terr) {
		return terr.Code, true
	}
	return 0, false
}

func transferError(code ErrorCode, err error) error {
	var terr *TransferError
	if errors.As(err, &terr) {
		return err
	}
	return &TransferError{Code: code, Err: err}
}

var (
	// ErrBusy is returned when a session is requested while another one is
	// active.
	ErrBusy = errors.New("transfer already in progress")

	// ErrDigestMismatch is returned when the received content does not match
	// the declared digest.
	ErrDigestMismatch = errors.New("checksum mismatch")

	// ErrSizeExceeded is returned when more bytes arrive than were declared.
	ErrSizeExceeded = errors.New("image exceeds declared size")

	// ErrAborted is returned by operations on a session that has already
	// ended without committing.
	ErrAborted = errors.New("transfer aborted")

	// ErrCanceled is the abort reason recorded when a session is canceled
	// externally.
	ErrCanceled = errors.New("transfer canceled")
)
