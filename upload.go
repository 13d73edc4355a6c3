// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package safeboot

import (
	"context"
	"errors"
	"fmt"
)

// UploadStatus tags each chunk of a chunked upload.
type UploadStatus int

// Upload chunk statuses
const (
	UploadStart UploadStatus = iota
	UploadData
	UploadEnd
	UploadAborted
)

func (s UploadStatus) String() string {
	switch s {
	case UploadStart:
		return "START"
	case UploadData:
		return "DATA"
	case UploadEnd:
		return "END"
	case UploadAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("UploadStatus(%d)", int(s))
	}
}

// UploadChunk is one step of a chunked upload. Kind is only read for
// UploadStart and Data only for UploadData.
type UploadChunk struct {
	Status UploadStatus
	Kind   ImageKind
	Data   []byte
}

// ErrUploadAborted is latched when the client disconnects mid-upload.
var ErrUploadAborted = errors.New("upload aborted by client")

// Upload drives a session from a chunked upload whose total size is unknown
// until it ends. Failures are latched: once an error occurs, later chunks are
// consumed without effect so the caller's read loop is never interrupted.
//
// An Upload handles one logical upload at a time and is not safe for
// concurrent use.
type Upload struct {
	Engine *Engine

	session   *Session
	err       error
	committed bool
	written   int64
}

// Handle processes one chunk.
func (u *Upload) Handle(ctx context.Context, chunk UploadChunk) {
	switch chunk.Status {
	case UploadStart:
		u.start(ctx, chunk.Kind)

	case UploadData:
		if u.err != nil {
			return
		}
		if u.session == nil {
			u.err = errors.New("upload data received before start")
			return
		}
		n, err := u.session.Write(chunk.Data)
		u.written += int64(n)
		if err != nil {
			u.err = err
			u.session = nil
		}

	case UploadEnd:
		if u.err != nil {
			return
		}
		if u.session == nil {
			u.err = errors.New("upload ended before start")
			return
		}
		if err := u.session.Finish(ctx); err != nil {
			u.err = err
		} else {
			u.committed = true
		}
		u.session = nil

	case UploadAborted:
		if u.session != nil {
			_ = u.session.Abort(ctx, &TransferError{Code: ReceiveError, Err: ErrUploadAborted})
			u.session = nil
		}
		if u.err == nil {
			u.err = ErrUploadAborted
		}

	default:
		if u.err == nil {
			u.err = fmt.Errorf("unknown upload status %v", chunk.Status)
		}
	}
}

func (u *Upload) start(ctx context.Context, kind ImageKind) {
	if u.session != nil {
		_ = u.session.Abort(ctx, errors.New("upload restarted"))
	}
	u.session, u.err, u.committed, u.written = nil, nil, false, 0

	s, err := u.Engine.Admit(ctx, BindingUpload)
	if err != nil {
		u.err = err
		return
	}
	if err := s.Begin(ctx, SizeUnknown, kind); err != nil {
		u.err = err
		return
	}
	u.session = s
}

// Err returns the latched error, if any.
func (u *Upload) Err() error { return u.err }

// Committed reports whether the upload ended with a committed image.
func (u *Upload) Committed() bool { return u.committed }

// Written returns the number of bytes accepted since the upload started. It
// keeps its value after the upload ends.
func (u *Upload) Written() int64 { return u.written }
