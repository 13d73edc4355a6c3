// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package safeboot

import (
	"context"
	"io"
)

// Sink is persistent storage that accepts a firmware image and only exposes
// it as bootable after an explicit commit.
type Sink interface {
	// Open prepares storage for an image of the given kind. size is the
	// expected image length, or SizeUnknown if the total is only known when
	// the stream ends, in which case the image may grow up to the available
	// capacity.
	Open(ctx context.Context, size int64, kind ImageKind) (Image, error)
}

// Image is an open, uncommitted image handle returned by a Sink. It is owned
// by exactly one session.
type Image interface {
	// Write appends p to the image. Implementations must return an error when
	// fewer than len(p) bytes are accepted.
	io.Writer

	// Commit validates the written length and makes the image bootable. When
	// openEnded is true, the bytes written so far are taken as the image
	// size (used when the size was unknown at open). Otherwise the written
	// length must equal the size passed to Open.
	Commit(openEnded bool) error

	// Abort discards all written data. It must be safe to call more than
	// once and after a failed Commit.
	Abort() error

	// Err returns the first error the sink latched, or nil.
	Err() error
}
