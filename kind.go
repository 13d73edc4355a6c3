// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package safeboot

import "fmt"

// ImageKind selects which partition an image is written to. The numeric
// values are the command codes used on the espota wire protocol.
type ImageKind int

// Image kinds
const (
	Firmware   ImageKind = 0
	Filesystem ImageKind = 100
)

// SizeUnknown is passed to [Sink.Open] when the total image size is not
// known before the first byte arrives.
const SizeUnknown int64 = -1

func (k ImageKind) String() string {
	switch k {
	case Firmware:
		return "firmware"
	case Filesystem:
		return "filesystem"
	default:
		return fmt.Sprintf("ImageKind(%d)", int(k))
	}
}

// Valid reports whether k is a known image kind.
func (k ImageKind) Valid() bool { return k == Firmware || k == Filesystem }

// ParseImageKind converts a wire command code to an ImageKind.
func ParseImageKind(code int) (ImageKind, error) {
	if k := ImageKind(code); k.Valid() {
		return k, nil
	}
	return 0, fmt.Errorf("unknown image kind code %d", code)
}
