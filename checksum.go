// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package safeboot

import (
	"crypto/md5" //nolint:gosec // espota senders declare MD5 digests
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// DigestLength is the length of a hex encoded content digest.
const DigestLength = 2 * md5.Size

// Checksum incrementally digests a byte stream and compares the result with
// a reference digest.
type Checksum struct {
	want string
	hash hash.Hash
}

// NewChecksum validates a reference digest of exactly DigestLength hex
// characters (case-insensitive) and returns a verifier for it.
func NewChecksum(expected string) (*Checksum, error) {
	if err := ValidDigest(expected); err != nil {
		return nil, err
	}
	return &Checksum{
		want: strings.ToLower(expected),
		hash: md5.New(), //nolint:gosec
	}, nil
}

// ValidDigest checks that s is a well-formed hex digest.
func ValidDigest(s string) error {
	if len(s) != DigestLength {
		return fmt.Errorf("digest must be %d characters, got %d", DigestLength, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("digest is not hex: %w", err)
	}
	return nil
}

// Write implements io.Writer and never fails.
func (c *Checksum) Write(p []byte) (int, error) { return c.hash.Write(p) }

// Sum returns the lowercase hex digest of everything written so far.
func (c *Checksum) Sum() string { return hex.EncodeToString(c.hash.Sum(nil)) }

// Expected returns the normalized reference digest.
func (c *Checksum) Expected() string { return c.want }

// Verify compares the running digest with the reference.
func (c *Checksum) Verify() error {
	if got := c.Sum(); got != c.want {
		return fmt.Errorf("%w: got %s, expected %s", ErrDigestMismatch, got, c.want)
	}
	return nil
}

// Reset discards written data, keeping the reference digest.
func (c *Checksum) Reset() { c.hash.Reset() }
