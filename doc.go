// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package safeboot implements a firmware transfer engine for devices that
// must receive a new image over an unreliable network and commit it to
// persistent storage without ever becoming unbootable.
//
// The [Engine] admits at most one transfer [Session] at a time. A session is
// opened against a [Sink], streams bytes into the resulting [Image], and is
// either committed (after which a restart is scheduled by the
// [RebootController]) or aborted, leaving the previous image in place.
//
// Two transport bindings drive the same session contract. The push binding in
// the push subpackage performs an espota-style datagram handshake and then
// pulls the image over TCP with stop-and-wait acknowledgments. The upload
// binding is the [Upload] driver, fed by the HTTP handler in the http
// subpackage from a multipart or raw request body.
//
// Sink implementations must guarantee that no partial write becomes bootable
// until [Image.Commit] returns successfully. The filesink subpackage provides
// one that stages data in a temporary file and renames it into place.
package safeboot
