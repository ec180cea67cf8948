// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package conn

import "io"

// Stream is an authenticated, ordered, reliable byte stream to a peer, the
// opaque transport the connection state machine runs on.
type Stream interface {
	io.ReadWriteCloser

	// PeerIdentity names the authenticated remote node, or returns the
	// empty string if the transport could not establish one.
	PeerIdentity() string

	// RemoteDescription describes the remote endpoint for logging and
	// status output.
	RemoteDescription() string
}

// Listener accepts inbound Streams; Accept only returns streams whose
// handshake already completed.
type Listener interface {
	Accept() (Stream, error)
	Close() error
	Addr() string
}

// Transport dials and listens for authenticated streams. Connect invokes
// the connected callback once the transport-level connection stands, before
// the cryptographic handshake, so the caller can track both phases.
// Transports that set up both in one step, like QUIC, invoke it right
// before dialing.
type Transport interface {
	Scheme() string
	Connect(address string, connected func()) (Stream, error)
	Listen(address string) (Listener, error)
}
