// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery announces a node's listeners through UDP multicast and
// dials the peers it hears about, so small meshes assemble without
// configured peer lists.
package discovery

const (
	// address4 is the default multicast IPv4 address used for discovery.
	address4 = "224.23.23.23"

	// address6 is the default multicast IPv6 address used for discovery.
	address6 = "ff02::23"

	// port is the default multicast UDP port used for discovery.
	port = 35039
)
