// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mesh

import "fmt"

// NextHop is a signed id addressing either a connection or a gate. Values
// greater than or equal to zero are connection ids, negative values encode
// gates as -(gate id + 1). This keeps both kinds of next hops in one id
// space so the forwarder can treat them uniformly.
type NextHop = int

// GateHop encodes a non-negative gate id into the next-hop id space.
func GateHop(gateID int) NextHop {
	return -(gateID + 1)
}

// HopGate decodes a negative next-hop id back into a gate id.
func HopGate(hop NextHop) int {
	return -(hop + 1)
}

// IsGate checks whether a next-hop id addresses a gate.
func IsGate(hop NextHop) bool {
	return hop < 0
}

// RouteInfo is one entry of the route table: the accumulated round-trip
// latency in microseconds, the hop count and the next hop to reach the
// destination. Ping and Dist both zero denote a withdrawal in a route diff;
// live remote routes always carry Ping >= 2.
type RouteInfo struct {
	Ping uint32
	Dist uint32
	Next NextHop
}

// IsWithdrawal checks for the withdrawal sentinel.
func (ri RouteInfo) IsWithdrawal() bool {
	return ri.Ping == 0 && ri.Dist == 0
}

func (ri RouteInfo) String() string {
	return fmt.Sprintf("RouteInfo(ping=%dµs,dist=%d,next=%d)", ri.Ping, ri.Dist, ri.Next)
}

// RemoteRoute is a peer's advertisement for one address. The next hop is
// implicit, it is the advertising peer itself.
type RemoteRoute struct {
	Ping uint32
	Dist uint32
}
