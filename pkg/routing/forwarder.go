// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"math/rand"

	"github.com/cloudvpn/cloudvpn-go/pkg/gate"
	"github.com/cloudvpn/cloudvpn-go/pkg/mesh"
	"github.com/cloudvpn/cloudvpn-go/pkg/wire"
)

// NoSource marks a frame without an originating connection or gate; it
// never matches a real id in the signed next-hop space.
const NoSource = 0x7fffffff

// RoutePacket forwards one frame towards zero or more next hops: the best
// or scattered unicast target, promiscuous listeners, or the broadcast
// fan-out. from identifies the frame's origin (a connection id, a gate id
// via mesh.GateHop, or NoSource) and is never sent back to, except by the
// single random pick of a shared-uplink broadcast, which draws from all
// active connections.
func (t *Table) RoutePacket(pkt *wire.PacketMessage, from int) {
	if len(pkt.Buf) < int(pkt.Dof)+int(pkt.Ds) {
		return
	}
	if pkt.Ds == 0 {
		return
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	// Duplicate suppression: a broadcast looping back through the mesh
	// must die here.
	if t.idCache.Seen(pkt.ID) {
		return
	}
	t.idCache.Add(pkt.ID)

	peers := t.peers()
	t.updateLocked(peers)

	dest := mesh.NewAddress(pkt.Instance, pkt.Buf[pkt.Dof:int(pkt.Dof)+int(pkt.Ds)])
	wildcard := dest.Wildcard()

	if !dest.IsBroadcast() {
		if t.unicastLocked(pkt, dest, wildcard, from, peers) {
			return
		}
	}

	t.broadcastLocked(pkt, wildcard, from, peers)
}

// unicastLocked delivers towards a known destination and the promiscuous
// listeners. It reports false if neither a route nor a listener exists,
// in which case the caller broadcasts instead.
func (t *Table) unicastLocked(pkt *wire.PacketMessage, dest, wildcard mesh.Address, from int, peers []Peer) bool {
	sendlist := make(map[int]struct{})

	if t.conf.Multipath {
		if next, ok := t.scatterLocked(dest, from); ok {
			sendlist[next] = struct{}{}
		}
	} else if info, ok := t.route[dest]; ok {
		sendlist[info.Next] = struct{}{}
	}

	listeners := t.promisc[wildcard]

	if len(listeners) == 0 && len(sendlist) == 0 {
		return false
	}

	// A shared uplink adds one random listener, gate or connection. Every
	// gate-side listener receives the frame in any case; connection-side
	// listeners all receive it only without a shared uplink.
	if t.conf.SharedUplink && len(listeners) > 0 {
		sendlist[listeners[rand.Intn(len(listeners))].Next] = struct{}{}
	}
	for _, listener := range listeners {
		if !t.conf.SharedUplink || mesh.IsGate(listener.Next) {
			sendlist[listener.Next] = struct{}{}
		}
	}

	delete(sendlist, from)

	for next := range sendlist {
		if mesh.IsGate(next) || pkt.TTL > 0 {
			t.sendToLocked(next, pkt, peers)
		}
	}
	return true
}

// broadcastLocked fans a frame out to every interested gate and, TTL
// permitting, to the connection peers.
func (t *Table) broadcastLocked(pkt *wire.PacketMessage, wildcard mesh.Address, from int, peers []Peer) {
	for _, g := range t.gates.Gates() {
		if from < 0 && g.ID() == mesh.HopGate(from) {
			continue
		}
		if !g.Ready() {
			continue
		}
		if !g.Listens(wildcard) {
			continue
		}

		g.SendFrame(packetFrame(pkt))
	}

	if pkt.TTL == 0 {
		return
	}

	active := make([]Peer, 0, len(peers))
	for _, peer := range peers {
		if peer.IsActive() {
			active = append(active, peer)
		}
	}

	if t.conf.SharedUplink {
		if len(active) > 0 {
			active[rand.Intn(len(active))].WritePacket(decremented(pkt))
		}
		return
	}

	for _, peer := range active {
		if peer.ID() == from {
			continue
		}
		peer.WritePacket(decremented(pkt))
	}
}

// sendToLocked dispatches one frame to a next-hop id, a gate for negative
// ids and a connection otherwise. Connections consume one TTL step.
func (t *Table) sendToLocked(next int, pkt *wire.PacketMessage, peers []Peer) {
	if mesh.IsGate(next) {
		g, ok := t.gates.Gate(mesh.HopGate(next))
		if !ok {
			return
		}
		g.SendFrame(packetFrame(pkt))
		return
	}

	if pkt.TTL == 0 {
		return
	}
	for _, peer := range peers {
		if peer.ID() == next {
			peer.WritePacket(decremented(pkt))
			return
		}
	}
}

// packetFrame strips the connection-level fields for gate delivery.
func packetFrame(pkt *wire.PacketMessage) gate.Frame {
	return gate.Frame{
		Instance: pkt.Instance,
		Dof:      pkt.Dof,
		Ds:       pkt.Ds,
		Sof:      pkt.Sof,
		Ss:       pkt.Ss,
		Buf:      pkt.Buf,
	}
}

// decremented copies a packet with one TTL step consumed.
func decremented(pkt *wire.PacketMessage) *wire.PacketMessage {
	next := *pkt
	next.TTL--
	return &next
}
