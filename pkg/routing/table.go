// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"math/rand"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/cloudvpn/cloudvpn-go/pkg/gate"
	"github.com/cloudvpn/cloudvpn-go/pkg/mesh"
	"github.com/cloudvpn/cloudvpn-go/pkg/wire"
)

// Peer is the routing fabric's view of a connection. Connections satisfy
// it without knowing about this package.
type Peer interface {
	ID() int
	IsActive() bool
	PathPing() uint32
	RemoteRoutes() map[mesh.Address]mesh.RemoteRoute
	WritePacket(pkt *wire.PacketMessage) bool
	WriteRouteSet(entries []wire.RouteEntry) bool
	WriteRouteDiff(entries []wire.RouteEntry) bool
}

// Table is the process-wide route table. It folds every active peer's
// advertisements and every ready gate's local addresses into a best
// next-hop map, reports changes to peers as incremental diffs and hosts
// the forwarder. All mutation funnels through the dirty counter; the next
// forwarding decision rebuilds the table if anything changed.
type Table struct {
	mutex sync.Mutex

	conf  Conf
	peers func() []Peer
	gates *gate.Manager

	route    map[mesh.Address]mesh.RouteInfo
	reported map[mesh.Address]mesh.RouteInfo
	promisc  map[mesh.Address][]mesh.RouteInfo
	multi    map[mesh.Address][]multiEntry

	dirty   int
	idCache *mesh.IDCache
}

// NewTable creates a Table over the given peer snapshot function and gate
// registry.
func NewTable(conf Conf, peers func() []Peer, gates *gate.Manager) *Table {
	conf.Normalize()

	return &Table{
		conf:     conf,
		peers:    peers,
		gates:    gates,
		route:    make(map[mesh.Address]mesh.RouteInfo),
		reported: make(map[mesh.Address]mesh.RouteInfo),
		promisc:  make(map[mesh.Address][]mesh.RouteInfo),
		multi:    make(map[mesh.Address][]multiEntry),
		dirty:    1,
		idCache:  mesh.NewIDCache(conf.PacketIDCacheSize),
	}
}

// SetDirty marks the table for recomputation before the next forwarding
// decision.
func (t *Table) SetDirty() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.dirty++
}

// Update recomputes the table and reports changes if anything was dirtied.
func (t *Table) Update() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.updateLocked(t.peers())
}

func (t *Table) updateLocked(peers []Peer) {
	if t.dirty == 0 {
		return
	}
	t.dirty = 0

	t.route = make(map[mesh.Address]mesh.RouteInfo)
	t.promisc = make(map[mesh.Address][]mesh.RouteInfo)

	// Local gate addresses first: ping 1 and distance 0 keep them ahead
	// of any remote advertisement of the same address.
	for _, g := range t.gates.Gates() {
		if !g.Ready() {
			continue
		}
		for _, addr := range g.Local() {
			info := mesh.RouteInfo{Ping: 1, Dist: 0, Next: mesh.GateHop(g.ID())}
			t.route[addr] = info
			if addr.IsWildcard() {
				t.promisc[addr] = append(t.promisc[addr], info)
			}
		}
	}

	for _, peer := range peers {
		if !peer.IsActive() {
			continue
		}
		linkPing := peer.PathPing()

		for addr, remote := range peer.RemoteRoutes() {
			if uint64(remote.Dist)+1 > uint64(t.conf.RouteMaxDist) {
				continue
			}

			// The extra 2 keeps every remote route above the withdrawal
			// sentinel, one µs charged per direction of the hop.
			candidate := mesh.RouteInfo{
				Ping: 2 + remote.Ping + linkPing,
				Dist: 1 + remote.Dist,
				Next: peer.ID(),
			}

			if incumbent, ok := t.route[addr]; ok {
				penalized := uint64(incumbent.Ping) *
					uint64(100+t.conf.HopPenalization*incumbent.Dist) / 100

				if penalized < uint64(candidate.Ping) {
					continue
				}
				if penalized == uint64(candidate.Ping) && incumbent.Dist < candidate.Dist {
					continue
				}
			}

			t.route[addr] = candidate
			if addr.IsWildcard() {
				t.promisc[addr] = append(t.promisc[addr], candidate)
			}
		}
	}

	if t.conf.Multipath {
		t.updateMultiLocked(peers)
	}

	t.reportLocked(peers)
}

// Routes snapshots the current best routes for status output.
func (t *Table) Routes() map[mesh.Address]mesh.RouteInfo {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	routes := make(map[mesh.Address]mesh.RouteInfo, len(t.route))
	for addr, info := range t.route {
		routes[addr] = info
	}
	return routes
}

// Reported snapshots what this node has advertised to its peers, for
// answering a peer's route request. Deliberately not the live table: peers
// only ever see previously advertised state.
func (t *Table) Reported() []wire.RouteEntry {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	entries := make([]wire.RouteEntry, 0, len(t.reported))
	for addr, info := range t.reported {
		entries = append(entries, wire.RouteEntry{Ping: info.Ping, Dist: info.Dist, Addr: addr})
	}
	return entries
}

// NewPacketID draws a random id for an originated frame.
func (t *Table) NewPacketID() uint32 {
	return rand.Uint32()
}

// BroadcastTTL is the initial TTL for originated broadcasts.
func (t *Table) BroadcastTTL() uint16 {
	return t.conf.BroadcastTTL
}

// sortedAddresses returns a map's keys in canonical address order.
func sortedAddresses(m map[mesh.Address]mesh.RouteInfo) []mesh.Address {
	addrs := make([]mesh.Address, 0, len(m))
	for addr := range m {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Compare(addrs[j]) < 0 })
	return addrs
}

// reportLocked diffs the fresh table against the last report, updates the
// reported state in lockstep and broadcasts the diff to all active peers.
func (t *Table) reportLocked(peers []Peer) {
	var diff []wire.RouteEntry

	fresh := sortedAddresses(t.route)
	old := sortedAddresses(t.reported)

	i, j := 0, 0
	for i < len(fresh) && j < len(old) {
		switch cmp := fresh[i].Compare(old[j]); {
		case cmp == 0:
			a, b := t.route[fresh[i]], t.reported[old[j]]

			delta := a.Ping - b.Ping
			if b.Ping > a.Ping {
				delta = b.Ping - a.Ping
			}
			if delta > t.conf.ReportPingDiff || a.Dist != b.Dist {
				diff = append(diff, wire.RouteEntry{Ping: a.Ping, Dist: a.Dist, Addr: fresh[i]})
			}
			i++
			j++

		case cmp < 0: // only in the fresh table
			a := t.route[fresh[i]]
			diff = append(diff, wire.RouteEntry{Ping: a.Ping, Dist: a.Dist, Addr: fresh[i]})
			i++

		default: // vanished from the fresh table
			diff = append(diff, wire.RouteEntry{Ping: 0, Dist: 0, Addr: old[j]})
			j++
		}
	}
	for ; i < len(fresh); i++ {
		a := t.route[fresh[i]]
		diff = append(diff, wire.RouteEntry{Ping: a.Ping, Dist: a.Dist, Addr: fresh[i]})
	}
	for ; j < len(old); j++ {
		diff = append(diff, wire.RouteEntry{Ping: 0, Dist: 0, Addr: old[j]})
	}

	if len(diff) == 0 {
		return
	}

	for _, entry := range diff {
		if entry.IsWithdrawal() {
			delete(t.reported, entry.Addr)
		} else {
			t.reported[entry.Addr] = mesh.RouteInfo{Ping: entry.Ping, Dist: entry.Dist}
		}
	}

	log.WithField("entries", len(diff)).Debug("Broadcasting route diff")

	for _, peer := range peers {
		if peer.IsActive() {
			peer.WriteRouteDiff(diff)
		}
	}
}
