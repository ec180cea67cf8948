// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"sync"
	"testing"

	"github.com/cloudvpn/cloudvpn-go/pkg/gate"
	"github.com/cloudvpn/cloudvpn-go/pkg/mesh"
	"github.com/cloudvpn/cloudvpn-go/pkg/wire"
)

// fakePeer records everything the table sends towards it.
type fakePeer struct {
	mutex  sync.Mutex
	id     int
	active bool
	ping   uint32
	routes map[mesh.Address]mesh.RemoteRoute

	packets []*wire.PacketMessage
	diffs   [][]wire.RouteEntry
	sets    [][]wire.RouteEntry
}

func (p *fakePeer) ID() int          { return p.id }
func (p *fakePeer) IsActive() bool   { return p.active }
func (p *fakePeer) PathPing() uint32 { return p.ping }

func (p *fakePeer) RemoteRoutes() map[mesh.Address]mesh.RemoteRoute {
	routes := make(map[mesh.Address]mesh.RemoteRoute, len(p.routes))
	for addr, remote := range p.routes {
		routes[addr] = remote
	}
	return routes
}

func (p *fakePeer) WritePacket(pkt *wire.PacketMessage) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.packets = append(p.packets, pkt)
	return true
}

func (p *fakePeer) WriteRouteSet(entries []wire.RouteEntry) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.sets = append(p.sets, entries)
	return true
}

func (p *fakePeer) WriteRouteDiff(entries []wire.RouteEntry) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.diffs = append(p.diffs, entries)
	return true
}

func (p *fakePeer) packetCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.packets)
}

func peerSet(peers ...*fakePeer) func() []Peer {
	return func() []Peer {
		out := make([]Peer, len(peers))
		for i, p := range peers {
			out[i] = p
		}
		return out
	}
}

func newTestTable(conf Conf, gates *gate.Manager, peers ...*fakePeer) *Table {
	if gates == nil {
		gates = gate.NewManager()
	}
	return NewTable(conf, peerSet(peers...), gates)
}

func TestRouteUpdateGateAndPeer(t *testing.T) {
	gates := gate.NewManager()
	local := mesh.NewAddress(1, []byte{0x01})
	g := gate.NewChannelGate(0, 1, false, []mesh.Address{local}, nil)
	gates.Register(g)

	remote := mesh.NewAddress(1, []byte{0x02})
	peer := &fakePeer{
		id: 5, active: true, ping: 1000,
		routes: map[mesh.Address]mesh.RemoteRoute{remote: {Ping: 300, Dist: 1}},
	}

	table := newTestTable(DefaultConf(), gates, peer)
	table.Update()

	routes := table.Routes()

	if info, ok := routes[local]; !ok {
		t.Fatal("Gate address is missing from the table")
	} else if info.Ping != 1 || info.Dist != 0 || info.Next != mesh.GateHop(0) {
		t.Fatalf("Gate route is %v", info)
	}

	if info, ok := routes[remote]; !ok {
		t.Fatal("Advertised address is missing from the table")
	} else if info.Ping != 2+300+1000 || info.Dist != 2 || info.Next != 5 {
		t.Fatalf("Remote route is %v", info)
	}
}

func TestRouteUpdateIgnoresInactivePeers(t *testing.T) {
	remote := mesh.NewAddress(1, []byte{0x02})
	peer := &fakePeer{
		id: 5, active: false, ping: 10,
		routes: map[mesh.Address]mesh.RemoteRoute{remote: {Ping: 1, Dist: 0}},
	}

	table := newTestTable(DefaultConf(), nil, peer)
	table.Update()

	if len(table.Routes()) != 0 {
		t.Fatal("Inactive peer leaked into the table")
	}
}

func TestRouteMaxDistCapsAdvertisements(t *testing.T) {
	near := mesh.NewAddress(1, []byte{0x01})
	far := mesh.NewAddress(1, []byte{0x02})
	peer := &fakePeer{
		id: 0, active: true, ping: 10,
		routes: map[mesh.Address]mesh.RemoteRoute{
			near: {Ping: 1, Dist: 0},
			far:  {Ping: 1, Dist: 5},
		},
	}

	conf := DefaultConf()
	conf.RouteMaxDist = 1
	table := newTestTable(conf, nil, peer)
	table.Update()

	routes := table.Routes()
	if _, ok := routes[near]; !ok {
		t.Fatal("Distance 1 route was rejected")
	}
	if _, ok := routes[far]; ok {
		t.Fatal("Route beyond the distance cap was accepted")
	}

	// A cap of zero admits only local gate routes.
	gates := gate.NewManager()
	local := mesh.NewAddress(1, []byte{0x03})
	gates.Register(gate.NewChannelGate(0, 1, false, []mesh.Address{local}, nil))

	conf.RouteMaxDist = 0
	table = newTestTable(conf, gates, peer)
	table.Update()

	routes = table.Routes()
	if len(routes) != 1 {
		t.Fatalf("Table holds %d routes, expected only the gate route", len(routes))
	}
	if _, ok := routes[local]; !ok {
		t.Fatal("Gate route is missing under route-max-dist = 0")
	}
}

func TestRouteSelectionPrefersLowerPing(t *testing.T) {
	addr := mesh.NewAddress(1, []byte{0x0f})

	slow := &fakePeer{
		id: 1, active: true, ping: 5000,
		routes: map[mesh.Address]mesh.RemoteRoute{addr: {Ping: 100, Dist: 1}},
	}
	fast := &fakePeer{
		id: 2, active: true, ping: 100,
		routes: map[mesh.Address]mesh.RemoteRoute{addr: {Ping: 100, Dist: 4}},
	}

	table := newTestTable(DefaultConf(), nil, slow, fast)
	table.Update()

	if info := table.Routes()[addr]; info.Next != 2 {
		t.Fatalf("Table chose %v, expected the lower-ping peer 2", info)
	}
}

func TestRouteHopPenalizationBiasesShortPaths(t *testing.T) {
	addr := mesh.NewAddress(1, []byte{0x0f})

	// Without penalization the longer path wins on raw ping; 50% per hop
	// flips the decision.
	long := &fakePeer{
		id: 1, active: true, ping: 100,
		routes: map[mesh.Address]mesh.RemoteRoute{addr: {Ping: 98, Dist: 5}},
	}
	short := &fakePeer{
		id: 2, active: true, ping: 100,
		routes: map[mesh.Address]mesh.RemoteRoute{addr: {Ping: 198, Dist: 1}},
	}

	table := newTestTable(DefaultConf(), nil, long, short)
	table.Update()
	if info := table.Routes()[addr]; info.Next != 1 {
		t.Fatalf("Without penalization the table chose %v, expected peer 1", info)
	}

	conf := DefaultConf()
	conf.HopPenalization = 50
	table = newTestTable(conf, nil, long, short)
	table.Update()
	if info := table.Routes()[addr]; info.Next != 2 {
		t.Fatalf("With penalization the table chose %v, expected peer 2", info)
	}
}

func TestRouteLineTopologyAccumulates(t *testing.T) {
	// A - B - C: B relays C's local address to A. From A's perspective
	// the advertisement already contains B's cost towards C.
	addrC := mesh.NewAddress(1, []byte{0xcc})

	pingBC := uint32(400)
	advertisedByB := mesh.RemoteRoute{Ping: 2 + pingBC + 0, Dist: 1}

	pingAB := uint32(300)
	peerB := &fakePeer{
		id: 0, active: true, ping: pingAB,
		routes: map[mesh.Address]mesh.RemoteRoute{addrC: advertisedByB},
	}

	table := newTestTable(DefaultConf(), nil, peerB)
	table.Update()

	info := table.Routes()[addrC]
	if info.Dist != 2 {
		t.Fatalf("Distance is %d, expected 2", info.Dist)
	}
	if expected := 2 + pingAB + (2 + pingBC); info.Ping != expected {
		t.Fatalf("Ping is %d, expected %d", info.Ping, expected)
	}
}

func TestReportDiffAndReportedState(t *testing.T) {
	remote := mesh.NewAddress(1, []byte{0x02})
	peer := &fakePeer{
		id: 0, active: true, ping: 10,
		routes: map[mesh.Address]mesh.RemoteRoute{remote: {Ping: 100, Dist: 1}},
	}

	table := newTestTable(DefaultConf(), nil, peer)
	table.Update()

	// The first update reports the fresh route as an upsert.
	if len(peer.diffs) != 1 || len(peer.diffs[0]) != 1 {
		t.Fatalf("Peer received diffs %v, expected one with one entry", peer.diffs)
	}
	if entry := peer.diffs[0][0]; entry.Addr != remote || entry.IsWithdrawal() {
		t.Fatalf("Diff entry is %v", entry)
	}

	// Reported state now mirrors the table.
	reported := table.Reported()
	if len(reported) != 1 || reported[0].Addr != remote {
		t.Fatalf("Reported state is %v", reported)
	}

	// A ping change below the threshold must not be reported.
	peer.routes[remote] = mesh.RemoteRoute{Ping: 150, Dist: 1}
	table.SetDirty()
	table.Update()
	if len(peer.diffs) != 1 {
		t.Fatalf("Sub-threshold ping change was reported: %v", peer.diffs)
	}

	// A distance change always is.
	peer.routes[remote] = mesh.RemoteRoute{Ping: 150, Dist: 2}
	table.SetDirty()
	table.Update()
	if len(peer.diffs) != 2 {
		t.Fatal("Distance change was not reported")
	}

	// Losing the route reports a withdrawal.
	delete(peer.routes, remote)
	table.SetDirty()
	table.Update()
	if len(peer.diffs) != 3 {
		t.Fatal("Withdrawal was not reported")
	}
	if entry := peer.diffs[2][0]; !entry.IsWithdrawal() || entry.Dist != 0 {
		t.Fatalf("Withdrawal entry is %v", entry)
	}
	if len(table.Reported()) != 0 {
		t.Fatalf("Reported state kept the withdrawn route: %v", table.Reported())
	}
}

func TestReportDiffAppliesCleanly(t *testing.T) {
	// Applying the emitted diff to the previously reported state must
	// reproduce the fresh table.
	addrs := []mesh.Address{
		mesh.NewAddress(1, []byte{0x01}),
		mesh.NewAddress(1, []byte{0x02}),
		mesh.NewAddress(2, []byte{0x03}),
	}

	peer := &fakePeer{
		id: 0, active: true, ping: 10,
		routes: map[mesh.Address]mesh.RemoteRoute{
			addrs[0]: {Ping: 100, Dist: 1},
			addrs[1]: {Ping: 200, Dist: 2},
		},
	}

	table := newTestTable(DefaultConf(), nil, peer)
	table.Update()

	shadow := make(map[mesh.Address]mesh.RouteInfo)
	apply := func(diff []wire.RouteEntry) {
		for _, entry := range diff {
			if entry.IsWithdrawal() {
				delete(shadow, entry.Addr)
			} else {
				shadow[entry.Addr] = mesh.RouteInfo{Ping: entry.Ping, Dist: entry.Dist}
			}
		}
	}
	apply(peer.diffs[0])

	// Mutate: drop one address, add another, change a distance.
	delete(peer.routes, addrs[0])
	peer.routes[addrs[1]] = mesh.RemoteRoute{Ping: 200, Dist: 3}
	peer.routes[addrs[2]] = mesh.RemoteRoute{Ping: 50, Dist: 1}
	table.SetDirty()
	table.Update()
	apply(peer.diffs[1])

	routes := table.Routes()
	if len(shadow) != len(routes) {
		t.Fatalf("Shadow has %d entries, table %d", len(shadow), len(routes))
	}
	for addr, info := range routes {
		if shadow[addr].Ping != info.Ping || shadow[addr].Dist != info.Dist {
			t.Fatalf("Shadow diverged at %v: %v != %v", addr, shadow[addr], info)
		}
	}
}

func TestUpdateOnlyWhenDirty(t *testing.T) {
	remote := mesh.NewAddress(1, []byte{0x02})
	peer := &fakePeer{
		id: 0, active: true, ping: 10,
		routes: map[mesh.Address]mesh.RemoteRoute{remote: {Ping: 100, Dist: 1}},
	}

	table := newTestTable(DefaultConf(), nil, peer)
	table.Update()

	// Without a dirty mark, a mutation stays invisible.
	delete(peer.routes, remote)
	table.Update()
	if _, ok := table.Routes()[remote]; !ok {
		t.Fatal("Table recomputed without being dirty")
	}

	table.SetDirty()
	table.Update()
	if _, ok := table.Routes()[remote]; ok {
		t.Fatal("Dirty table was not recomputed")
	}
}
