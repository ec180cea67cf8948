// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"math/rand"
	"sort"

	"github.com/cloudvpn/cloudvpn-go/pkg/mesh"
)

// multiEntry is one candidate next hop in the scatter index: the
// cumulative ping towards the destination via the identified connection.
type multiEntry struct {
	ping uint32
	id   int
}

// updateMultiLocked rebuilds the scatter index: per destination address,
// every active peer advertising it, ordered by cumulative ping. Unlike the
// best-route table this keeps all candidates, which is what makes
// scattering possible.
func (t *Table) updateMultiLocked(peers []Peer) {
	t.multi = make(map[mesh.Address][]multiEntry)

	for _, peer := range peers {
		if !peer.IsActive() {
			continue
		}
		linkPing := peer.PathPing()

		for addr, remote := range peer.RemoteRoutes() {
			t.multi[addr] = append(t.multi[addr], multiEntry{
				ping: linkPing + remote.Ping + 2,
				id:   peer.ID(),
			})
		}
	}

	for addr := range t.multi {
		entries := t.multi[addr]
		sort.Slice(entries, func(i, j int) bool { return entries[i].ping < entries[j].ping })
	}
}

// scatterLocked picks a next hop for a unicast to addr. Candidates are
// grouped into bands of comparable ping; each band is either chosen from
// uniformly or skipped, biasing towards low latency while still exploring
// alternatives. The source is never selected. ok is false once all bands
// are exhausted or the address is unknown, leaving the caller to fall
// back to broadcasting.
func (t *Table) scatterLocked(addr mesh.Address, from int) (next int, ok bool) {
	entries := t.multi[addr]

	i := 0
	for i < len(entries) {
		bandMax := uint64(t.conf.MultipathRatio) * uint64(entries[i].ping)

		j := i
		for j < len(entries) && uint64(entries[j].ping) < bandMax {
			j++
		}
		n := j - i

		var r int
		if j == len(entries) {
			r = rand.Intn(n)
		} else {
			r = rand.Intn(n + 1)
		}

		if r != n {
			selected := entries[i+r]
			if selected.id == from {
				i = j
				continue
			}
			return selected.id, true
		}

		i = j
	}

	return 0, false
}
