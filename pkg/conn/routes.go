// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package conn

import (
	"errors"
	"fmt"

	"github.com/cloudvpn/cloudvpn-go/pkg/mesh"
	"github.com/cloudvpn/cloudvpn-go/pkg/wire"
)

var (
	errKeepaliveTimeout = errors.New("keepalive timed out")
	errRouteOverflow    = errors.New("peer advertised too many routes")
)

// handleRouteSet replaces the peer's advertised routes. A set exceeding
// the remote route bound marks the overflow and hard-resets the
// connection, bounding memory against adversarial peers.
func (c *Connection) handleRouteSet(entries []wire.RouteEntry) error {
	fresh := make(map[mesh.Address]mesh.RemoteRoute, len(entries))
	for _, entry := range entries {
		if entry.IsWithdrawal() {
			continue
		}
		fresh[entry.Addr] = mesh.RemoteRoute{Ping: entry.Ping, Dist: entry.Dist}

		if len(fresh) > c.limits.MaxRemoteRoutes {
			return c.overflow(len(entries))
		}
	}

	c.mutex.Lock()
	c.remoteRoutes = fresh
	c.mutex.Unlock()

	c.hooks.Dirty()
	return nil
}

// handleRouteDiff patches the peer's advertised routes; ping zero entries
// withdraw, all others upsert.
func (c *Connection) handleRouteDiff(entries []wire.RouteEntry) error {
	c.mutex.Lock()
	for _, entry := range entries {
		if entry.IsWithdrawal() {
			delete(c.remoteRoutes, entry.Addr)
			continue
		}

		c.remoteRoutes[entry.Addr] = mesh.RemoteRoute{Ping: entry.Ping, Dist: entry.Dist}
		if len(c.remoteRoutes) > c.limits.MaxRemoteRoutes {
			size := len(c.remoteRoutes)
			c.mutex.Unlock()
			return c.overflow(size)
		}
	}
	c.mutex.Unlock()

	c.hooks.Dirty()
	return nil
}

func (c *Connection) overflow(size int) error {
	c.mutex.Lock()
	c.routeOverflow = true
	c.mutex.Unlock()

	return fmt.Errorf("%w: %d > %d", errRouteOverflow, size, c.limits.MaxRemoteRoutes)
}

// RemoteRoutes snapshots the peer's current advertisements.
func (c *Connection) RemoteRoutes() map[mesh.Address]mesh.RemoteRoute {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	routes := make(map[mesh.Address]mesh.RemoteRoute, len(c.remoteRoutes))
	for addr, remote := range c.remoteRoutes {
		routes[addr] = remote
	}
	return routes
}
