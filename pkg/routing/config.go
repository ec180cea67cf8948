// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package routing implements the process-wide routing fabric: the route
// table aggregating peer advertisements, the incremental route reporter,
// the optional multipath scatter index and the packet forwarder.
package routing

// Conf carries the routing fabric's tunables, decoded from the daemon's
// [routing] configuration block.
type Conf struct {
	// PacketIDCacheSize bounds the duplicate-broadcast suppression cache.
	PacketIDCacheSize int `toml:"packet-id-cache-size"`

	// Multipath enables scattering unicasts over several peers.
	Multipath bool `toml:"multipath"`

	// MultipathRatio is the scatter band-width factor, at least 2.
	MultipathRatio uint32 `toml:"multipath-ratio"`

	// ReportPingDiff suppresses route reports for ping changes at or
	// below this many microseconds.
	ReportPingDiff uint32 `toml:"report-ping-changes-above"`

	// RouteMaxDist caps the hop count of accepted advertisements.
	RouteMaxDist uint32 `toml:"route-max-dist"`

	// BroadcastTTL is stamped on originated broadcasts.
	BroadcastTTL uint16 `toml:"route-broadcast-ttl"`

	// HopPenalization biases route tie-breaks towards shorter paths, in
	// percent per hop.
	HopPenalization uint32 `toml:"route-hop-penalization"`

	// SharedUplink routes towards a single randomly chosen upstream
	// instead of every promiscuous peer.
	SharedUplink bool `toml:"shared-uplink"`
}

// DefaultConf returns the defaults applied to an empty configuration.
func DefaultConf() Conf {
	return Conf{
		PacketIDCacheSize: 1024,
		MultipathRatio:    2,
		ReportPingDiff:    5000,
		RouteMaxDist:      64,
		BroadcastTTL:      128,
	}
}

// Normalize clamps the fields whose raw values would misbehave. Defaults
// for the remaining fields come from DefaultConf, which configuration
// loading decodes over; an explicit zero, e.g. route-max-dist = 0, stays
// meaningful that way.
func (conf *Conf) Normalize() {
	if conf.PacketIDCacheSize <= 0 {
		conf.PacketIDCacheSize = 1024
	}
	if conf.MultipathRatio < 2 {
		conf.MultipathRatio = 2
	}
}
