// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"
)

// DialFunc connects to a discovered peer; scheme, port and node name come
// from its announcement, the host from the sender of the multicast packet.
type DialFunc func(scheme, address, node string)

// Manager multicasts this node's Announcements and dials every foreign
// node it hears. Discovery is fire-and-forget: a peer heard twice is
// handed to dial twice, deduplication is the dialer's business.
type Manager struct {
	node    string
	dial    DialFunc
	payload []byte

	stops []chan struct{}
}

// NewManager starts announcing on the enabled IP versions.
func NewManager(
	node string, dial DialFunc,
	announcements []Announcement, announcementInterval time.Duration,
	ipv4, ipv6 bool) (*Manager, error) {

	payload, err := MarshalAnnouncements(announcements)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		node:    node,
		dial:    dial,
		payload: payload,
	}

	if ipv4 {
		manager.listen(peerdiscovery.IPv4, address4, announcementInterval)
	}
	if ipv6 {
		manager.listen(peerdiscovery.IPv6, address6, announcementInterval)
	}

	log.WithFields(log.Fields{
		"node":          node,
		"interval":      announcementInterval,
		"IPv4":          ipv4,
		"IPv6":          ipv6,
		"announcements": len(announcements),
	}).Info("Peer discovery started")

	return manager, nil
}

// listen spawns one discovery loop for an IP version. Errors surface in
// the log; a broken multicast group on one version must not take the
// other one down.
func (manager *Manager) listen(version peerdiscovery.IPVersion, multicastAddress string, delay time.Duration) {
	stop := make(chan struct{})
	manager.stops = append(manager.stops, stop)

	go func() {
		_, err := peerdiscovery.Discover(peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", port),
			MulticastAddress: multicastAddress,
			Payload:          manager.payload,
			Delay:            delay,
			TimeLimit:        -1,
			StopChan:         stop,
			AllowSelf:        true,
			IPVersion:        version,
			Notify: func(discovered peerdiscovery.Discovered) {
				manager.heard(version, discovered)
			},
		})
		if err != nil {
			log.WithFields(log.Fields{
				"multicast": multicastAddress,
				"error":     err,
			}).Error("Peer discovery loop failed")
		}
	}()
}

// heard processes one received multicast packet and dials every announced
// listener of a foreign node.
func (manager *Manager) heard(version peerdiscovery.IPVersion, discovered peerdiscovery.Discovered) {
	announcements, err := UnmarshalAnnouncements(discovered.Payload)
	if err != nil {
		log.WithFields(log.Fields{
			"peer":  discovered.Address,
			"error": err,
		}).Debug("Peer discovery dropped an unparsable packet")

		return
	}

	host := discovered.Address
	if version == peerdiscovery.IPv6 {
		host = "[" + host + "]"
	}

	for _, announcement := range announcements {
		if announcement.Node == manager.node {
			continue
		}

		address := fmt.Sprintf("%s:%d", host, announcement.Port)

		log.WithFields(log.Fields{
			"node":    announcement.Node,
			"scheme":  announcement.Scheme,
			"address": address,
		}).Debug("Peer discovery heard a neighbour")

		manager.dial(announcement.Scheme, address, announcement.Node)
	}
}

// Close stops all discovery loops.
func (manager *Manager) Close() {
	for _, stop := range manager.stops {
		close(stop)
	}
}
