// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package node assembles the pieces of a running overlay node: the
// connection registry, the gate manager, the route table with its
// forwarder, the periodic tick, the worker pool, peer discovery and the
// status server.
package node

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/cloudvpn/cloudvpn-go/pkg/conn"
	"github.com/cloudvpn/cloudvpn-go/pkg/discovery"
	"github.com/cloudvpn/cloudvpn-go/pkg/gate"
	"github.com/cloudvpn/cloudvpn-go/pkg/mesh"
	"github.com/cloudvpn/cloudvpn-go/pkg/routing"
	"github.com/cloudvpn/cloudvpn-go/pkg/status"
	"github.com/cloudvpn/cloudvpn-go/pkg/wire"
	"github.com/cloudvpn/cloudvpn-go/pkg/work"
)

// ListenerConfig describes one endpoint accepting inbound peers.
type ListenerConfig struct {
	Scheme   string
	Endpoint string
}

// PeerConfig describes one peer this node keeps dialing. Node, if set,
// pins the peer's authenticated identity.
type PeerConfig struct {
	Scheme   string
	Endpoint string
	Node     string
}

// GateConfig describes one local endpoint adapter.
type GateConfig struct {
	Type     string // "udp" or "channel"
	Endpoint string
	Instance uint32
	Promisc  bool
	Local    []string // hex encoded addresses
}

// DiscoveryConfig enables LAN peer discovery.
type DiscoveryConfig struct {
	IPv4     bool
	IPv6     bool
	Interval time.Duration
}

// Config assembles a Node.
type Config struct {
	Node string

	CertFile string
	KeyFile  string

	Routing routing.Conf
	Limits  conn.Limits

	// Workers sizes the frame dispatch pool; one worker keeps dispatch
	// strictly serialized.
	Workers int

	StatusListen string

	Discovery DiscoveryConfig
	Listeners []ListenerConfig
	Peers     []PeerConfig
	Gates     []GateConfig
}

// Node is a running overlay node.
type Node struct {
	name string

	registry *conn.Registry
	gates    *gate.Manager
	table    *routing.Table
	pool     *work.Pool
	status   *status.Server
	disco    *discovery.Manager

	tickStop chan struct{}
	tickDone chan struct{}

	dialedMutex sync.Mutex
	dialed      map[string]struct{}
}

// New builds and starts a Node.
func New(cfg Config) (*Node, error) {
	if cfg.Node == "" {
		return nil, fmt.Errorf("node name must not be empty")
	}

	if cfg.Limits == (conn.Limits{}) {
		cfg.Limits = conn.DefaultLimits()
	} else if cfg.Limits.Tick <= 0 {
		cfg.Limits.Tick = time.Second
	}

	n := &Node{
		name:   cfg.Node,
		gates:  gate.NewManager(),
		pool:   work.NewPool(cfg.Workers),
		dialed: make(map[string]struct{}),
	}

	hooks := conn.Hooks{
		Dirty: func() { n.table.SetDirty() },
		Reported: func() []wire.RouteEntry {
			return n.table.Reported()
		},
		HandleFrame: func(pkt *wire.PacketMessage, from int) {
			n.pool.Submit(work.Common, func() {
				n.table.RoutePacket(pkt, from)
			})
		},
		StateChange: func(id int, from, to conn.State) {
			if n.status != nil {
				n.status.Publish("connection", fmt.Sprintf("connection %d: %v -> %v", id, from, to))
			}
		},
	}
	n.registry = conn.NewRegistry(cfg.Limits, hooks)

	n.table = routing.NewTable(cfg.Routing, func() []routing.Peer {
		conns := n.registry.Connections()
		peers := make([]routing.Peer, len(conns))
		for i, c := range conns {
			peers[i] = c
		}
		return peers
	}, n.gates)

	tlsConfig, err := conn.IdentityConfig(cfg.Node, cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	n.registry.AddTransport(conn.NewTLSTransport(tlsConfig))
	n.registry.AddTransport(conn.NewQUICTransport(tlsConfig))

	for _, gateCfg := range cfg.Gates {
		if err := n.addGate(gateCfg); err != nil {
			n.shutdown()
			return nil, err
		}
	}

	var announcements []discovery.Announcement
	for _, listener := range cfg.Listeners {
		if err := n.registry.Listen(listener.Scheme, listener.Endpoint); err != nil {
			n.shutdown()
			return nil, err
		}

		if port, err := listenerPort(listener.Endpoint); err == nil {
			announcements = append(announcements, discovery.Announcement{
				Node:   cfg.Node,
				Scheme: listener.Scheme,
				Port:   port,
			})
		}
	}

	for _, peer := range cfg.Peers {
		n.DialPeer(peer.Scheme, peer.Endpoint, peer.Node)
	}

	if cfg.StatusListen != "" {
		n.status = status.NewServer(cfg.StatusListen, cfg.Node, n.registry, n.table)
	}

	if cfg.Discovery.IPv4 || cfg.Discovery.IPv6 {
		interval := cfg.Discovery.Interval
		if interval == 0 {
			interval = 10 * time.Second
		}

		n.disco, err = discovery.NewManager(cfg.Node, n.DialPeer,
			announcements, interval, cfg.Discovery.IPv4, cfg.Discovery.IPv6)
		if err != nil {
			n.shutdown()
			return nil, err
		}
	}

	n.startTicker(cfg.Limits.Tick)

	log.WithField("node", cfg.Node).Info("Node is up")

	return n, nil
}

// startTicker drives the periodic work: connection maintenance (limiter
// refill, keepalives, retry backoff, stats windows) and the route-dirty
// flush. Both run through the worker pool, so with a single worker they
// serialize with frame dispatch. Maintenance outranks queued frames
// received from peers, the flush does not; frames originated at gates share
// the maintenance's class and run in submission order with it.
func (n *Node) startTicker(tick time.Duration) {
	n.tickStop = make(chan struct{})
	n.tickDone = make(chan struct{})

	go func() {
		defer close(n.tickDone)

		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		for {
			select {
			case <-n.tickStop:
				return

			case <-ticker.C:
				n.pool.Submit(work.Critical, n.registry.PeriodicUpdate)
				n.pool.Submit(work.Common, n.table.Update)
			}
		}
	}()
}

// DialPeer connects to a peer unless its address was dialed before. Used
// for configured peers and by discovery.
func (n *Node) DialPeer(scheme, endpoint, peerNode string) {
	n.dialedMutex.Lock()
	if _, ok := n.dialed[endpoint]; ok {
		n.dialedMutex.Unlock()
		return
	}
	n.dialed[endpoint] = struct{}{}
	n.dialedMutex.Unlock()

	if _, err := n.registry.Dial(scheme, endpoint, peerNode); err != nil {
		log.WithFields(log.Fields{
			"scheme":   scheme,
			"endpoint": endpoint,
			"error":    err,
		}).Warn("Dialing peer failed")
	}
}

func (n *Node) addGate(cfg GateConfig) error {
	local := make([]mesh.Address, 0, len(cfg.Local))
	for _, s := range cfg.Local {
		addr, err := mesh.ParseAddress(cfg.Instance, s)
		if err != nil {
			return err
		}
		local = append(local, addr)
	}

	deliver := func(f gate.Frame, from int) {
		pkt := &wire.PacketMessage{
			ID:       n.table.NewPacketID(),
			TTL:      n.table.BroadcastTTL(),
			Instance: f.Instance,
			Dof:      f.Dof, Ds: f.Ds,
			Sof: f.Sof, Ss: f.Ss,
			Buf: f.Buf,
		}
		n.pool.Submit(work.Critical, func() {
			n.table.RoutePacket(pkt, from)
		})
	}

	id := n.gates.NextID()

	switch cfg.Type {
	case "udp":
		g, err := gate.NewUDPGate(id, cfg.Endpoint, cfg.Instance, cfg.Promisc, local, deliver)
		if err != nil {
			return err
		}
		n.gates.Register(g)

	case "channel", "":
		n.gates.Register(gate.NewChannelGate(id, cfg.Instance, cfg.Promisc, local, deliver))

	default:
		return fmt.Errorf("unknown gate type %q", cfg.Type)
	}

	n.table.SetDirty()
	return nil
}

// Registry exposes the connection registry, e.g. for tests.
func (n *Node) Registry() *conn.Registry {
	return n.registry
}

// Table exposes the route table.
func (n *Node) Table() *routing.Table {
	return n.table
}

// Gates exposes the gate manager.
func (n *Node) Gates() *gate.Manager {
	return n.gates
}

func (n *Node) shutdown() {
	if n.disco != nil {
		n.disco.Close()
	}
	if n.status != nil {
		_ = n.status.Close()
	}
	_ = n.registry.Close()
	_ = n.gates.Close()
	n.pool.Close()
}

// Close stops the Node and all its components.
func (n *Node) Close() error {
	var errs *multierror.Error

	if n.tickStop != nil {
		close(n.tickStop)
		<-n.tickDone
	}
	if n.disco != nil {
		n.disco.Close()
	}
	if n.status != nil {
		errs = multierror.Append(errs, n.status.Close())
	}
	errs = multierror.Append(errs, n.registry.Close())
	errs = multierror.Append(errs, n.gates.Close())
	n.pool.Close()

	log.WithField("node", n.name).Info("Node is down")

	return errs.ErrorOrNil()
}

// listenerPort extracts the port of a listen endpoint for announcements.
func listenerPort(endpoint string) (uint, error) {
	idx := strings.LastIndex(endpoint, ":")
	if idx < 0 {
		return 0, fmt.Errorf("endpoint %q carries no port", endpoint)
	}

	port, err := strconv.ParseUint(endpoint[idx+1:], 10, 16)
	if err != nil {
		return 0, err
	}
	return uint(port), nil
}
