// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package conn

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Registry keeps the process-wide connection map, the transports and the
// listeners, and drives every connection's periodic maintenance from one
// tick. Connection ids are stable across reconnects and never reused.
type Registry struct {
	mutex  sync.Mutex
	conns  map[int]*Connection
	nextID int

	transports map[string]Transport
	listeners  []Listener

	limits Limits
	hooks  Hooks
}

// NewRegistry creates a Registry with the given limits and routing hooks.
func NewRegistry(limits Limits, hooks Hooks) *Registry {
	return &Registry{
		conns:      make(map[int]*Connection),
		transports: make(map[string]Transport),
		limits:     limits,
		hooks:      hooks,
	}
}

// AddTransport registers a Transport under its scheme.
func (r *Registry) AddTransport(t Transport) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.transports[t.Scheme()] = t
}

func (r *Registry) transport(scheme string) (Transport, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	t, ok := r.transports[scheme]
	if !ok {
		return nil, fmt.Errorf("no transport registered for scheme %q", scheme)
	}
	return t, nil
}

// Dial creates an outbound connection to address that keeps redialing
// after failures. An expectedPeer other than the empty string pins the
// peer's authenticated identity.
func (r *Registry) Dial(scheme, address, expectedPeer string) (*Connection, error) {
	t, err := r.transport(scheme)
	if err != nil {
		return nil, err
	}

	r.mutex.Lock()
	id := r.nextID
	r.nextID++
	c := newConnection(id, t, address, expectedPeer, &r.limits, &r.hooks)
	r.conns[id] = c
	r.mutex.Unlock()

	log.WithFields(log.Fields{
		"connection": id,
		"scheme":     scheme,
		"address":    address,
	}).Info("Dialing peer")

	c.startConnect()
	return c, nil
}

// Listen accepts inbound connections on address using the scheme's
// transport.
func (r *Registry) Listen(scheme, address string) error {
	t, err := r.transport(scheme)
	if err != nil {
		return err
	}

	listener, err := t.Listen(address)
	if err != nil {
		return err
	}

	r.mutex.Lock()
	r.listeners = append(r.listeners, listener)
	r.mutex.Unlock()

	log.WithFields(log.Fields{
		"scheme":  scheme,
		"address": listener.Addr(),
	}).Info("Listening for peers")

	go r.acceptLoop(listener)
	return nil
}

func (r *Registry) acceptLoop(listener Listener) {
	for {
		stream, err := listener.Accept()
		if err != nil {
			log.WithFields(log.Fields{
				"address": listener.Addr(),
				"error":   err,
			}).Debug("Listener stopped accepting")
			return
		}

		r.mutex.Lock()
		id := r.nextID
		r.nextID++
		c := newConnection(id, nil, "", "", &r.limits, &r.hooks)
		r.conns[id] = c
		r.mutex.Unlock()

		log.WithFields(log.Fields{
			"connection": id,
			"peer":       stream.RemoteDescription(),
		}).Info("Accepted peer")

		c.accept(stream)
	}
}

// ListenerAddrs lists the bound addresses of all listeners, useful when
// listening on an ephemeral port.
func (r *Registry) ListenerAddrs() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	addrs := make([]string, 0, len(r.listeners))
	for _, listener := range r.listeners {
		addrs = append(addrs, listener.Addr())
	}
	return addrs
}

// Connection looks up a connection by id.
func (r *Registry) Connection(id int) (*Connection, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	c, ok := r.conns[id]
	return c, ok
}

// Connections snapshots all connections ordered by id.
func (r *Registry) Connections() []*Connection {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].id < conns[j].id })
	return conns
}

// PeriodicUpdate runs one maintenance tick: limiter recomputation, retry
// backoff, keepalives, stats windows, and the reaping of dead inbound
// connections.
func (r *Registry) PeriodicUpdate() {
	now := time.Now()
	conns := r.Connections()

	r.recomputeLimiters(conns)

	for _, c := range conns {
		c.periodicUpdate(now)
	}

	r.mutex.Lock()
	for id, c := range r.conns {
		if c.State() == Inactive && c.address == "" {
			delete(r.conns, id)
		}
	}
	r.mutex.Unlock()
}

// recomputeLimiters splits the per-tick fleet budgets across the active
// connections and refills every balance.
func (r *Registry) recomputeLimiters(conns []*Connection) {
	if !r.limits.uploadEnabled() && !r.limits.downloadEnabled() {
		return
	}

	active := 0
	for _, c := range conns {
		if c.IsActive() {
			active++
		}
	}
	if active == 0 {
		return
	}

	uploadInc := fairShare(r.limits.UploadTotal, r.limits.UploadConn, active)
	downloadInc := fairShare(r.limits.DownloadTotal, r.limits.DownloadConn, active)

	for _, c := range conns {
		c.refillLimiters(uploadInc, downloadInc)
	}
}

// fairShare is the per-connection per-tick refill: the per-connection cap
// bounded by this connection's share of the fleet budget. A zero value
// leaves the respective bound out.
func fairShare(total, perConn, active int) int {
	switch {
	case total <= 0:
		return perConn
	case perConn <= 0:
		return total / active
	default:
		share := total / active
		if perConn < share {
			return perConn
		}
		return share
	}
}

// AggregateStats sums the traffic totals over all connections.
func (r *Registry) AggregateStats() (stats Stats) {
	for _, c := range r.Connections() {
		s := c.StatsSnapshot()
		stats.InPacketsTotal += s.InPacketsTotal
		stats.InBytesTotal += s.InBytesTotal
		stats.OutPacketsTotal += s.OutPacketsTotal
		stats.OutBytesTotal += s.OutBytesTotal
		stats.DroppedData += s.DroppedData
		stats.DroppedProto += s.DroppedProto
	}
	return
}

// Close shuts down all listeners and connections.
func (r *Registry) Close() error {
	r.mutex.Lock()
	listeners := r.listeners
	r.listeners = nil
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[int]*Connection)
	r.mutex.Unlock()

	var errs *multierror.Error
	for _, listener := range listeners {
		errs = multierror.Append(errs, listener.Close())
	}
	for _, c := range conns {
		errs = multierror.Append(errs, c.Close())
	}

	return errs.ErrorOrNil()
}
