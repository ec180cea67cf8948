// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package gate connects the overlay to local endpoints. A gate claims a set
// of local addresses, optionally registers promiscuous interest in an
// instance, and exchanges raw frames with whatever sits behind it. Gates
// live in the negative half of the forwarder's next-hop id space.
package gate

import (
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/cloudvpn/cloudvpn-go/pkg/mesh"
)

// Frame is one user frame as handed over a gate. Dof/Ds and Sof/Ss locate
// the destination and source address within Buf.
type Frame struct {
	Instance uint32
	Dof, Ds  uint16
	Sof, Ss  uint16
	Buf      []byte
}

// Destination extracts the frame's destination Address.
func (f Frame) Destination() mesh.Address {
	return mesh.NewAddress(f.Instance, f.Buf[f.Dof:f.Dof+f.Ds])
}

// Gate is a local endpoint adapter.
type Gate interface {
	// ID is this gate's non-negative id; mesh.GateHop maps it into the
	// forwarder's id space.
	ID() int

	// Ready reports whether the gate can currently accept frames.
	Ready() bool

	// Local lists the addresses attached behind this gate.
	Local() []mesh.Address

	// Listens checks promiscuous interest in a wildcard address.
	Listens(wildcard mesh.Address) bool

	// SendFrame delivers a frame towards the endpoint. Gates ignore TTLs.
	SendFrame(f Frame)

	Close() error
}

// Deliver is the callback a gate invokes for frames originated behind it.
// The from argument is the gate's id already encoded via mesh.GateHop.
type Deliver func(f Frame, from int)

// Manager keeps the process-wide gate registry.
type Manager struct {
	mutex  sync.Mutex
	gates  map[int]Gate
	nextID int
}

// NewManager creates an empty gate registry.
func NewManager() *Manager {
	return &Manager{gates: make(map[int]Gate)}
}

// NextID hands out the id for a gate about to be registered.
func (manager *Manager) NextID() int {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	id := manager.nextID
	manager.nextID++
	return id
}

// Register adds a gate under its id.
func (manager *Manager) Register(g Gate) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	manager.gates[g.ID()] = g
}

// Gate looks up a gate by id.
func (manager *Manager) Gate(id int) (Gate, bool) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	g, ok := manager.gates[id]
	return g, ok
}

// Gates snapshots all registered gates.
func (manager *Manager) Gates() []Gate {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	gates := make([]Gate, 0, len(manager.gates))
	for _, g := range manager.gates {
		gates = append(gates, g)
	}
	return gates
}

// Close closes all gates and aggregates their errors.
func (manager *Manager) Close() error {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	var errs *multierror.Error
	for _, g := range manager.gates {
		errs = multierror.Append(errs, g.Close())
	}
	manager.gates = make(map[int]Gate)

	return errs.ErrorOrNil()
}
