// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package gate

import (
	"sync"

	"github.com/cloudvpn/cloudvpn-go/pkg/mesh"
)

// ChannelGate is an in-process gate. Frames sent towards it appear on Out;
// Inject originates frames as if an application behind the gate sent them.
// It backs in-process applications and most of the forwarding tests.
type ChannelGate struct {
	id       int
	instance uint32
	promisc  bool

	mutex sync.Mutex
	local []mesh.Address
	ready bool

	deliver Deliver

	// Out receives frames routed to this gate. The channel is buffered;
	// frames overflowing the buffer are dropped, matching the best-effort
	// data plane.
	Out chan Frame
}

// NewChannelGate creates a ready ChannelGate with the given local
// addresses. All addresses must belong to the same instance.
func NewChannelGate(id int, instance uint32, promisc bool, local []mesh.Address, deliver Deliver) *ChannelGate {
	return &ChannelGate{
		id:       id,
		instance: instance,
		promisc:  promisc,
		local:    local,
		ready:    true,
		deliver:  deliver,
		Out:      make(chan Frame, 64),
	}
}

func (g *ChannelGate) ID() int {
	return g.id
}

func (g *ChannelGate) Ready() bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return g.ready
}

// SetReady flips the gate's readiness, simulating a closed local fd.
func (g *ChannelGate) SetReady(ready bool) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.ready = ready
}

func (g *ChannelGate) Local() []mesh.Address {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	local := make([]mesh.Address, len(g.local))
	copy(local, g.local)
	return local
}

func (g *ChannelGate) Listens(wildcard mesh.Address) bool {
	return g.promisc && wildcard.Instance == g.instance
}

func (g *ChannelGate) SendFrame(f Frame) {
	select {
	case g.Out <- f:
	default:
	}
}

// Inject hands a locally originated frame to the forwarder.
func (g *ChannelGate) Inject(f Frame) {
	if g.deliver == nil {
		return
	}
	g.deliver(f, mesh.GateHop(g.id))
}

func (g *ChannelGate) Close() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.ready = false
	return nil
}
