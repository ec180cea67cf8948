// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package conn

import (
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudvpn/cloudvpn-go/pkg/mesh"
	"github.com/cloudvpn/cloudvpn-go/pkg/wire"
)

// memTransport connects dialers to a single listener through net.Pipe,
// standing in for an authenticated network.
type memTransport struct {
	accept chan Stream
}

func newMemTransport() *memTransport {
	return &memTransport{accept: make(chan Stream, 4)}
}

func (m *memTransport) Scheme() string {
	return "mem"
}

func (m *memTransport) Connect(address string, connected func()) (Stream, error) {
	if connected != nil {
		connected()
	}

	client, server := net.Pipe()
	select {
	case m.accept <- pipeStream{Conn: server, name: "dialer"}:
	default:
		_ = client.Close()
		return nil, fmt.Errorf("nobody listening on %q", address)
	}

	return pipeStream{Conn: client, name: "listener"}, nil
}

func (m *memTransport) Listen(string) (Listener, error) {
	return &memListener{accept: m.accept}, nil
}

type memListener struct {
	accept chan Stream
}

func (l *memListener) Accept() (Stream, error) {
	stream, ok := <-l.accept
	if !ok {
		return nil, fmt.Errorf("listener closed")
	}
	return stream, nil
}

func (l *memListener) Close() error {
	close(l.accept)
	return nil
}

func (l *memListener) Addr() string {
	return "mem"
}

func TestRegistryHandshakeExchangesRoutes(t *testing.T) {
	transport := newMemTransport()

	gateway := mesh.NewAddress(1, []byte{0x01})

	var dirtyA, dirtyB int32

	// Node A advertises one route and listens.
	hooksA := Hooks{
		Dirty: func() { atomic.AddInt32(&dirtyA, 1) },
		Reported: func() []wire.RouteEntry {
			return []wire.RouteEntry{{Ping: 1, Dist: 0, Addr: gateway}}
		},
		HandleFrame: func(*wire.PacketMessage, int) {},
	}
	registryA := NewRegistry(testLimits(), hooksA)
	registryA.AddTransport(transport)
	if err := registryA.Listen("mem", ""); err != nil {
		t.Fatalf("Listening failed: %v", err)
	}
	defer func() { _ = registryA.Close() }()

	// Node B dials and learns A's route via its route request.
	registryB := NewRegistry(testLimits(), *testHooks(&dirtyB))
	registryB.AddTransport(transport)
	defer func() { _ = registryB.Close() }()

	c, err := registryB.Dial("mem", "a", "")
	if err != nil {
		t.Fatalf("Dialing failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if routes := c.RemoteRoutes(); len(routes) == 1 {
			if remote, ok := routes[gateway]; !ok || remote.Ping != 1 || remote.Dist != 0 {
				t.Fatalf("Learned route differs: %v", routes)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Dialer never learned the advertised route; state is %v", c.State())
}

func TestRegistryUnknownScheme(t *testing.T) {
	registry := NewRegistry(testLimits(), *testHooks(new(int32)))

	if _, err := registry.Dial("nope", "x", ""); err == nil {
		t.Fatal("Dial with an unknown scheme succeeded")
	}
	if err := registry.Listen("nope", "x"); err == nil {
		t.Fatal("Listen with an unknown scheme succeeded")
	}
}

func TestRegistryReapsDeadInboundConnections(t *testing.T) {
	transport := newMemTransport()

	registry := NewRegistry(testLimits(), *testHooks(new(int32)))
	registry.AddTransport(transport)
	if err := registry.Listen("mem", ""); err != nil {
		t.Fatalf("Listening failed: %v", err)
	}
	defer func() { _ = registry.Close() }()

	client, server := net.Pipe()
	transport.accept <- pipeStream{Conn: server, name: "transient"}

	deadline := time.Now().Add(time.Second)
	for len(registry.Connections()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(registry.Connections()) != 1 {
		t.Fatal("Inbound connection never appeared")
	}

	_ = client.Close()

	for time.Now().Before(deadline) {
		registry.PeriodicUpdate()
		if len(registry.Connections()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Dead inbound connection was not reaped")
}

func TestRegistryTLSLoopback(t *testing.T) {
	configA, err := IdentityConfig("alpha", "", "")
	if err != nil {
		t.Fatalf("Identity generation failed: %v", err)
	}
	configB, err := IdentityConfig("beta", "", "")
	if err != nil {
		t.Fatalf("Identity generation failed: %v", err)
	}

	registryA := NewRegistry(testLimits(), *testHooks(new(int32)))
	registryA.AddTransport(NewTLSTransport(configA))
	if err := registryA.Listen("tls", "127.0.0.1:0"); err != nil {
		t.Fatalf("Listening failed: %v", err)
	}
	defer func() { _ = registryA.Close() }()

	registryA.mutex.Lock()
	address := registryA.listeners[0].Addr()
	registryA.mutex.Unlock()

	registryB := NewRegistry(testLimits(), *testHooks(new(int32)))
	registryB.AddTransport(NewTLSTransport(configB))
	defer func() { _ = registryB.Close() }()

	// Pinning the wrong identity must refuse the peer.
	wrong, err := registryB.Dial("tls", address, "gamma")
	if err != nil {
		t.Fatalf("Dialing failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for wrong.State() != RetryTimeout && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if state := wrong.State(); state != RetryTimeout {
		t.Fatalf("Misauthenticated dial ended in %v, expected retry-timeout", state)
	}

	// Pinning the correct identity activates.
	c, err := registryB.Dial("tls", address, "alpha")
	if err != nil {
		t.Fatalf("Dialing failed: %v", err)
	}

	for c.State() != Active && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if state := c.State(); state != Active {
		t.Fatalf("Authenticated dial ended in %v, expected active", state)
	}
	if name := c.PeerName(); name != "alpha" {
		t.Fatalf("Peer identity is %q, expected alpha", name)
	}
}
