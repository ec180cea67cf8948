// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package gate

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/cloudvpn/cloudvpn-go/pkg/mesh"
)

func TestUDPGateRoundTrip(t *testing.T) {
	frames := make(chan Frame, 1)
	deliver := func(f Frame, from int) {
		if from != mesh.GateHop(0) {
			t.Errorf("Frame source is %d, expected %d", from, mesh.GateHop(0))
		}
		frames <- f
	}

	g, err := NewUDPGate(0, "127.0.0.1:0", 1, false,
		[]mesh.Address{mesh.NewAddress(1, []byte{0x01})}, deliver)
	if err != nil {
		t.Fatalf("Binding the gate failed: %v", err)
	}
	defer func() { _ = g.Close() }()

	if g.Ready() {
		t.Fatal("Gate claims readiness before an application attached")
	}

	app, err := net.Dial("udp", g.Addr())
	if err != nil {
		t.Fatalf("Dialing the gate failed: %v", err)
	}
	defer func() { _ = app.Close() }()

	// Application to overlay.
	sent := Frame{Instance: 1, Dof: 0, Ds: 1, Sof: 1, Ss: 1, Buf: []byte{0x02, 0x01, 0xaa}}
	if _, err := app.Write(encodeGateDatagram(sent)); err != nil {
		t.Fatalf("Sending the datagram failed: %v", err)
	}

	select {
	case received := <-frames:
		if !bytes.Equal(received.Buf, sent.Buf) || received.Ds != sent.Ds {
			t.Fatalf("Delivered frame differs: %v became %v", sent, received)
		}
	case <-time.After(time.Second):
		t.Fatal("Gate never delivered the datagram")
	}

	if !g.Ready() {
		t.Fatal("Gate is not ready although an application attached")
	}

	// Overlay to application.
	g.SendFrame(sent)

	buf := make([]byte, 2048)
	_ = app.SetReadDeadline(time.Now().Add(time.Second))
	n, err := app.Read(buf)
	if err != nil {
		t.Fatalf("Reading from the gate failed: %v", err)
	}

	out, ok := decodeGateDatagram(buf[:n])
	if !ok {
		t.Fatal("Gate emitted a malformed datagram")
	}
	if !bytes.Equal(out.Buf, sent.Buf) {
		t.Fatalf("Outbound frame differs: %v became %v", sent, out)
	}
}

func TestUDPGateDropsCorrupted(t *testing.T) {
	frames := make(chan Frame, 1)
	g, err := NewUDPGate(0, "127.0.0.1:0", 1, false, nil,
		func(f Frame, _ int) { frames <- f })
	if err != nil {
		t.Fatalf("Binding the gate failed: %v", err)
	}
	defer func() { _ = g.Close() }()

	app, err := net.Dial("udp", g.Addr())
	if err != nil {
		t.Fatalf("Dialing the gate failed: %v", err)
	}
	defer func() { _ = app.Close() }()

	data := encodeGateDatagram(Frame{Instance: 1, Ds: 1, Buf: []byte{0x01}})
	data[0] ^= 0xff
	if _, err := app.Write(data); err != nil {
		t.Fatalf("Sending the datagram failed: %v", err)
	}

	select {
	case <-frames:
		t.Fatal("Corrupted datagram was delivered")
	case <-time.After(100 * time.Millisecond):
	}
}
