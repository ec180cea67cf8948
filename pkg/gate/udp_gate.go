// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package gate

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/howeyc/crc16"
	log "github.com/sirupsen/logrus"

	"github.com/cloudvpn/cloudvpn-go/pkg/mesh"
)

var crc16table = crc16.MakeTable(crc16.CCITT)

// udpGateFieldsLen is the fixed part of a gate datagram before the frame
// buffer and the trailing checksum.
const udpGateFieldsLen = 14

// UDPGate relays frames as UDP datagrams to and from a local application.
// Each datagram carries the frame fields, the buffer and a trailing CCITT
// CRC-16 over everything before it; datagrams failing the check are
// dropped. Frames flowing outwards go to the address of the most recently
// heard application, so the application only needs to send once to attach.
type UDPGate struct {
	id       int
	instance uint32
	promisc  bool
	local    []mesh.Address

	conn    *net.UDPConn
	deliver Deliver

	mutex sync.Mutex
	app   *net.UDPAddr

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewUDPGate binds a UDPGate to a local endpoint and starts its read loop.
func NewUDPGate(id int, endpoint string, instance uint32, promisc bool, local []mesh.Address, deliver Deliver) (*UDPGate, error) {
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("resolving %q failed: %w", endpoint, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding %q failed: %w", endpoint, err)
	}

	g := &UDPGate{
		id:       id,
		instance: instance,
		promisc:  promisc,
		local:    local,
		conn:     conn,
		deliver:  deliver,
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}

	go g.handler()

	return g, nil
}

func (g *UDPGate) handler() {
	defer close(g.stopAck)

	buf := make([]byte, 65536)
	for {
		n, appAddr, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-g.stopSyn:
				return
			default:
			}

			log.WithFields(log.Fields{
				"gate":  g.id,
				"error": err,
			}).Warn("UDP gate read errored")
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		f, ok := decodeGateDatagram(data)
		if !ok {
			log.WithField("gate", g.id).Debug("UDP gate dropped a malformed datagram")
			continue
		}

		g.mutex.Lock()
		g.app = appAddr
		g.mutex.Unlock()

		g.deliver(f, mesh.GateHop(g.id))
	}
}

func (g *UDPGate) ID() int {
	return g.id
}

// Addr returns the bound local endpoint.
func (g *UDPGate) Addr() string {
	return g.conn.LocalAddr().String()
}

func (g *UDPGate) Ready() bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return g.app != nil
}

func (g *UDPGate) Local() []mesh.Address {
	local := make([]mesh.Address, len(g.local))
	copy(local, g.local)
	return local
}

func (g *UDPGate) Listens(wildcard mesh.Address) bool {
	return g.promisc && wildcard.Instance == g.instance
}

func (g *UDPGate) SendFrame(f Frame) {
	g.mutex.Lock()
	app := g.app
	g.mutex.Unlock()

	if app == nil {
		return
	}

	if _, err := g.conn.WriteToUDP(encodeGateDatagram(f), app); err != nil {
		log.WithFields(log.Fields{
			"gate":  g.id,
			"error": err,
		}).Debug("UDP gate write errored")
	}
}

func (g *UDPGate) Close() error {
	close(g.stopSyn)
	err := g.conn.Close()
	<-g.stopAck

	return err
}

func encodeGateDatagram(f Frame) []byte {
	data := make([]byte, udpGateFieldsLen+len(f.Buf)+2)

	binary.BigEndian.PutUint32(data[0:4], f.Instance)
	binary.BigEndian.PutUint16(data[4:6], f.Dof)
	binary.BigEndian.PutUint16(data[6:8], f.Ds)
	binary.BigEndian.PutUint16(data[8:10], f.Sof)
	binary.BigEndian.PutUint16(data[10:12], f.Ss)
	binary.BigEndian.PutUint16(data[12:14], uint16(len(f.Buf)))
	copy(data[udpGateFieldsLen:], f.Buf)

	sum := crc16.Checksum(data[:len(data)-2], crc16table)
	binary.BigEndian.PutUint16(data[len(data)-2:], sum)

	return data
}

func decodeGateDatagram(data []byte) (f Frame, ok bool) {
	if len(data) < udpGateFieldsLen+2 {
		return
	}

	sum := binary.BigEndian.Uint16(data[len(data)-2:])
	if crc16.Checksum(data[:len(data)-2], crc16table) != sum {
		return
	}

	f.Instance = binary.BigEndian.Uint32(data[0:4])
	f.Dof = binary.BigEndian.Uint16(data[4:6])
	f.Ds = binary.BigEndian.Uint16(data[6:8])
	f.Sof = binary.BigEndian.Uint16(data[8:10])
	f.Ss = binary.BigEndian.Uint16(data[10:12])

	s := int(binary.BigEndian.Uint16(data[12:14]))
	if s != len(data)-udpGateFieldsLen-2 {
		return
	}
	f.Buf = data[udpGateFieldsLen : udpGateFieldsLen+s]

	if int(f.Dof)+int(f.Ds) > s || int(f.Sof)+int(f.Ss) > s {
		return
	}

	return f, true
}
