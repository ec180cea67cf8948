// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cloudvpn/cloudvpn-go/pkg/mesh"
)

// routeEntryFieldsLen is the fixed part of a route entry before its
// address octets.
const routeEntryFieldsLen = 14

// RouteEntry is one advertised route within a RouteSetMessage or a
// RouteDiffMessage. Ping zero withdraws the address.
type RouteEntry struct {
	Ping uint32
	Dist uint32
	Addr mesh.Address
}

// IsWithdrawal checks whether this entry withdraws its address.
func (entry RouteEntry) IsWithdrawal() bool {
	return entry.Ping == 0
}

func (entry RouteEntry) String() string {
	return fmt.Sprintf("RouteEntry(%v,ping=%d,dist=%d)", entry.Addr, entry.Ping, entry.Dist)
}

func marshalRouteEntries(entries []RouteEntry, w io.Writer) error {
	var fields [routeEntryFieldsLen]byte

	for _, entry := range entries {
		binary.BigEndian.PutUint32(fields[0:4], entry.Ping)
		binary.BigEndian.PutUint32(fields[4:8], entry.Dist)
		binary.BigEndian.PutUint32(fields[8:12], entry.Addr.Instance)
		binary.BigEndian.PutUint16(fields[12:14], uint16(len(entry.Addr.Data)))

		if _, err := w.Write(fields[:]); err != nil {
			return err
		}
		if _, err := w.Write(entry.Addr.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalRouteEntries(payload []byte) (entries []RouteEntry, err error) {
	for len(payload) > 0 {
		if len(payload) < routeEntryFieldsLen {
			return nil, fmt.Errorf("route entry truncated after %d bytes", len(payload))
		}

		entry := RouteEntry{
			Ping: binary.BigEndian.Uint32(payload[0:4]),
			Dist: binary.BigEndian.Uint32(payload[4:8]),
		}
		instance := binary.BigEndian.Uint32(payload[8:12])
		addrLen := int(binary.BigEndian.Uint16(payload[12:14]))

		payload = payload[routeEntryFieldsLen:]
		if len(payload) < addrLen {
			return nil, fmt.Errorf("route entry address needs %d bytes, %d remain", addrLen, len(payload))
		}

		entry.Addr = mesh.NewAddress(instance, payload[:addrLen])
		payload = payload[addrLen:]

		entries = append(entries, entry)
	}
	return
}

// RouteSetMessage replaces the complete set of routes the sending peer
// advertises.
type RouteSetMessage struct {
	Entries []RouteEntry
}

func (msg *RouteSetMessage) TypeCode() uint8 {
	return MsgRouteSet
}

func (msg *RouteSetMessage) Special() uint8 {
	return 0
}

func (msg *RouteSetMessage) MarshalPayload(w io.Writer) error {
	return marshalRouteEntries(msg.Entries, w)
}

func (msg *RouteSetMessage) UnmarshalPayload(_ uint8, payload []byte) (err error) {
	msg.Entries, err = unmarshalRouteEntries(payload)
	return
}

func (msg *RouteSetMessage) String() string {
	return fmt.Sprintf("RouteSet(%d entries)", len(msg.Entries))
}

// RouteDiffMessage patches the set of routes the sending peer advertises;
// entries with ping zero withdraw, all others upsert.
type RouteDiffMessage struct {
	Entries []RouteEntry
}

func (msg *RouteDiffMessage) TypeCode() uint8 {
	return MsgRouteDiff
}

func (msg *RouteDiffMessage) Special() uint8 {
	return 0
}

func (msg *RouteDiffMessage) MarshalPayload(w io.Writer) error {
	return marshalRouteEntries(msg.Entries, w)
}

func (msg *RouteDiffMessage) UnmarshalPayload(_ uint8, payload []byte) (err error) {
	msg.Entries, err = unmarshalRouteEntries(payload)
	return
}

func (msg *RouteDiffMessage) String() string {
	return fmt.Sprintf("RouteDiff(%d entries)", len(msg.Entries))
}
