// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// packetFieldsLen is the fixed part of a packet payload before the frame
// buffer.
const packetFieldsLen = 20

// PacketMessage carries one user frame. Dof/Ds and Sof/Ss describe the
// destination and source address as offset and length into Buf; both must
// stay within the buffer or the frame is rejected.
type PacketMessage struct {
	ID       uint32
	TTL      uint16
	Instance uint32
	Dof      uint16
	Ds       uint16
	Sof      uint16
	Ss       uint16
	Buf      []byte
}

func (msg *PacketMessage) TypeCode() uint8 {
	return MsgPacket
}

func (msg *PacketMessage) Special() uint8 {
	return 0
}

// Valid checks the address field bounds against the buffer length.
func (msg *PacketMessage) Valid() bool {
	s := len(msg.Buf)
	return int(msg.Dof)+int(msg.Ds) <= s && int(msg.Sof)+int(msg.Ss) <= s
}

func (msg *PacketMessage) MarshalPayload(w io.Writer) error {
	if !msg.Valid() {
		return fmt.Errorf("packet address fields exceed the %d byte buffer", len(msg.Buf))
	}

	var fields [packetFieldsLen]byte
	binary.BigEndian.PutUint32(fields[0:4], msg.ID)
	binary.BigEndian.PutUint16(fields[4:6], msg.TTL)
	binary.BigEndian.PutUint32(fields[6:10], msg.Instance)
	binary.BigEndian.PutUint16(fields[10:12], msg.Dof)
	binary.BigEndian.PutUint16(fields[12:14], msg.Ds)
	binary.BigEndian.PutUint16(fields[14:16], msg.Sof)
	binary.BigEndian.PutUint16(fields[16:18], msg.Ss)
	binary.BigEndian.PutUint16(fields[18:20], uint16(len(msg.Buf)))

	if _, err := w.Write(fields[:]); err != nil {
		return err
	}
	_, err := w.Write(msg.Buf)
	return err
}

func (msg *PacketMessage) UnmarshalPayload(_ uint8, payload []byte) error {
	if len(payload) < packetFieldsLen {
		return fmt.Errorf("packet payload of %d bytes is shorter than its %d byte fields",
			len(payload), packetFieldsLen)
	}

	msg.ID = binary.BigEndian.Uint32(payload[0:4])
	msg.TTL = binary.BigEndian.Uint16(payload[4:6])
	msg.Instance = binary.BigEndian.Uint32(payload[6:10])
	msg.Dof = binary.BigEndian.Uint16(payload[10:12])
	msg.Ds = binary.BigEndian.Uint16(payload[12:14])
	msg.Sof = binary.BigEndian.Uint16(payload[14:16])
	msg.Ss = binary.BigEndian.Uint16(payload[16:18])

	s := binary.BigEndian.Uint16(payload[18:20])
	if int(s) != len(payload)-packetFieldsLen {
		return fmt.Errorf("packet buffer length %d does not match the %d remaining payload bytes",
			s, len(payload)-packetFieldsLen)
	}
	msg.Buf = payload[packetFieldsLen:]

	if !msg.Valid() {
		return fmt.Errorf("packet address fields exceed the %d byte buffer", s)
	}
	return nil
}

func (msg *PacketMessage) String() string {
	return fmt.Sprintf("Packet(id=%08x,ttl=%d,instance=%d,len=%d)",
		msg.ID, msg.TTL, msg.Instance, len(msg.Buf))
}
