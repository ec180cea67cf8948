// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package wire implements the message framing spoken between two connected
// nodes. Every message is preceded by a four byte header carrying the type
// code, a type-specific special byte and the big endian payload length.
// Reading is strictly two-phased, first the header and then the payload, so
// frames may arrive split across any number of reads.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"reflect"
)

// Message type codes.
const (
	MsgPacket uint8 = iota + 1
	MsgRouteSet
	MsgRouteDiff
	MsgPing
	MsgPong
	MsgRouteRequest
)

// HeaderLen is the length of the frame header preceding every payload.
const HeaderLen = 4

// Message is a frame on a connection's wire. The special byte rides in the
// header and carries the ping nonce; all other types leave it zero.
type Message interface {
	TypeCode() uint8
	Special() uint8
	MarshalPayload(w io.Writer) error
	UnmarshalPayload(special uint8, payload []byte) error
}

// messages maps the type codes to an example instance of their type.
var messages = map[uint8]Message{
	MsgPacket:       &PacketMessage{},
	MsgRouteSet:     &RouteSetMessage{},
	MsgRouteDiff:    &RouteDiffMessage{},
	MsgPing:         &PingMessage{},
	MsgPong:         &PongMessage{},
	MsgRouteRequest: &RouteRequestMessage{},
}

// NewMessage creates an empty Message for a given type code.
func NewMessage(typeCode uint8) (msg Message, err error) {
	msgType, exists := messages[typeCode]
	if !exists {
		err = fmt.Errorf("no Message registered for type code %d", typeCode)
		return
	}

	msgElem := reflect.TypeOf(msgType).Elem()
	msg = reflect.New(msgElem).Interface().(Message)
	return
}

// ReadMessage parses the next frame from the Reader. Both the header and
// the payload are read with io.ReadFull, so short reads of an underlying
// stream are resumed instead of being treated as errors.
func ReadMessage(r io.Reader) (msg Message, err error) {
	var header [HeaderLen]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return
	}

	size := binary.BigEndian.Uint16(header[2:4])
	payload := make([]byte, size)
	if _, err = io.ReadFull(r, payload); err != nil {
		return
	}

	if msg, err = NewMessage(header[0]); err != nil {
		return
	}

	err = msg.UnmarshalPayload(header[1], payload)
	return
}

// EncodeMessage serializes a Message, header included, into a fresh byte
// slice ready for a send queue.
func EncodeMessage(msg Message) ([]byte, error) {
	var payload bytes.Buffer
	if err := msg.MarshalPayload(&payload); err != nil {
		return nil, err
	}
	if payload.Len() > math.MaxUint16 {
		return nil, fmt.Errorf("payload of %d bytes overflows the frame header", payload.Len())
	}

	frame := make([]byte, HeaderLen+payload.Len())
	frame[0] = msg.TypeCode()
	frame[1] = msg.Special()
	binary.BigEndian.PutUint16(frame[2:4], uint16(payload.Len()))
	copy(frame[HeaderLen:], payload.Bytes())

	return frame, nil
}

// WriteMessage serializes a Message to the Writer.
func WriteMessage(w io.Writer, msg Message) error {
	frame, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	_, err = w.Write(frame)
	return err
}
