// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"fmt"
	"io"
)

// PingMessage requests a PongMessage echoing the same nonce. The nonce
// travels in the header's special byte; the payload stays empty.
type PingMessage struct {
	Nonce uint8
}

func (msg *PingMessage) TypeCode() uint8 {
	return MsgPing
}

func (msg *PingMessage) Special() uint8 {
	return msg.Nonce
}

func (msg *PingMessage) MarshalPayload(_ io.Writer) error {
	return nil
}

func (msg *PingMessage) UnmarshalPayload(special uint8, payload []byte) error {
	if len(payload) != 0 {
		return fmt.Errorf("ping carries %d payload bytes, expected none", len(payload))
	}
	msg.Nonce = special
	return nil
}

func (msg *PingMessage) String() string {
	return fmt.Sprintf("Ping(%d)", msg.Nonce)
}

// PongMessage answers a PingMessage.
type PongMessage struct {
	Nonce uint8
}

func (msg *PongMessage) TypeCode() uint8 {
	return MsgPong
}

func (msg *PongMessage) Special() uint8 {
	return msg.Nonce
}

func (msg *PongMessage) MarshalPayload(_ io.Writer) error {
	return nil
}

func (msg *PongMessage) UnmarshalPayload(special uint8, payload []byte) error {
	if len(payload) != 0 {
		return fmt.Errorf("pong carries %d payload bytes, expected none", len(payload))
	}
	msg.Nonce = special
	return nil
}

func (msg *PongMessage) String() string {
	return fmt.Sprintf("Pong(%d)", msg.Nonce)
}

// RouteRequestMessage asks the peer for its full route set.
type RouteRequestMessage struct{}

func (msg *RouteRequestMessage) TypeCode() uint8 {
	return MsgRouteRequest
}

func (msg *RouteRequestMessage) Special() uint8 {
	return 0
}

func (msg *RouteRequestMessage) MarshalPayload(_ io.Writer) error {
	return nil
}

func (msg *RouteRequestMessage) UnmarshalPayload(_ uint8, payload []byte) error {
	if len(payload) != 0 {
		return fmt.Errorf("route request carries %d payload bytes, expected none", len(payload))
	}
	return nil
}

func (msg *RouteRequestMessage) String() string {
	return "RouteRequest"
}
