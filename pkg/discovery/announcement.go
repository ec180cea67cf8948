// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// Announcement names one listener of a node: the node's identity, the
// transport scheme and the port the listener is bound to.
type Announcement struct {
	Node   string
	Scheme string
	Port   uint
}

func (announcement Announcement) String() string {
	return fmt.Sprintf("%s@%s:%d", announcement.Node, announcement.Scheme, announcement.Port)
}

// MarshalCbor writes the Announcement as a CBOR array of three.
func (announcement *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}

	if err := cboring.WriteTextString(announcement.Node, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(announcement.Scheme, w); err != nil {
		return err
	}
	return cboring.WriteUInt(uint64(announcement.Port), w)
}

// UnmarshalCbor reads the Announcement back.
func (announcement *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 3 {
		return fmt.Errorf("announcement has array length %d, expected 3", l)
	}

	var err error
	if announcement.Node, err = cboring.ReadTextString(r); err != nil {
		return err
	}
	if announcement.Scheme, err = cboring.ReadTextString(r); err != nil {
		return err
	}

	port, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	announcement.Port = uint(port)

	return nil
}

// MarshalAnnouncements packs announcements into one CBOR byte string.
func MarshalAnnouncements(announcements []Announcement) (data []byte, err error) {
	buff := new(bytes.Buffer)

	if err = cboring.WriteArrayLength(uint64(len(announcements)), buff); err != nil {
		return
	}

	for i := range announcements {
		if err = cboring.Marshal(&announcements[i], buff); err != nil {
			err = fmt.Errorf("marshalling announcement %d failed: %w", i, err)
			return
		}
	}

	data = buff.Bytes()
	return
}

// UnmarshalAnnouncements parses a CBOR byte string of announcements.
func UnmarshalAnnouncements(data []byte) (announcements []Announcement, err error) {
	buff := bytes.NewBuffer(data)

	var l uint64
	if l, err = cboring.ReadArrayLength(buff); err != nil {
		return
	}
	announcements = make([]Announcement, l)

	for i := 0; i < len(announcements); i++ {
		if err = cboring.Unmarshal(&announcements[i], buff); err != nil {
			err = fmt.Errorf("unmarshalling announcement %d failed: %w", i, err)
			return
		}
	}

	return
}
