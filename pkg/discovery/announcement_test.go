// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"reflect"
	"testing"
)

func TestAnnouncementCbor(t *testing.T) {
	var tests = []Announcement{
		{Node: "alpha", Scheme: "tls", Port: 655},
		{Node: "beta", Scheme: "quic", Port: 12345},
		{Node: "some-longer-node-name", Scheme: "tls", Port: 1},
	}

	for _, announcementIn := range tests {
		buff, err := MarshalAnnouncements([]Announcement{announcementIn})
		if err != nil {
			t.Fatalf("Encoding failed: %v", err)
		}

		announcementsOut, err := UnmarshalAnnouncements(buff)
		if err != nil {
			t.Fatalf("Decoding failed: %v", err)
		}

		if l := len(announcementsOut); l != 1 {
			t.Fatalf("Length of decoded announcements is %d != 1", l)
		}

		if !reflect.DeepEqual(announcementIn, announcementsOut[0]) {
			t.Fatalf("Decoded announcement differs: %v became %v",
				announcementIn, announcementsOut[0])
		}
	}
}

func TestAnnouncementsCborMultiple(t *testing.T) {
	announcementsIn := []Announcement{
		{Node: "alpha", Scheme: "tls", Port: 655},
		{Node: "alpha", Scheme: "quic", Port: 656},
	}

	buff, err := MarshalAnnouncements(announcementsIn)
	if err != nil {
		t.Fatalf("Encoding failed: %v", err)
	}

	announcementsOut, err := UnmarshalAnnouncements(buff)
	if err != nil {
		t.Fatalf("Decoding failed: %v", err)
	}

	if !reflect.DeepEqual(announcementsIn, announcementsOut) {
		t.Fatalf("Decoded announcements differ: %v became %v", announcementsIn, announcementsOut)
	}
}

func TestAnnouncementCborTruncated(t *testing.T) {
	buff, err := MarshalAnnouncements([]Announcement{{Node: "alpha", Scheme: "tls", Port: 655}})
	if err != nil {
		t.Fatalf("Encoding failed: %v", err)
	}

	if _, err := UnmarshalAnnouncements(buff[:len(buff)/2]); err == nil {
		t.Fatal("Truncated announcement was accepted")
	}
}
