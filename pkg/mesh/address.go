// SPDX-FileCopyrightText: 2026 The CloudVPN Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package mesh holds the value types shared by the whole overlay: endpoint
// addresses, route entries, the signed next-hop id space and the bounded
// broadcast ID cache.
package mesh

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address identifies an endpoint in the mesh. It pairs an instance number
// with a variable-length octet string, stored as an immutable string so an
// Address is comparable and usable as a map key. An Address with empty Data
// is a promiscuous wildcard for its instance.
type Address struct {
	Instance uint32
	Data     string
}

// NewAddress builds an Address from an instance number and raw octets.
func NewAddress(instance uint32, data []byte) Address {
	return Address{Instance: instance, Data: string(data)}
}

// ParseAddress builds an Address from an instance number and a hex string,
// as used in configuration files. An empty string yields a wildcard.
func ParseAddress(instance uint32, s string) (Address, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("address %q is no valid hex string: %w", s, err)
	}
	return NewAddress(instance, data), nil
}

// Bytes returns the address octets.
func (addr Address) Bytes() []byte {
	return []byte(addr.Data)
}

// IsWildcard checks for a promiscuous wildcard, an Address without octets.
func (addr Address) IsWildcard() bool {
	return len(addr.Data) == 0
}

// Wildcard returns the promiscuous wildcard Address of this instance.
func (addr Address) Wildcard() Address {
	return Address{Instance: addr.Instance}
}

// IsBroadcast checks for the all-ones broadcast address. A wildcard is
// never a broadcast.
func (addr Address) IsBroadcast() bool {
	if len(addr.Data) == 0 {
		return false
	}
	for i := 0; i < len(addr.Data); i++ {
		if addr.Data[i] != 0xff {
			return false
		}
	}
	return true
}

// Compare orders two Addresses by instance first, octets second. It returns
// a negative number, zero or a positive number analogous to strings.Compare.
func (addr Address) Compare(other Address) int {
	if addr.Instance != other.Instance {
		if addr.Instance < other.Instance {
			return -1
		}
		return 1
	}
	return strings.Compare(addr.Data, other.Data)
}

func (addr Address) String() string {
	if addr.IsWildcard() {
		return fmt.Sprintf("%d/*", addr.Instance)
	}
	return fmt.Sprintf("%d/%s", addr.Instance, hex.EncodeToString([]byte(addr.Data)))
}
