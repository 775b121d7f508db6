// File: api/addr.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Virtual addressing of emulated adhoc sockets.

package api

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// MAC is the 6-byte hardware address of an emulated device.
type MAC [6]byte

// ParseMAC parses the colon separated form "aa:bb:cc:11:22:33".
func ParseMAC(s string) (MAC, error) {
	var m MAC
	parts := strings.Split(s, ":")
	if len(parts) != len(m) {
		return m, fmt.Errorf("parse mac %q: want 6 octets, got %d", s, len(parts))
	}
	for i, p := range parts {
		if len(p) != 2 {
			return m, fmt.Errorf("parse mac %q: bad octet %q", s, p)
		}
		b, err := hex.DecodeString(p)
		if err != nil {
			return m, fmt.Errorf("parse mac %q: %w", s, err)
		}
		m[i] = b[0]
	}
	return m, nil
}

// MustParseMAC is ParseMAC for constants and tests.
func MustParseMAC(s string) MAC {
	m, err := ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// VirtualAddr identifies a session endpoint on the emulated network.
// It is unique only among live sessions of the same kind.
type VirtualAddr struct {
	MAC  MAC
	Port uint16
}

// Addr is a shorthand constructor.
func Addr(mac MAC, port uint16) VirtualAddr {
	return VirtualAddr{MAC: mac, Port: port}
}

func (a VirtualAddr) String() string {
	return a.MAC.String() + "/" + strconv.Itoa(int(a.Port))
}

// ParseVirtualAddr parses "aa:bb:cc:11:22:33/12345".
func ParseVirtualAddr(s string) (VirtualAddr, error) {
	macPart, portPart, ok := strings.Cut(s, "/")
	if !ok {
		return VirtualAddr{}, fmt.Errorf("parse addr %q: missing port", s)
	}
	mac, err := ParseMAC(macPart)
	if err != nil {
		return VirtualAddr{}, err
	}
	port, err := strconv.ParseUint(portPart, 10, 16)
	if err != nil {
		return VirtualAddr{}, fmt.Errorf("parse addr %q: %w", s, err)
	}
	return VirtualAddr{MAC: mac, Port: uint16(port)}, nil
}
