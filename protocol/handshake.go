// File: protocol/handshake.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Relay session handshake. Every connection to the relay opens with one
// fixed-size init packet naming the session type and its endpoints; stream
// rendezvous completes with short address notifications.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/momentics/aemu-postoffice/api"
)

// SessionType is the first field of the init packet.
type SessionType int32

const (
	InitPDP        SessionType = 0
	InitPTPListen  SessionType = 1
	InitPTPConnect SessionType = 2
	InitPTPAccept  SessionType = 3
)

func (t SessionType) String() string {
	switch t {
	case InitPDP:
		return "PDP"
	case InitPTPListen:
		return "PTP_LISTEN"
	case InitPTPConnect:
		return "PTP_CONNECT"
	case InitPTPAccept:
		return "PTP_ACCEPT"
	}
	return fmt.Sprintf("INIT_%d", int32(t))
}

const (
	// AddrLen is the on-wire size of a MAC: six octets plus two pad bytes.
	AddrLen = 8
	// InitLen is the size of the init packet.
	InitLen = 4 + AddrLen + 2 + AddrLen + 2
	// NotifyLen is the size of a rendezvous notification (address + port).
	NotifyLen = AddrLen + 2
)

var (
	ErrShortInit       = errors.New("protocol: short init packet")
	ErrUnknownInitType = errors.New("protocol: unknown init type")
	ErrShortNotify     = errors.New("protocol: short rendezvous notification")
)

// Init is the decoded init packet.
type Init struct {
	Type SessionType
	Src  api.VirtualAddr
	Dst  api.VirtualAddr
}

// AppendInit appends the encoded init packet to dst.
func AppendInit(dst []byte, in Init) []byte {
	var b [InitLen]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(in.Type))
	copy(b[4:10], in.Src.MAC[:])
	binary.LittleEndian.PutUint16(b[12:14], in.Src.Port)
	copy(b[14:20], in.Dst.MAC[:])
	binary.LittleEndian.PutUint16(b[22:24], in.Dst.Port)
	return append(dst, b[:]...)
}

// ParseInit decodes an init packet. Unknown types are reported with the
// decoded packet so the caller can log the offender.
func ParseInit(b []byte) (Init, error) {
	if len(b) < InitLen {
		return Init{}, ErrShortInit
	}
	var in Init
	in.Type = SessionType(int32(binary.LittleEndian.Uint32(b[0:4])))
	copy(in.Src.MAC[:], b[4:10])
	in.Src.Port = binary.LittleEndian.Uint16(b[12:14])
	copy(in.Dst.MAC[:], b[14:20])
	in.Dst.Port = binary.LittleEndian.Uint16(b[22:24])
	if in.Type < InitPDP || in.Type > InitPTPAccept {
		return in, fmt.Errorf("%w: %d", ErrUnknownInitType, int32(in.Type))
	}
	return in, nil
}

// AppendNotify appends a rendezvous notification carrying a.
func AppendNotify(dst []byte, a api.VirtualAddr) []byte {
	var b [NotifyLen]byte
	copy(b[0:6], a.MAC[:])
	binary.LittleEndian.PutUint16(b[8:10], a.Port)
	return append(dst, b[:]...)
}

// ParseNotify decodes a rendezvous notification.
func ParseNotify(b []byte) (api.VirtualAddr, error) {
	if len(b) < NotifyLen {
		return api.VirtualAddr{}, ErrShortNotify
	}
	var a api.VirtualAddr
	copy(a.MAC[:], b[0:6])
	a.Port = binary.LittleEndian.Uint16(b[8:10])
	return a, nil
}
