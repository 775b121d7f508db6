// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Relay data framing. Datagram frames carry an address header so the relay
// can route them; stream frames carry only a length prefix because the pair
// is fixed at rendezvous.

package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/momentics/aemu-postoffice/api"
)

const (
	// PDPBlockMax bounds a single datagram payload.
	PDPBlockMax = 10 * 1024
	// PTPBlockMax bounds a single stream chunk.
	PTPBlockMax = 50 * 1024

	// PDPHeaderLen is addr(8) + port(2) + size(4).
	PDPHeaderLen = AddrLen + 2 + 4
	// PTPHeaderLen is size(4).
	PTPHeaderLen = 4

	// DefaultRelayPort and DefaultStatusPort are the relay's well-known ports.
	DefaultRelayPort  = 27313
	DefaultStatusPort = 27314
)

var (
	ErrShortHeader = errors.New("protocol: short frame header")
	ErrFrameSize   = errors.New("protocol: frame size over limit")
)

// PDPHeader precedes every datagram. Outbound, Addr is the destination;
// inbound, the relay rewrites it to the source.
type PDPHeader struct {
	Addr api.VirtualAddr
	Size uint32
}

// PutPDPHeader encodes a header into b, which must hold PDPHeaderLen bytes.
func PutPDPHeader(b []byte, addr api.VirtualAddr, size uint32) {
	_ = b[PDPHeaderLen-1]
	copy(b[0:6], addr.MAC[:])
	b[6], b[7] = 0, 0
	binary.LittleEndian.PutUint16(b[8:10], addr.Port)
	binary.LittleEndian.PutUint32(b[10:14], size)
}

// ParsePDPHeader decodes a datagram header.
func ParsePDPHeader(b []byte) (PDPHeader, error) {
	if len(b) < PDPHeaderLen {
		return PDPHeader{}, ErrShortHeader
	}
	var h PDPHeader
	copy(h.Addr.MAC[:], b[0:6])
	h.Addr.Port = binary.LittleEndian.Uint16(b[8:10])
	h.Size = binary.LittleEndian.Uint32(b[10:14])
	return h, nil
}

// PutPTPHeader encodes a stream chunk length.
func PutPTPHeader(b []byte, size uint32) {
	binary.LittleEndian.PutUint32(b[0:PTPHeaderLen], size)
}

// ParsePTPHeader decodes a stream chunk length.
func ParsePTPHeader(b []byte) (uint32, error) {
	if len(b) < PTPHeaderLen {
		return 0, ErrShortHeader
	}
	return binary.LittleEndian.Uint32(b[0:PTPHeaderLen]), nil
}

// CheckSize validates a decoded frame size against limit.
func CheckSize(size uint32, limit int) error {
	if int64(size) > int64(limit) {
		return ErrFrameSize
	}
	return nil
}
