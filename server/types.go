// File: server/types.go
// Package server implements the postoffice relay: it names sessions after
// their virtual endpoints, routes datagrams between them and pairs stream
// sessions during rendezvous.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"time"

	"github.com/momentics/aemu-postoffice/protocol"
)

// Config holds all relay configuration parameters.
type Config struct {
	ListenAddr         string        // relay TCP bind address
	StatusAddr         string        // status HTTP bind address ("" = disabled)
	MaxConnections     int           // concurrent relay connections
	InitTimeout        time.Duration // drop connections that send no init packet
	AcceptTimeout      time.Duration // drop connects nobody accepts
	StatisticsInterval time.Duration // per-IP usage summary period (0 = off)
}

// DefaultConfig returns the relay's well-known ports and timeouts.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:         ":27313",
		StatusAddr:         ":27314",
		MaxConnections:     1000,
		InitTimeout:        20 * time.Second,
		AcceptTimeout:      20 * time.Second,
		StatisticsInterval: 2 * time.Minute,
	}
}

const (
	// pdpSizeLimit and ptpSizeLimit are the largest frames the relay
	// forwards; larger ones end the session.
	pdpSizeLimit = 2 * protocol.PDPBlockMax
	ptpSizeLimit = 2 * protocol.PTPBlockMax
)

// connState is the role a relay connection plays after its init packet.
type connState string

const (
	stateInit       connState = "init"
	statePDP        connState = "pdp"
	statePTPListen  connState = "ptp_listen"
	statePTPConnect connState = "ptp_connect"
	statePTPAccept  connState = "ptp_accept"
)

func (s connState) stream() bool {
	return s == statePTPConnect || s == statePTPAccept
}

// SessionInfo is one entry of the status report.
type SessionInfo struct {
	State    string `json:"state"`
	SrcAddr  string `json:"src_addr"`
	SPort    uint16 `json:"sport"`
	PDPState string `json:"pdp_state,omitempty"`
	PTPState string `json:"ptp_state,omitempty"`
	DstAddr  string `json:"dst_addr,omitempty"`
	DPort    uint16 `json:"dport,omitempty"`
}
