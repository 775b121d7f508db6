// File: server/stats.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Relay usage accounting: prometheus counters for scraping plus a per-IP
// tally summarised to the log and reset every interval.

package server

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// IPStats is the usage of one client address during a statistics interval.
// Tx counts traffic the client sent to the relay, Rx traffic delivered to it.
type IPStats struct {
	PDPConnects       uint64 `json:"pdp_connects"`
	PTPConnects       uint64 `json:"ptp_connects"`
	PTPListenConnects uint64 `json:"ptp_listen_connects"`
	TxBytes           uint64 `json:"tx_bytes"`
	RxBytes           uint64 `json:"rx_bytes"`
	TxOps             uint64 `json:"tx_ops"`
	RxOps             uint64 `json:"rx_ops"`
}

type statistics struct {
	mu   sync.Mutex
	byIP map[string]*IPStats

	connections prometheus.Gauge
	sessions    *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	frames      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

func newStatistics(reg prometheus.Registerer) *statistics {
	st := &statistics{
		byIP: make(map[string]*IPStats),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "postoffice",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open relay connections.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postoffice",
			Subsystem: "relay",
			Name:      "sessions_total",
			Help:      "Sessions opened by init packet type.",
		}, []string{"state"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postoffice",
			Subsystem: "relay",
			Name:      "bytes_total",
			Help:      "Bytes relayed by session family and direction.",
		}, []string{"family", "dir"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postoffice",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames relayed by session family and direction.",
		}, []string{"family", "dir"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postoffice",
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Connections or frames dropped by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(st.connections, st.sessions, st.bytes, st.frames, st.dropped)
	}
	return st
}

func family(s connState) string {
	if s == statePDP {
		return "pdp"
	}
	return "ptp"
}

func (st *statistics) entry(ip string) *IPStats {
	e := st.byIP[ip]
	if e == nil {
		e = &IPStats{}
		st.byIP[ip] = e
	}
	return e
}

func (st *statistics) opened(ip string, s connState) {
	st.sessions.WithLabelValues(string(s)).Inc()
	st.mu.Lock()
	e := st.entry(ip)
	switch s {
	case statePDP:
		e.PDPConnects++
	case statePTPListen:
		e.PTPListenConnects++
	case statePTPConnect, statePTPAccept:
		e.PTPConnects++
	}
	st.mu.Unlock()
}

func (st *statistics) tx(ip string, s connState, n int) {
	st.bytes.WithLabelValues(family(s), "tx").Add(float64(n))
	st.frames.WithLabelValues(family(s), "tx").Inc()
	st.mu.Lock()
	e := st.entry(ip)
	e.TxBytes += uint64(n)
	e.TxOps++
	st.mu.Unlock()
}

func (st *statistics) rx(ip string, s connState, n int) {
	st.bytes.WithLabelValues(family(s), "rx").Add(float64(n))
	st.frames.WithLabelValues(family(s), "rx").Inc()
	st.mu.Lock()
	e := st.entry(ip)
	e.RxBytes += uint64(n)
	e.RxOps++
	st.mu.Unlock()
}

func (st *statistics) drop(reason string) {
	st.dropped.WithLabelValues(reason).Inc()
}

// snapshot returns the current per-IP tally and, when reset is set, starts
// a new interval.
func (st *statistics) snapshot(reset bool) map[string]IPStats {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]IPStats, len(st.byIP))
	for ip, e := range st.byIP {
		out[ip] = *e
	}
	if reset {
		st.byIP = make(map[string]*IPStats)
	}
	return out
}

// report logs one line per client address and resets the tally.
func (st *statistics) report(log zerolog.Logger) {
	snap := st.snapshot(true)
	ips := make([]string, 0, len(snap))
	for ip := range snap {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	for _, ip := range ips {
		e := snap[ip]
		log.Info().
			Str("ip", ip).
			Uint64("pdp_connects", e.PDPConnects).
			Uint64("ptp_connects", e.PTPConnects).
			Uint64("ptp_listen_connects", e.PTPListenConnects).
			Uint64("tx_bytes", e.TxBytes).
			Uint64("rx_bytes", e.RxBytes).
			Uint64("tx_ops", e.TxOps).
			Uint64("rx_ops", e.RxOps).
			Msg("usage")
	}
}
