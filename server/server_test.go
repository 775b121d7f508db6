// File: server/server_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/momentics/aemu-postoffice/api"
	"github.com/momentics/aemu-postoffice/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	macA = api.MustParseMAC("aa:aa:aa:aa:aa:aa")
	macB = api.MustParseMAC("bb:bb:bb:bb:bb:bb")
	macC = api.MustParseMAC("cc:cc:cc:cc:cc:cc")
)

func startRelay(t *testing.T) (*Server, string) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StatusAddr = ""
	cfg.StatisticsInterval = 0
	cfg.InitTimeout = 200 * time.Millisecond
	cfg.AcceptTimeout = 200 * time.Millisecond
	s := NewServer(cfg, WithLogger(zerolog.Nop()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return s, ln.Addr().String()
}

func open(t *testing.T, addr string, typ protocol.SessionType, src, dst api.VirtualAddr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Write(protocol.AppendInit(nil, protocol.Init{Type: typ, Src: src, Dst: dst}))
	require.NoError(t, err)
	return conn
}

func sessionCount(s *Server) int {
	n := 0
	for _, group := range s.Sessions() {
		n += len(group)
	}
	return n
}

func waitSessions(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return sessionCount(s) == n },
		2*time.Second, 5*time.Millisecond)
}

func sendPDP(t *testing.T, conn net.Conn, dst api.VirtualAddr, payload []byte) {
	t.Helper()
	frame := make([]byte, protocol.PDPHeaderLen+len(payload))
	protocol.PutPDPHeader(frame, dst, uint32(len(payload)))
	copy(frame[protocol.PDPHeaderLen:], payload)
	_, err := conn.Write(frame)
	require.NoError(t, err)
}

func recvPDP(t *testing.T, conn net.Conn) (api.VirtualAddr, []byte) {
	t.Helper()
	hdr := make([]byte, protocol.PDPHeaderLen)
	_, err := io.ReadFull(conn, hdr)
	require.NoError(t, err)
	h, err := protocol.ParsePDPHeader(hdr)
	require.NoError(t, err)
	data := make([]byte, h.Size)
	_, err = io.ReadFull(conn, data)
	require.NoError(t, err)
	return h.Addr, data
}

func sendPTP(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	frame := make([]byte, protocol.PTPHeaderLen+len(payload))
	protocol.PutPTPHeader(frame, uint32(len(payload)))
	copy(frame[protocol.PTPHeaderLen:], payload)
	_, err := conn.Write(frame)
	require.NoError(t, err)
}

func recvPTP(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	hdr := make([]byte, protocol.PTPHeaderLen)
	_, err := io.ReadFull(conn, hdr)
	require.NoError(t, err)
	size, err := protocol.ParsePTPHeader(hdr)
	require.NoError(t, err)
	data := make([]byte, size)
	_, err = io.ReadFull(conn, data)
	require.NoError(t, err)
	return data
}

func recvNotify(t *testing.T, conn net.Conn) api.VirtualAddr {
	t.Helper()
	b := make([]byte, protocol.NotifyLen)
	_, err := io.ReadFull(conn, b)
	require.NoError(t, err)
	a, err := protocol.ParseNotify(b)
	require.NoError(t, err)
	return a
}

// expectClosed asserts the relay ended the connection rather than the read
// timing out.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_, err := io.ReadAll(conn)
	if err == nil {
		return
	}
	var ne net.Error
	if assert.ErrorAs(t, err, &ne) {
		assert.False(t, ne.Timeout(), "relay kept the connection open")
	}
}

func TestPDPRouting(t *testing.T) {
	s, addr := startRelay(t)
	a := open(t, addr, protocol.InitPDP, api.Addr(macA, 1), api.VirtualAddr{})
	b := open(t, addr, protocol.InitPDP, api.Addr(macB, 1), api.VirtualAddr{})
	waitSessions(t, s, 2)

	sendPDP(t, a, api.Addr(macC, 1), []byte("lost"))
	sendPDP(t, a, api.Addr(macB, 1), []byte("hello"))

	src, data := recvPDP(t, b)
	assert.Equal(t, api.Addr(macA, 1), src)
	assert.Equal(t, []byte("hello"), data)

	usage := s.Usage()
	require.Contains(t, usage, "127.0.0.1")
	assert.Equal(t, uint64(2), usage["127.0.0.1"].PDPConnects)
	assert.Equal(t, uint64(2), usage["127.0.0.1"].TxOps)
	require.Eventually(t, func() bool { return s.Usage()["127.0.0.1"].RxOps == 1 },
		time.Second, 5*time.Millisecond)
}

func TestPDPReplacement(t *testing.T) {
	s, addr := startRelay(t)
	old := open(t, addr, protocol.InitPDP, api.Addr(macA, 7), api.VirtualAddr{})
	waitSessions(t, s, 1)
	cur := open(t, addr, protocol.InitPDP, api.Addr(macA, 7), api.VirtualAddr{})

	expectClosed(t, old)
	waitSessions(t, s, 1)

	b := open(t, addr, protocol.InitPDP, api.Addr(macB, 7), api.VirtualAddr{})
	waitSessions(t, s, 2)
	sendPDP(t, b, api.Addr(macA, 7), []byte("x"))
	src, data := recvPDP(t, cur)
	assert.Equal(t, api.Addr(macB, 7), src)
	assert.Equal(t, []byte("x"), data)
}

func TestOversizeFrameEndsSession(t *testing.T) {
	s, addr := startRelay(t)
	a := open(t, addr, protocol.InitPDP, api.Addr(macA, 1), api.VirtualAddr{})
	waitSessions(t, s, 1)

	hdr := make([]byte, protocol.PDPHeaderLen)
	protocol.PutPDPHeader(hdr, api.Addr(macB, 1), pdpSizeLimit+1)
	_, err := a.Write(hdr)
	require.NoError(t, err)

	expectClosed(t, a)
	waitSessions(t, s, 0)
}

func TestConnectWithoutListener(t *testing.T) {
	s, addr := startRelay(t)
	c := open(t, addr, protocol.InitPTPConnect, api.Addr(macA, 2), api.Addr(macB, 1))
	expectClosed(t, c)
	assert.Zero(t, sessionCount(s))
}

func TestAcceptWithoutConnect(t *testing.T) {
	s, addr := startRelay(t)
	c := open(t, addr, protocol.InitPTPAccept, api.Addr(macB, 1), api.Addr(macA, 2))
	expectClosed(t, c)
	waitSessions(t, s, 0)
}

func TestRendezvous(t *testing.T) {
	s, addr := startRelay(t)
	listener := open(t, addr, protocol.InitPTPListen, api.Addr(macB, 1), api.VirtualAddr{})
	waitSessions(t, s, 1)

	connector := open(t, addr, protocol.InitPTPConnect, api.Addr(macA, 2), api.Addr(macB, 1))
	assert.Equal(t, api.Addr(macA, 2), recvNotify(t, listener))
	sendPTP(t, connector, []byte("early"))

	acceptor := open(t, addr, protocol.InitPTPAccept, api.Addr(macB, 1), api.Addr(macA, 2))
	assert.Equal(t, api.Addr(macA, 2), recvNotify(t, acceptor))
	assert.Equal(t, api.Addr(macB, 1), recvNotify(t, connector))

	assert.Equal(t, []byte("early"), recvPTP(t, acceptor))
	sendPTP(t, acceptor, []byte("pong"))
	assert.Equal(t, []byte("pong"), recvPTP(t, connector))

	sessions := s.Sessions()
	require.Len(t, sessions[macB.String()], 2)
	require.Len(t, sessions[macA.String()], 1)
	assert.Equal(t, "ptp_connect", sessions[macA.String()][0].State)

	require.NoError(t, connector.Close())
	expectClosed(t, acceptor)
	waitSessions(t, s, 1)
}

func TestAcceptTimeout(t *testing.T) {
	s, addr := startRelay(t)
	listener := open(t, addr, protocol.InitPTPListen, api.Addr(macB, 1), api.VirtualAddr{})
	waitSessions(t, s, 1)

	connector := open(t, addr, protocol.InitPTPConnect, api.Addr(macA, 2), api.Addr(macB, 1))
	recvNotify(t, listener)
	expectClosed(t, connector)
	waitSessions(t, s, 1)
}

func TestStaleInitDropped(t *testing.T) {
	_, addr := startRelay(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	expectClosed(t, conn)
}

func TestStatusHandler(t *testing.T) {
	s, addr := startRelay(t)
	open(t, addr, protocol.InitPDP, api.Addr(macA, 3), api.VirtualAddr{})
	waitSessions(t, s, 1)

	rec := httptest.NewRecorder()
	s.StatusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var got map[string][]SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got[macA.String()], 1)
	entry := got[macA.String()][0]
	assert.Equal(t, "pdp", entry.State)
	assert.Equal(t, uint16(3), entry.SPort)
	assert.Equal(t, "header", entry.PDPState)

	rec = httptest.NewRecorder()
	s.StatusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "postoffice_relay_sessions_total")
}

func TestShutdown(t *testing.T) {
	s := NewServer(nil, WithLogger(zerolog.Nop()))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background(), ln) }()
	require.Eventually(t, func() bool { return s.Addr() != nil }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.Serve(context.Background(), ln), ErrAlreadyRunning)
	s.Shutdown()
	s.Shutdown()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
