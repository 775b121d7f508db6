// File: client/client_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/aemu-postoffice/api"
	"github.com/momentics/aemu-postoffice/client"
	"github.com/momentics/aemu-postoffice/control"
	"github.com/momentics/aemu-postoffice/fake"
	"github.com/momentics/aemu-postoffice/internal/session"
	"github.com/momentics/aemu-postoffice/protocol"
)

var (
	addrA = api.Addr(api.MustParseMAC("aa:bb:cc:00:00:01"), 12345)
	addrB = api.Addr(api.MustParseMAC("aa:bb:cc:00:00:02"), 23456)
)

func newFakeClient(t *testing.T, opts ...client.Option) (*client.Client, *fake.Transport) {
	t.Helper()
	tr := fake.NewTransport()
	base := []client.Option{client.WithLogger(zerolog.Nop()), client.WithTransport(tr), client.WithSessionsPerKind(4)}
	c, err := client.New("relay.test:27313", append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, tr
}

func pdpFrame(src api.VirtualAddr, payload []byte) []byte {
	b := make([]byte, protocol.PDPHeaderLen+len(payload))
	protocol.PutPDPHeader(b, src, uint32(len(payload)))
	copy(b[protocol.PDPHeaderLen:], payload)
	return b
}

func ptpFrame(payload []byte) []byte {
	b := make([]byte, protocol.PTPHeaderLen+len(payload))
	protocol.PutPTPHeader(b, uint32(len(payload)))
	copy(b[protocol.PTPHeaderLen:], payload)
	return b
}

func TestPdpCreateSendsInit(t *testing.T) {
	c, tr := newFakeClient(t)
	conn := fake.NewConn()
	tr.Enqueue(conn)

	h, err := c.PdpCreate(context.Background(), addrA)
	require.NoError(t, err)
	assert.Equal(t, api.KindPDP, h.Kind)
	assert.Equal(t, []string{"relay.test:27313"}, tr.Addrs())
	assert.Equal(t, protocol.AppendInit(nil, protocol.Init{Type: protocol.InitPDP, Src: addrA}), conn.Sent())
	assert.Equal(t, 1, c.Stats()[api.KindPDP].InUse)
}

func TestCreateDialFailure(t *testing.T) {
	c, tr := newFakeClient(t)
	tr.SetDialError(errors.New("connection refused"))

	_, err := c.PdpCreate(context.Background(), addrA)
	assert.ErrorIs(t, err, api.StatusNetwork)
	_, err = c.PtpListen(context.Background(), addrA)
	assert.ErrorIs(t, err, api.StatusNetwork)
	_, err = c.PtpConnect(context.Background(), addrA, addrB)
	assert.ErrorIs(t, err, api.StatusNetwork)

	for _, st := range c.Stats() {
		assert.Zero(t, st.InUse)
	}
}

func TestInitSendFailureClosesConn(t *testing.T) {
	c, tr := newFakeClient(t)
	conn := fake.NewConn()
	conn.SetSendError(fake.ErrPeerGone)
	tr.Enqueue(conn)

	_, err := c.PdpCreate(context.Background(), addrA)
	assert.ErrorIs(t, err, api.StatusNetwork)
	assert.True(t, conn.Closed())
}

func TestAllocatorFailureMeansTableFull(t *testing.T) {
	c, _ := newFakeClient(t, client.WithAllocator(session.AllocatorFunc(func(kind api.SessionKind, n int) error {
		if kind == api.KindPDP {
			return errors.New("out of memory")
		}
		return nil
	})))

	_, err := c.PdpCreate(context.Background(), addrA)
	assert.ErrorIs(t, err, api.StatusTableFull)
	_, err = c.PtpListen(context.Background(), addrA)
	assert.NoError(t, err)
}

func TestTableCapacity(t *testing.T) {
	c, _ := newFakeClient(t, client.WithSessionsPerKind(2))
	ctx := context.Background()

	h1, err := c.PdpCreate(ctx, api.Addr(addrA.MAC, 1))
	require.NoError(t, err)
	_, err = c.PdpCreate(ctx, api.Addr(addrA.MAC, 2))
	require.NoError(t, err)
	_, err = c.PdpCreate(ctx, api.Addr(addrA.MAC, 3))
	assert.ErrorIs(t, err, api.StatusTableFull)

	require.NoError(t, c.PdpDelete(h1))
	h3, err := c.PdpCreate(ctx, api.Addr(addrA.MAC, 3))
	require.NoError(t, err)
	assert.Equal(t, h1.Index, h3.Index)

	err = c.PdpSend(h1, addrB, []byte("x"), false)
	assert.ErrorIs(t, err, api.StatusDead, "stale handle must not reach the reused slot")
}

func TestPdpSendFraming(t *testing.T) {
	c, tr := newFakeClient(t)
	conn := fake.NewConn()
	tr.Enqueue(conn)
	h, err := c.PdpCreate(context.Background(), addrA)
	require.NoError(t, err)
	conn.SetChunks(3, 0)

	require.NoError(t, c.PdpSend(h, addrB, []byte("0123456789"), false))
	sent := conn.Sent()[protocol.InitLen:]
	assert.Equal(t, pdpFrame(addrB, []byte("0123456789")), sent)

	big := make([]byte, protocol.PDPBlockMax+1)
	assert.ErrorIs(t, c.PdpSend(h, addrB, big, false), api.StatusInvalidArgument)
}

func TestPdpSendWouldBlock(t *testing.T) {
	c, tr := newFakeClient(t)
	conn := fake.NewConn()
	tr.Enqueue(conn)
	h, err := c.PdpCreate(context.Background(), addrA)
	require.NoError(t, err)

	conn.BlockSends(1)
	assert.ErrorIs(t, c.PdpSend(h, addrB, []byte("x"), true), api.StatusWouldBlock)
	conn.BlockSends(3)
	require.NoError(t, c.PdpSend(h, addrB, []byte("x"), false))
}

func TestPdpRecv(t *testing.T) {
	c, tr := newFakeClient(t)
	conn := fake.NewConn()
	tr.Enqueue(conn)
	h, err := c.PdpCreate(context.Background(), addrA)
	require.NoError(t, err)

	buf := make([]byte, 64)
	_, _, err = c.PdpRecv(h, buf, true)
	assert.ErrorIs(t, err, api.StatusWouldBlock)
	_, err = c.PdpPeekNextSize(h)
	assert.ErrorIs(t, err, api.StatusWouldBlock)

	conn.Feed(pdpFrame(addrB, []byte("0123456789")))
	conn.Feed(pdpFrame(addrB, []byte("abcdef")))

	for i := 0; i < 2; i++ {
		size, err := c.PdpPeekNextSize(h)
		require.NoError(t, err)
		assert.Equal(t, 10, size)
	}

	src, n, err := c.PdpRecv(h, buf, false)
	require.NoError(t, err)
	assert.Equal(t, addrB, src)
	assert.Equal(t, "0123456789", string(buf[:n]))

	small := make([]byte, 4)
	src, n, err = c.PdpRecv(h, small, false)
	assert.ErrorIs(t, err, api.StatusDataTrunc)
	assert.Equal(t, addrB, src)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcd", string(small))

	_, _, err = c.PdpRecv(h, buf, true)
	assert.ErrorIs(t, err, api.StatusWouldBlock, "truncated remainder must be discarded")
}

func TestPdpRelayCloseKillsSession(t *testing.T) {
	c, tr := newFakeClient(t)
	conn := fake.NewConn()
	tr.Enqueue(conn)
	h, err := c.PdpCreate(context.Background(), addrA)
	require.NoError(t, err)

	conn.ClosePeer()
	_, _, err = c.PdpRecv(h, make([]byte, 8), false)
	assert.ErrorIs(t, err, api.StatusDead)
	assert.ErrorIs(t, c.PdpSend(h, addrB, []byte("x"), false), api.StatusDead)
	require.NoError(t, c.PdpDelete(h))
	assert.True(t, conn.Closed())
}

func TestPdpHardErrorIsNetwork(t *testing.T) {
	c, tr := newFakeClient(t)
	conn := fake.NewConn()
	tr.Enqueue(conn)
	h, err := c.PdpCreate(context.Background(), addrA)
	require.NoError(t, err)

	conn.SetRecvError(errors.New("connection reset"))
	_, _, err = c.PdpRecv(h, make([]byte, 8), false)
	assert.ErrorIs(t, err, api.StatusNetwork)
	_, _, err = c.PdpRecv(h, make([]byte, 8), false)
	assert.ErrorIs(t, err, api.StatusDead)
}

func TestPdpOversizeHeaderIsViolation(t *testing.T) {
	c, tr := newFakeClient(t)
	conn := fake.NewConn()
	tr.Enqueue(conn)
	h, err := c.PdpCreate(context.Background(), addrA)
	require.NoError(t, err)

	hdr := make([]byte, protocol.PDPHeaderLen)
	protocol.PutPDPHeader(hdr, addrB, protocol.PDPBlockMax+1)
	conn.Feed(hdr)
	_, _, err = c.PdpRecv(h, make([]byte, 8), false)
	assert.ErrorIs(t, err, api.StatusNetwork)
}

func TestPdpReplace(t *testing.T) {
	c, _ := newFakeClient(t)
	ctx := context.Background()
	old, err := c.PdpCreate(ctx, addrA)
	require.NoError(t, err)
	cur, err := c.PdpCreate(ctx, addrA)
	require.NoError(t, err)

	_, _, err = c.PdpRecv(old, make([]byte, 8), false)
	assert.ErrorIs(t, err, api.StatusDead)
	_, _, err = c.PdpRecv(cur, make([]byte, 8), true)
	assert.ErrorIs(t, err, api.StatusWouldBlock)
	assert.Equal(t, 2, c.Stats()[api.KindPDP].InUse, "replacement keeps the old slot until deleted")
	require.NoError(t, c.PdpDelete(old))
}

func TestDeleteUnblocksRecv(t *testing.T) {
	c, tr := newFakeClient(t)
	conn := fake.NewConn()
	tr.Enqueue(conn)
	h, err := c.PdpCreate(context.Background(), addrA)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := c.PdpRecv(h, make([]byte, 8), false)
		done <- err
	}()
	require.Eventually(t, func() bool {
		_, recvs := conn.Calls()
		return recvs > 0
	}, time.Second, time.Millisecond)

	require.NoError(t, c.PdpDelete(h))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, api.StatusDead)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked receive did not return")
	}
	assert.True(t, conn.Closed())
	assert.ErrorIs(t, c.PdpDelete(h), api.StatusDead)
}

func TestHandleKindChecked(t *testing.T) {
	c, _ := newFakeClient(t)
	h, err := c.PdpCreate(context.Background(), addrA)
	require.NoError(t, err)

	assert.ErrorIs(t, c.PtpClose(h), api.StatusInvalidArgument)
	assert.ErrorIs(t, c.PtpListenClose(h), api.StatusInvalidArgument)
	assert.ErrorIs(t, c.PtpSend(h, []byte("x"), false), api.StatusInvalidArgument)
	_, _, err = c.PtpAccept(context.Background(), h, true)
	assert.ErrorIs(t, err, api.StatusInvalidArgument)
	assert.ErrorIs(t, c.PdpDelete(api.Handle{Kind: api.KindPDP, Index: 99, Gen: 1}), api.StatusInvalidArgument)
}

func connectedStream(t *testing.T, c *client.Client, tr *fake.Transport) (api.Handle, *fake.Conn) {
	t.Helper()
	conn := fake.NewConn()
	conn.Feed(protocol.AppendNotify(nil, addrB))
	tr.Enqueue(conn)
	h, err := c.PtpConnect(context.Background(), addrA, addrB)
	require.NoError(t, err)
	return h, conn
}

func TestPtpConnect(t *testing.T) {
	c, tr := newFakeClient(t)
	h, conn := connectedStream(t, c, tr)
	assert.Equal(t, api.KindPTP, h.Kind)
	assert.Equal(t,
		protocol.AppendInit(nil, protocol.Init{Type: protocol.InitPTPConnect, Src: addrA, Dst: addrB}),
		conn.Sent())
}

func TestPtpConnectRendezvousFailure(t *testing.T) {
	c, tr := newFakeClient(t)
	conn := fake.NewConn()
	conn.ClosePeer()
	tr.Enqueue(conn)

	_, err := c.PtpConnect(context.Background(), addrA, addrB)
	assert.ErrorIs(t, err, api.StatusNetwork)
	assert.True(t, conn.Closed())
	assert.Zero(t, c.Stats()[api.KindPTP].InUse)
}

func TestPtpSendChunks(t *testing.T) {
	c, tr := newFakeClient(t)
	h, conn := connectedStream(t, c, tr)

	payload := bytes.Repeat([]byte{0x5a}, protocol.PTPBlockMax+10)
	require.NoError(t, c.PtpSend(h, payload, false))
	require.NoError(t, c.PtpSend(h, nil, false))

	want := append(ptpFrame(payload[:protocol.PTPBlockMax]), ptpFrame(payload[protocol.PTPBlockMax:])...)
	assert.Equal(t, want, conn.Sent()[protocol.InitLen:])
}

func TestPtpRecvChunkBoundaries(t *testing.T) {
	c, tr := newFakeClient(t)
	h, conn := connectedStream(t, c, tr)
	buf := make([]byte, 4)

	_, err := c.PtpRecv(h, buf, true)
	assert.ErrorIs(t, err, api.StatusWouldBlock)

	conn.Feed(ptpFrame([]byte("abcdef")))
	size, err := c.PtpPeekNextSize(h)
	require.NoError(t, err)
	assert.Equal(t, 6, size)

	n, err := c.PtpRecv(h, buf, false)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))

	size, err = c.PtpPeekNextSize(h)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	n, err = c.PtpRecv(h, buf, true)
	assert.ErrorIs(t, err, api.StatusDataTrunc)
	assert.Equal(t, "ef", string(buf[:n]))

	n, err = c.PtpRecv(h, nil, false)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestPtpAccept(t *testing.T) {
	c, tr := newFakeClient(t)
	lconn := fake.NewConn()
	tr.Enqueue(lconn)
	lh, err := c.PtpListen(context.Background(), addrA)
	require.NoError(t, err)

	_, _, err = c.PtpAccept(context.Background(), lh, true)
	assert.ErrorIs(t, err, api.StatusWouldBlock)

	sconn := fake.NewConn()
	sconn.Feed(protocol.AppendNotify(nil, addrB))
	tr.Enqueue(sconn)
	lconn.Feed(protocol.AppendNotify(nil, addrB))

	h, peer, err := c.PtpAccept(context.Background(), lh, false)
	require.NoError(t, err)
	assert.Equal(t, addrB, peer)
	assert.Equal(t,
		protocol.AppendInit(nil, protocol.Init{Type: protocol.InitPTPAccept, Src: addrA, Dst: addrB}),
		sconn.Sent())

	require.NoError(t, c.PtpClose(h))
	require.NoError(t, c.PtpListenClose(lh))
	_, _, err = c.PtpAccept(context.Background(), lh, true)
	assert.ErrorIs(t, err, api.StatusDead)
}

func TestCloseReleasesEverything(t *testing.T) {
	c, tr := newFakeClient(t)
	ctx := context.Background()
	_, err := c.PdpCreate(ctx, addrA)
	require.NoError(t, err)
	_, err = c.PtpListen(ctx, addrA)
	require.NoError(t, err)
	connectedStream(t, c, tr)

	require.NoError(t, c.Close())
	for _, st := range c.Stats() {
		assert.Zero(t, st.InUse)
	}
	for _, conn := range tr.Dialed() {
		assert.True(t, conn.Closed())
	}
	require.NoError(t, c.Close())

	_, err = c.PdpCreate(ctx, addrA)
	assert.ErrorIs(t, err, api.StatusDead)
}

func TestNewFromConfig(t *testing.T) {
	cfg := control.DefaultConfig()
	cfg.Sessions.PerKind = 3
	c, err := client.NewFromConfig(cfg, client.WithLogger(zerolog.Nop()), client.WithTransport(fake.NewTransport()))
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, 3, c.Stats()[api.KindPTP].Capacity)

	cfg.Transport.Backend = "carrier-pigeon"
	_, err = client.NewFromConfig(cfg)
	assert.Error(t, err)
}

func TestRegisterProbes(t *testing.T) {
	c, _ := newFakeClient(t)
	dp := control.NewDebugProbes()
	c.RegisterProbes(dp)
	state := dp.DumpState()
	assert.Equal(t, "relay.test:27313", state["postoffice.relay"])
	assert.Equal(t, "fake", state["postoffice.transport"])
	assert.Contains(t, state, "sessions.pdp")
}

func TestBindDoesNotStallOtherSessions(t *testing.T) {
	c, tr := newFakeClient(t)
	ctx := context.Background()
	conn := fake.NewConn()
	tr.Enqueue(conn)
	ha, err := c.PdpCreate(ctx, addrA)
	require.NoError(t, err)

	release := tr.Hold()
	defer release()
	created := make(chan error, 1)
	go func() {
		_, err := c.PdpCreate(ctx, addrB)
		created <- err
	}()
	require.Eventually(t, func() bool { return tr.Waiting() == 1 }, time.Second, time.Millisecond)

	ops := make(chan error, 1)
	go func() {
		_, _, err := c.PdpRecv(ha, make([]byte, 8), true)
		if !errors.Is(err, api.StatusWouldBlock) {
			ops <- err
			return
		}
		if _, err := c.PdpPeekNextSize(ha); !errors.Is(err, api.StatusWouldBlock) {
			ops <- err
			return
		}
		ops <- c.PdpSend(ha, addrB, []byte("x"), true)
	}()
	select {
	case err := <-ops:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("operations on a bound session waited for another session's dial")
	}
	assert.Equal(t, 2, c.Stats()[api.KindPDP].InUse)

	release()
	require.NoError(t, <-created)
}

func TestCloseInterruptsDial(t *testing.T) {
	c, tr := newFakeClient(t)
	release := tr.Hold()
	defer release()

	created := make(chan error, 1)
	go func() {
		_, err := c.PtpListen(context.Background(), addrA)
		created <- err
	}()
	require.Eventually(t, func() bool { return tr.Waiting() == 1 }, time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited for the dial timeout")
	}
	assert.ErrorIs(t, <-created, api.StatusDead)
	for _, st := range c.Stats() {
		assert.Zero(t, st.InUse)
	}
	assert.Empty(t, tr.Dialed())
}

func TestFailedBindKeepsPreviousBinding(t *testing.T) {
	c, tr := newFakeClient(t, client.WithSessionsPerKind(2))
	ctx := context.Background()
	conn := fake.NewConn()
	tr.Enqueue(conn)
	h, err := c.PdpCreate(ctx, addrA)
	require.NoError(t, err)

	tr.SetDialError(errors.New("connection refused"))
	_, err = c.PdpCreate(ctx, addrA)
	assert.ErrorIs(t, err, api.StatusNetwork)
	tr.SetDialError(nil)

	_, err = c.PdpCreate(ctx, addrB)
	require.NoError(t, err)
	_, err = c.PdpCreate(ctx, addrA)
	assert.ErrorIs(t, err, api.StatusTableFull)

	require.NoError(t, c.PdpSend(h, addrB, []byte("still bound"), false))
	assert.Equal(t, 2, c.Stats()[api.KindPDP].InUse)
}
