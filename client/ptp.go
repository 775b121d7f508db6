// File: client/ptp.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stream sessions. A listener learns about connecting peers from relay
// notifications; both ends of a stream open their own relay connection and
// the relay pairs them. Payload travels as length-prefixed chunks.

package client

import (
	"context"
	"errors"

	"github.com/momentics/aemu-postoffice/api"
	"github.com/momentics/aemu-postoffice/internal/session"
	"github.com/momentics/aemu-postoffice/internal/transport"
	"github.com/momentics/aemu-postoffice/protocol"
)

// PtpListen binds a stream listener to addr. A live listener already bound
// to addr is marked dead.
func (c *Client) PtpListen(ctx context.Context, addr api.VirtualAddr) (h api.Handle, err error) {
	defer func() { c.metrics.Op("ptp_listen", err) }()
	if c.closed.Load() {
		return api.Handle{}, api.StatusDead
	}

	ctx, cancel := c.dialContext(ctx)
	defer cancel()

	var sess *session.ListenSession
	h, base, err := c.reserve(func(tx *session.Tx) (api.Handle, *session.Base, error) {
		hh, s, err := tx.AllocListen()
		if err != nil {
			c.log.Warn().Stringer("addr", addr).Msg("no free ptp listen session slot")
			return hh, nil, err
		}
		sess = s
		return hh, &s.Base, nil
	}, cancel)
	if err != nil {
		return api.Handle{}, err
	}

	conn, derr := c.openRelay(ctx, protocol.Init{Type: protocol.InitPTPListen, Src: addr}, &sess.Abort)
	err = c.bind(h, base, conn, derr, func(tx *session.Tx) {
		if n := tx.ReplaceListen(addr, h); n > 0 {
			c.metrics.Replaced(api.KindPTPListen, n)
			c.log.Info().Stringer("addr", addr).Msg("replaced ptp listener bound to the same address")
		}
		sess.Addr = addr
	})
	if err != nil {
		return api.Handle{}, err
	}
	c.log.Debug().Stringer("addr", addr).Stringer("handle", h).Msg("created ptp listen session")
	return h, nil
}

// PtpAccept waits for the next connecting peer on listener lh and opens
// the accepting end of the stream. With nonBlocking set and no peer
// pending, api.StatusWouldBlock is returned.
func (c *Client) PtpAccept(ctx context.Context, lh api.Handle, nonBlocking bool) (h api.Handle, peer api.VirtualAddr, err error) {
	defer func() { c.metrics.Op("ptp_accept", err) }()

	ls, err := c.store.AcquireListen(lh)
	if err != nil {
		return api.Handle{}, api.VirtualAddr{}, err
	}

	local, peer, err := c.awaitPeer(ls, lh, nonBlocking)
	if err != nil {
		return api.Handle{}, api.VirtualAddr{}, err
	}

	h, _, err = c.openStream(ctx, protocol.Init{Type: protocol.InitPTPAccept, Src: local, Dst: peer})
	if err != nil {
		return api.Handle{}, api.VirtualAddr{}, err
	}
	c.log.Debug().Stringer("local", local).Stringer("peer", peer).Stringer("handle", h).Msg("accepted ptp session")
	return h, peer, nil
}

// awaitPeer reads the next rendezvous notification from the listener. The
// listener is released before the stream is opened so closing it does not
// wait for the rendezvous.
func (c *Client) awaitPeer(ls *session.ListenSession, lh api.Handle, nonBlocking bool) (local, peer api.VirtualAddr, err error) {
	defer ls.Leave()
	ls.Accepting.Store(true)
	defer ls.Accepting.Store(false)

	n, terr := transport.TransferUntilDone(ls.Conn, ls.Pending[:], transport.Recv, nonBlocking, &ls.Abort)
	if err := c.outcome(&ls.Base, lh, n, len(ls.Pending), terr); err != nil {
		return local, peer, err
	}
	peer, err = protocol.ParseNotify(ls.Pending[:])
	if err != nil {
		return local, peer, c.violation(&ls.Base, lh, err)
	}
	return ls.Addr, peer, nil
}

// PtpConnect opens a stream from local to the listener at remote and waits
// until the remote side accepts it.
func (c *Client) PtpConnect(ctx context.Context, local, remote api.VirtualAddr) (h api.Handle, err error) {
	defer func() { c.metrics.Op("ptp_connect", err) }()
	h, _, err = c.openStream(ctx, protocol.Init{Type: protocol.InitPTPConnect, Src: local, Dst: remote})
	if err != nil {
		return api.Handle{}, err
	}
	c.log.Debug().Stringer("local", local).Stringer("remote", remote).Stringer("handle", h).Msg("connected ptp session")
	return h, nil
}

// openStream reserves a stream slot, opens its relay connection outside
// the guard, binds it, then waits for the relay to pair it.
func (c *Client) openStream(ctx context.Context, init protocol.Init) (api.Handle, api.VirtualAddr, error) {
	if c.closed.Load() {
		return api.Handle{}, api.VirtualAddr{}, api.StatusDead
	}
	ctx, cancel := c.dialContext(ctx)
	defer cancel()

	var sess *session.PtpSession
	h, base, err := c.reserve(func(tx *session.Tx) (api.Handle, *session.Base, error) {
		hh, s, err := tx.AllocPTP()
		if err != nil {
			c.log.Warn().Stringer("local", init.Src).Stringer("peer", init.Dst).Msg("no free ptp session slot")
			return hh, nil, err
		}
		sess = s
		return hh, &s.Base, nil
	}, cancel)
	if err != nil {
		return api.Handle{}, api.VirtualAddr{}, err
	}

	accepted := init.Type == protocol.InitPTPAccept
	conn, derr := c.openRelay(ctx, init, &sess.Abort)
	err = c.bind(h, base, conn, derr, func(tx *session.Tx) {
		if n := tx.ReplacePTP(init.Src, init.Dst, accepted, h); n > 0 {
			c.metrics.Replaced(api.KindPTP, n)
			c.log.Info().Stringer("local", init.Src).Stringer("peer", init.Dst).Msg("replaced ptp session between the same endpoints")
		}
		sess.Local = init.Src
		sess.Peer = init.Dst
		sess.Accepted = accepted
		// held across the rendezvous below
		sess.Enter()
	})
	if err != nil {
		return api.Handle{}, api.VirtualAddr{}, err
	}

	var note [protocol.NotifyLen]byte
	n, terr := transport.TransferUntilDone(sess.Conn, note[:], transport.Recv, false, &sess.Abort)
	sess.Leave()
	if terr != nil || n != len(note) {
		c.log.Warn().Err(terr).Stringer("type", init.Type).Stringer("local", init.Src).Stringer("peer", init.Dst).
			Msg("relay did not complete ptp rendezvous")
		_ = c.teardown(h)
		if errors.Is(terr, api.StatusAborted) {
			return api.Handle{}, api.VirtualAddr{}, api.StatusDead
		}
		return api.Handle{}, api.VirtualAddr{}, api.StatusNetwork
	}
	confirmed, _ := protocol.ParseNotify(note[:])
	return h, confirmed, nil
}

// acquirePTP resolves h and registers an operation on it.
func (c *Client) acquirePTP(h api.Handle) (*session.PtpSession, error) {
	return c.store.AcquirePTP(h)
}

// PtpSend writes p to the stream. Payloads above the relay chunk limit are
// split across several chunks. With nonBlocking set, api.StatusWouldBlock
// is returned only if nothing was written.
func (c *Client) PtpSend(h api.Handle, p []byte, nonBlocking bool) (err error) {
	defer func() { c.metrics.Op("ptp_send", err) }()
	sess, err := c.acquirePTP(h)
	if err != nil {
		return err
	}
	defer sess.Leave()
	sess.Sending.Store(true)
	defer sess.Sending.Store(false)

	for off := 0; off < len(p); {
		chunk := min(len(p)-off, protocol.PTPBlockMax)
		f := c.ptpFrames.Get(protocol.PTPHeaderLen + chunk)
		protocol.PutPTPHeader(f.B, uint32(chunk))
		copy(f.B[protocol.PTPHeaderLen:], p[off:off+chunk])

		n, terr := transport.TransferUntilDone(sess.Conn, f.B, transport.Send, nonBlocking && off == 0, &sess.Abort)
		want := len(f.B)
		c.ptpFrames.Put(f)
		if err := c.outcome(&sess.Base, h, n, want, terr); err != nil {
			return err
		}
		off += chunk
	}
	c.metrics.Transferred(api.KindPTP, "tx", len(p))
	return nil
}

// PtpRecv reads stream data into buf. Data is delivered from one relay
// chunk at a time: when the buffered chunk holds fewer bytes than
// requested, it is drained and api.StatusDataTrunc is returned with the
// bytes copied.
func (c *Client) PtpRecv(h api.Handle, buf []byte, nonBlocking bool) (n int, err error) {
	defer func() { c.metrics.Op("ptp_recv", err) }()
	sess, err := c.acquirePTP(h)
	if err != nil {
		return 0, err
	}
	defer sess.Leave()
	sess.Recving.Store(true)
	defer sess.Recving.Store(false)

	if len(buf) == 0 {
		return 0, nil
	}

	if sess.Outstanding() == 0 {
		var hdr [protocol.PTPHeaderLen]byte
		got, terr := transport.TransferUntilDone(sess.Conn, hdr[:], transport.Recv, nonBlocking, &sess.Abort)
		if err := c.outcome(&sess.Base, h, got, len(hdr), terr); err != nil {
			return 0, err
		}
		size, err := protocol.ParsePTPHeader(hdr[:])
		if err != nil {
			return 0, c.violation(&sess.Base, h, err)
		}
		if err := protocol.CheckSize(size, protocol.PTPBlockMax); err != nil {
			return 0, c.violation(&sess.Base, h, err)
		}
		if size > 0 {
			body := sess.RecvBuf[:size]
			got, terr = transport.TransferUntilDone(sess.Conn, body, transport.Recv, false, &sess.Abort)
			if err := c.outcome(&sess.Base, h, got, len(body), terr); err != nil {
				return 0, err
			}
		}
		sess.OutstandingSize = int(size)
		sess.OutstandingOffset = 0
	}

	n = copy(buf, sess.RecvBuf[sess.OutstandingOffset:sess.OutstandingSize])
	sess.OutstandingOffset += n
	if sess.OutstandingOffset == sess.OutstandingSize {
		sess.OutstandingSize = 0
		sess.OutstandingOffset = 0
	}
	c.metrics.Transferred(api.KindPTP, "rx", n)
	if n < len(buf) {
		return n, api.StatusDataTrunc
	}
	return n, nil
}

// PtpPeekNextSize reports how many bytes the next PtpRecv can deliver
// without consuming anything. It never waits.
func (c *Client) PtpPeekNextSize(h api.Handle) (size int, err error) {
	defer func() { c.metrics.Op("ptp_peek", err) }()
	sess, err := c.acquirePTP(h)
	if err != nil {
		return 0, err
	}
	defer sess.Leave()

	if rest := sess.Outstanding(); rest > 0 {
		return rest, nil
	}
	var hdr [protocol.PTPHeaderLen]byte
	n, perr := transport.Peek(sess.Conn, hdr[:])
	if perr != nil || n == 0 {
		return 0, c.outcome(&sess.Base, h, n, len(hdr), perr)
	}
	if n < len(hdr) {
		return 0, api.StatusWouldBlock
	}
	chunk, err := protocol.ParsePTPHeader(hdr[:])
	if err != nil {
		return 0, c.violation(&sess.Base, h, err)
	}
	return int(chunk), nil
}

// PtpClose closes an established stream and frees its slot.
func (c *Client) PtpClose(h api.Handle) (err error) {
	defer func() { c.metrics.Op("ptp_close", err) }()
	if h.Kind != api.KindPTP {
		return api.StatusInvalidArgument
	}
	return c.teardown(h)
}

// PtpListenClose closes a listener and frees its slot. A blocked
// PtpAccept returns api.StatusDead.
func (c *Client) PtpListenClose(h api.Handle) (err error) {
	defer func() { c.metrics.Op("ptp_listen_close", err) }()
	if h.Kind != api.KindPTPListen {
		return api.StatusInvalidArgument
	}
	return c.teardown(h)
}
