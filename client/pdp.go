// File: client/pdp.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Datagram sessions. Each datagram travels as one relay frame: an address
// header naming the destination (outbound) or source (inbound), then the
// payload.

package client

import (
	"context"

	"github.com/momentics/aemu-postoffice/api"
	"github.com/momentics/aemu-postoffice/internal/session"
	"github.com/momentics/aemu-postoffice/internal/transport"
	"github.com/momentics/aemu-postoffice/protocol"
)

// PdpCreate binds a datagram session to addr. A live datagram session
// already bound to addr is marked dead; its handle stays valid for
// PdpDelete.
func (c *Client) PdpCreate(ctx context.Context, addr api.VirtualAddr) (h api.Handle, err error) {
	defer func() { c.metrics.Op("pdp_create", err) }()
	if c.closed.Load() {
		return api.Handle{}, api.StatusDead
	}

	ctx, cancel := c.dialContext(ctx)
	defer cancel()

	var sess *session.PdpSession
	h, base, err := c.reserve(func(tx *session.Tx) (api.Handle, *session.Base, error) {
		hh, s, err := tx.AllocPDP()
		if err != nil {
			c.log.Warn().Stringer("addr", addr).Msg("no free pdp session slot")
			return hh, nil, err
		}
		sess = s
		return hh, &s.Base, nil
	}, cancel)
	if err != nil {
		return api.Handle{}, err
	}

	conn, derr := c.openRelay(ctx, protocol.Init{Type: protocol.InitPDP, Src: addr}, &sess.Abort)
	err = c.bind(h, base, conn, derr, func(tx *session.Tx) {
		if n := tx.ReplacePDP(addr, h); n > 0 {
			c.metrics.Replaced(api.KindPDP, n)
			c.log.Info().Stringer("addr", addr).Msg("replaced pdp session bound to the same address")
		}
		sess.Addr = addr
	})
	if err != nil {
		return api.Handle{}, err
	}
	c.log.Debug().Stringer("addr", addr).Stringer("handle", h).Msg("created pdp session")
	return h, nil
}

// acquirePDP resolves h and registers an operation on it, so a concurrent
// delete waits for the operation to finish. Only the read side of the
// guard is taken.
func (c *Client) acquirePDP(h api.Handle) (*session.PdpSession, error) {
	return c.store.AcquirePDP(h)
}

// PdpSend delivers payload to dst as a single datagram. With nonBlocking
// set, api.StatusWouldBlock is returned only if nothing was written;
// a started frame is always completed.
func (c *Client) PdpSend(h api.Handle, dst api.VirtualAddr, payload []byte, nonBlocking bool) (err error) {
	defer func() { c.metrics.Op("pdp_send", err) }()
	if len(payload) > protocol.PDPBlockMax {
		return api.StatusInvalidArgument
	}
	sess, err := c.acquirePDP(h)
	if err != nil {
		return err
	}
	defer sess.Leave()
	sess.Sending.Store(true)
	defer sess.Sending.Store(false)

	f := c.pdpFrames.Get(protocol.PDPHeaderLen + len(payload))
	defer c.pdpFrames.Put(f)
	protocol.PutPDPHeader(f.B, dst, uint32(len(payload)))
	copy(f.B[protocol.PDPHeaderLen:], payload)

	n, terr := transport.TransferUntilDone(sess.Conn, f.B, transport.Send, nonBlocking, &sess.Abort)
	if err := c.outcome(&sess.Base, h, n, len(f.B), terr); err != nil {
		return err
	}
	c.metrics.Transferred(api.KindPDP, "tx", len(payload))
	return nil
}

// PdpRecv receives the next datagram into buf and reports its source.
// A datagram larger than buf is truncated: n is len(buf), the rest of the
// datagram is discarded and api.StatusDataTrunc is returned.
func (c *Client) PdpRecv(h api.Handle, buf []byte, nonBlocking bool) (src api.VirtualAddr, n int, err error) {
	defer func() { c.metrics.Op("pdp_recv", err) }()
	sess, err := c.acquirePDP(h)
	if err != nil {
		return api.VirtualAddr{}, 0, err
	}
	defer sess.Leave()
	sess.Recving.Store(true)
	defer sess.Recving.Store(false)

	var hdr [protocol.PDPHeaderLen]byte
	got, terr := transport.TransferUntilDone(sess.Conn, hdr[:], transport.Recv, nonBlocking, &sess.Abort)
	if err := c.outcome(&sess.Base, h, got, len(hdr), terr); err != nil {
		return api.VirtualAddr{}, 0, err
	}
	fh, err := protocol.ParsePDPHeader(hdr[:])
	if err != nil {
		return api.VirtualAddr{}, 0, c.violation(&sess.Base, h, err)
	}
	if err := protocol.CheckSize(fh.Size, protocol.PDPBlockMax); err != nil {
		return api.VirtualAddr{}, 0, c.violation(&sess.Base, h, err)
	}

	body := sess.RecvBuf[:fh.Size]
	if len(body) > 0 {
		got, terr = transport.TransferUntilDone(sess.Conn, body, transport.Recv, false, &sess.Abort)
		if err := c.outcome(&sess.Base, h, got, len(body), terr); err != nil {
			return api.VirtualAddr{}, 0, err
		}
	}

	n = copy(buf, body)
	c.metrics.Transferred(api.KindPDP, "rx", n)
	if n < len(body) {
		return fh.Addr, n, api.StatusDataTrunc
	}
	return fh.Addr, n, nil
}

// PdpPeekNextSize reports the payload size of the next queued datagram
// without consuming it. It never waits: api.StatusWouldBlock means no
// complete header is queued yet.
func (c *Client) PdpPeekNextSize(h api.Handle) (size int, err error) {
	defer func() { c.metrics.Op("pdp_peek", err) }()
	sess, err := c.acquirePDP(h)
	if err != nil {
		return 0, err
	}
	defer sess.Leave()

	var hdr [protocol.PDPHeaderLen]byte
	n, perr := transport.Peek(sess.Conn, hdr[:])
	if perr != nil || n == 0 {
		return 0, c.outcome(&sess.Base, h, n, len(hdr), perr)
	}
	if n < len(hdr) {
		return 0, api.StatusWouldBlock
	}
	fh, err := protocol.ParsePDPHeader(hdr[:])
	if err != nil {
		return 0, c.violation(&sess.Base, h, err)
	}
	return int(fh.Size), nil
}

// PdpDelete closes the datagram session and frees its slot. Transfers
// blocked on the session return api.StatusDead.
func (c *Client) PdpDelete(h api.Handle) (err error) {
	defer func() { c.metrics.Op("pdp_delete", err) }()
	if h.Kind != api.KindPDP {
		return api.StatusInvalidArgument
	}
	return c.teardown(h)
}
