// File: cmd/postoffice-probe/scenario.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// End-to-end relay checks: datagram replacement and routing, then stream
// rendezvous in both directions with chunked and byte-wise delivery.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/aemu-postoffice/api"
	"github.com/momentics/aemu-postoffice/client"
)

var (
	macA = api.MAC{0xaa, 0xbb, 0xcc, 0x11, 0x22, 0x33}
	macB = api.MAC{0xbb, 0xcc, 0xdd, 0x11, 0x22, 0x33}
	macC = api.MAC{0xcc, 0xdd, 0xee, 0x11, 0x22, 0x33}
)

const (
	portA = 12345
	portB = 23456
	portC = 34567
)

var testData = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

// probe drives one client through the checks. settle gives the relay time
// to register freshly opened sessions.
type probe struct {
	c      *client.Client
	log    zerolog.Logger
	settle time.Duration
	rounds int
}

func (p *probe) pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.settle):
		return nil
	}
}

func expect(err error, want api.Status, what string) error {
	if api.StatusOf(err) != want {
		return fmt.Errorf("%s: got %s, want %s", what, api.StatusOf(err), want)
	}
	return nil
}

func (p *probe) runPDP(ctx context.Context) error {
	a, b, c := api.Addr(macA, portA), api.Addr(macB, portB), api.Addr(macC, portC)

	replaced, err := p.c.PdpCreate(ctx, a)
	if err != nil {
		return fmt.Errorf("create pdp a: %w", err)
	}
	if err := p.pause(ctx); err != nil {
		return err
	}
	ha, err := p.c.PdpCreate(ctx, a)
	if err != nil {
		return fmt.Errorf("create pdp a again: %w", err)
	}
	defer p.c.PdpDelete(ha)
	_, _, err = p.c.PdpRecv(replaced, nil, false)
	if err := expect(err, api.StatusDead, "receive on replaced session"); err != nil {
		return err
	}
	if err := p.c.PdpDelete(replaced); err != nil {
		return fmt.Errorf("delete replaced session: %w", err)
	}

	hb, err := p.c.PdpCreate(ctx, b)
	if err != nil {
		return fmt.Errorf("create pdp b: %w", err)
	}
	defer p.c.PdpDelete(hb)
	hc, err := p.c.PdpCreate(ctx, c)
	if err != nil {
		return fmt.Errorf("create pdp c: %w", err)
	}
	defer p.c.PdpDelete(hc)
	if err := p.pause(ctx); err != nil {
		return err
	}

	if err := p.c.PdpSend(ha, b, testData, false); err != nil {
		return fmt.Errorf("send a to b: %w", err)
	}
	if err := p.c.PdpSend(hb, c, testData, false); err != nil {
		return fmt.Errorf("send b to c: %w", err)
	}
	if err := p.pause(ctx); err != nil {
		return err
	}

	size, err := p.c.PdpPeekNextSize(hb)
	if err != nil || size != len(testData) {
		return fmt.Errorf("peek on b: size %d, err %v", size, err)
	}
	for _, step := range []struct {
		name string
		h    api.Handle
		from api.VirtualAddr
	}{{"a to b", hb, a}, {"b to c", hc, b}} {
		if err := p.recvPDP(step.h, step.from, step.name); err != nil {
			return err
		}
	}

	if err := p.c.PdpSend(ha, c, testData, false); err != nil {
		return fmt.Errorf("send a to c: %w", err)
	}
	if err := p.recvPDP(hc, a, "a to c"); err != nil {
		return err
	}

	_, _, err = p.c.PdpRecv(ha, make([]byte, len(testData)), true)
	if err := expect(err, api.StatusWouldBlock, "non-blocking receive on idle a"); err != nil {
		return err
	}
	if err := p.c.PdpSend(hc, a, testData, true); err != nil {
		return fmt.Errorf("non-blocking send c to a: %w", err)
	}
	if err := p.recvPDP(ha, c, "c to a"); err != nil {
		return err
	}
	p.log.Info().Msg("pdp checks passed")
	return nil
}

func (p *probe) recvPDP(h api.Handle, from api.VirtualAddr, what string) error {
	buf := make([]byte, len(testData))
	src, n, err := p.c.PdpRecv(h, buf, false)
	if err != nil {
		return fmt.Errorf("receive %s: %w", what, err)
	}
	if src != from || !bytes.Equal(buf[:n], testData) {
		return fmt.Errorf("receive %s: got %d bytes from %s", what, n, src)
	}
	return nil
}

type acceptResult struct {
	h    api.Handle
	peer api.VirtualAddr
	err  error
}

func (p *probe) runPTP(ctx context.Context) error {
	a, b := api.Addr(macA, portA), api.Addr(macB, portB)

	la, err := p.c.PtpListen(ctx, a)
	if err != nil {
		return fmt.Errorf("listen a: %w", err)
	}
	lb, err := p.c.PtpListen(ctx, b)
	if err != nil {
		_ = p.c.PtpListenClose(la)
		return fmt.Errorf("listen b: %w", err)
	}
	defer func() {
		_ = p.c.PtpListenClose(la)
		_ = p.c.PtpListenClose(lb)
	}()
	if err := p.pause(ctx); err != nil {
		return err
	}

	for _, l := range []api.Handle{la, lb} {
		_, _, err := p.c.PtpAccept(ctx, l, true)
		if err := expect(err, api.StatusWouldBlock, "non-blocking accept"); err != nil {
			return err
		}
	}

	accepts := make([]chan acceptResult, 2)
	for i, l := range []api.Handle{la, lb} {
		accepts[i] = make(chan acceptResult, 1)
		go func(l api.Handle, out chan<- acceptResult) {
			h, peer, err := p.c.PtpAccept(ctx, l, false)
			out <- acceptResult{h, peer, err}
		}(l, accepts[i])
	}
	if err := p.pause(ctx); err != nil {
		return err
	}

	aToB, err := p.c.PtpConnect(ctx, a, b)
	if err != nil {
		return fmt.Errorf("connect a to b: %w", err)
	}
	bToA, err := p.c.PtpConnect(ctx, b, a)
	if err != nil {
		return fmt.Errorf("connect b to a: %w", err)
	}

	var acc [2]acceptResult
	for i := range accepts {
		select {
		case acc[i] = <-accepts[i]:
		case <-ctx.Done():
			return ctx.Err()
		}
		if acc[i].err != nil {
			return fmt.Errorf("accept: %w", acc[i].err)
		}
	}
	acceptA, acceptB := acc[0].h, acc[1].h
	if acc[0].peer != b || acc[1].peer != a {
		return fmt.Errorf("accepted peers %s and %s", acc[0].peer, acc[1].peer)
	}

	for _, h := range []api.Handle{acceptA, acceptB} {
		_, err := p.c.PtpRecv(h, make([]byte, len(testData)), true)
		if err := expect(err, api.StatusWouldBlock, "non-blocking receive on idle stream"); err != nil {
			return err
		}
	}

	for round := 0; round < p.rounds; round++ {
		if err := p.streamRound(ctx, acceptA, acceptB, aToB, bToA); err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
	}

	for _, h := range []api.Handle{aToB, bToA, acceptA, acceptB} {
		if err := p.c.PtpClose(h); err != nil {
			return fmt.Errorf("close %s: %w", h, err)
		}
	}
	p.log.Info().Int("rounds", p.rounds).Msg("ptp checks passed")
	return nil
}

func (p *probe) streamRound(ctx context.Context, acceptA, acceptB, aToB, bToA api.Handle) error {
	buf := make([]byte, len(testData))
	exchange := func(from, to api.Handle, what string, peek bool) error {
		if err := p.c.PtpSend(from, testData, false); err != nil {
			return fmt.Errorf("send %s: %w", what, err)
		}
		if peek {
			if err := p.pause(ctx); err != nil {
				return err
			}
			size, err := p.c.PtpPeekNextSize(to)
			if err != nil || size != len(testData) {
				return fmt.Errorf("peek %s: size %d, err %v", what, size, err)
			}
		}
		n, err := p.c.PtpRecv(to, buf, false)
		if err != nil || !bytes.Equal(buf[:n], testData) {
			return fmt.Errorf("receive %s: %d bytes, err %v", what, n, err)
		}
		return nil
	}
	if err := exchange(acceptA, bToA, "accept a to b_to_a", false); err != nil {
		return err
	}
	if err := exchange(bToA, acceptA, "b_to_a to accept a", true); err != nil {
		return err
	}
	if err := exchange(acceptB, aToB, "accept b to a_to_b", false); err != nil {
		return err
	}

	if err := p.c.PtpSend(aToB, testData, false); err != nil {
		return fmt.Errorf("send a_to_b to accept b: %w", err)
	}
	one := make([]byte, 1)
	for i, want := range testData {
		n, err := p.c.PtpRecv(acceptB, one, false)
		if err != nil && !errors.Is(err, api.StatusDataTrunc) {
			return fmt.Errorf("receive byte %d: %w", i, err)
		}
		if n != 1 || one[0] != want {
			return fmt.Errorf("receive byte %d: got %d bytes, value %d", i, n, one[0])
		}
	}
	return nil
}
