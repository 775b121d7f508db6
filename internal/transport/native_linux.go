// File: internal/transport/native_linux.go
//go:build linux
// +build linux

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux backend over raw non-blocking TCP sockets. Every primitive passes
// MSG_DONTWAIT and maps EAGAIN to api.ErrAgain.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/aemu-postoffice/api"
)

// connectPollMillis bounds one wait for a pending connect so the context is
// re-checked regularly.
const connectPollMillis = 50

type nativeTransport struct {
	log zerolog.Logger
}

func newNativeTransport(log zerolog.Logger) api.Transport {
	return &nativeTransport{log: log}
}

func (t *nativeTransport) Name() string { return string(BackendNative) }

// Dial creates a non-blocking socket with TCP_NODELAY and connects it to addr.
func (t *nativeTransport) Dial(ctx context.Context, addr string) (api.NativeConn, error) {
	sa, family, err := resolveSockaddr(ctx, addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket create: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		t.log.Warn().Err(err).Msg("failed disabling nagle")
	}
	if err := connectFD(ctx, fd, sa); err != nil {
		_ = unix.Close(fd)
		t.log.Debug().Err(err).Str("addr", addr).Msg("connect failed")
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &nativeConn{fd: fd, log: t.log}, nil
}

func resolveSockaddr(ctx context.Context, addr string) (unix.Sockaddr, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, fmt.Errorf("parse relay address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, 0, fmt.Errorf("parse relay port %q: %w", portStr, err)
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, 0, fmt.Errorf("resolve %q: no addresses", host)
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			sa := &unix.SockaddrInet4{Port: int(port)}
			copy(sa.Addr[:], ip4)
			return sa, unix.AF_INET, nil
		}
	}
	sa := &unix.SockaddrInet6{Port: int(port)}
	copy(sa.Addr[:], ips[0].To16())
	return sa, unix.AF_INET6, nil
}

// connectFD drives a non-blocking connect to completion or ctx expiry.
func connectFD(ctx context.Context, fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EINTR) {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, err := pollWait(ctx)
		if err != nil {
			return err
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, wait)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soErr != 0 {
			return syscall.Errno(soErr)
		}
		return nil
	}
}

// pollWait bounds one connect poll by the time left before ctx's deadline.
// A deadline already passed ends the connect even before ctx reports it.
func pollWait(ctx context.Context) (int, error) {
	wait := connectPollMillis
	dl, ok := ctx.Deadline()
	if !ok {
		return wait, nil
	}
	left := time.Until(dl)
	if left <= 0 {
		return 0, context.DeadlineExceeded
	}
	if left < time.Duration(wait)*time.Millisecond {
		wait = int(left/time.Millisecond) + 1
	}
	return wait, nil
}

type nativeConn struct {
	fd        int
	log       zerolog.Logger
	closeOnce sync.Once
	closeErr  error
}

func (c *nativeConn) TrySend(p []byte) (int, error) {
	n, err := unix.SendmsgN(c.fd, p, nil, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
	return c.result(n, err, Send)
}

func (c *nativeConn) TryRecv(p []byte) (int, error) {
	n, _, err := unix.Recvfrom(c.fd, p, unix.MSG_DONTWAIT)
	return c.result(n, err, Recv)
}

func (c *nativeConn) Peek(p []byte) (int, error) {
	n, _, err := unix.Recvfrom(c.fd, p, unix.MSG_DONTWAIT|unix.MSG_PEEK)
	return c.result(n, err, Recv)
}

func (c *nativeConn) result(n int, err error, dir Direction) (int, error) {
	if err == nil {
		return n, nil
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
		return 0, api.ErrAgain
	}
	c.log.Debug().Err(err).Int("fd", c.fd).Stringer("dir", dir).Msg("native socket error")
	return 0, fmt.Errorf("native %s: %w", dir, err)
}

func (c *nativeConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = unix.Close(c.fd)
	})
	return c.closeErr
}
