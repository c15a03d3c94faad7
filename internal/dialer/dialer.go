// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dialer builds the outbound connection for a resolved
// destination: either a direct TCP socket with the configured
// low-level options, or a connection chained through an upstream
// SOCKS5 proxy, per spec.md §4.5.
package dialer

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/txthinking/socks5"

	"github.com/waterfallproxy/waterfall5/internal/config"
	"github.com/waterfallproxy/waterfall5/internal/platform"
	"github.com/waterfallproxy/waterfall5/internal/router"
	"github.com/waterfallproxy/waterfall5/internal/wlog"
)

// cutoffBufferSize is the fixed post-handshake size that cutoffBuffers
// shrinks the socket's send and receive buffers to once the
// desync-cutoff delay has passed, per original_source's socket.rs
// cutoff_options (SPEC_FULL.md §10).
const cutoffBufferSize = 16653

// Dial opens an outbound connection to dst, first consulting the
// router's IP-scope decision. sni is the already-located TLS SNI, if
// any, used by if16kb SNI-exempt rules.
func Dial(ctx context.Context, snap *config.Snapshot, rt *router.Router, dst netip.AddrPort, sni string) (net.Conn, error) {
	decision := rt.DecideForTCPConnect(dst, sni)
	if decision.Block {
		return nil, fmt.Errorf("dialer: policy blocked destination %s", dst)
	}
	if decision.Chain {
		return dialChained(ctx, decision.ChainAddr, dst)
	}
	return dialDirect(ctx, snap, dst)
}

// dialDirect builds a plain outbound TCP socket per spec.md §4.5 steps
// 2-5: family selection, optional device bind, buffer sizing,
// TCP_NODELAY/SO_KEEPALIVE, connect.
func dialDirect(ctx context.Context, snap *config.Snapshot, dst netip.AddrPort) (net.Conn, error) {
	iface := snap.Iface4
	if dst.Addr().Is6() {
		iface = snap.Iface6
	}

	bindCtl := platform.Default.BindControl(iface)
	d := net.Dialer{
		Control: func(network, address string, c syscall.RawConn) error {
			if err := platform.Default.RelaxDualStack(network, address, c); err != nil {
				wlog.D("dialer: relax dual-stack on %s: %v", dst, err)
			}
			return bindCtl(network, address, c)
		},
	}
	conn, err := d.DialContext(ctx, "tcp", dst.String())
	if err != nil {
		return nil, fmt.Errorf("dialer: connect %s: %w", dst, err)
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return conn, nil
	}

	if err := tcp.SetNoDelay(true); err != nil {
		wlog.W("dialer: set nodelay on %s: %v", dst, err)
	}
	if err := tcp.SetKeepAlive(true); err != nil {
		wlog.W("dialer: set keepalive on %s: %v", dst, err)
	}
	if err := tcp.SetReadBuffer(snap.SocketRecvSize); err != nil {
		wlog.W("dialer: set recv buffer on %s: %v", dst, err)
	}
	if err := tcp.SetWriteBuffer(snap.SocketSendSize); err != nil {
		wlog.W("dialer: set send buffer on %s: %v", dst, err)
	}

	if snap.DesyncCutoffMS > 0 {
		go cutoffBuffers(tcp, time.Duration(snap.DesyncCutoffMS)*time.Millisecond, dst)
	}

	return tcp, nil
}

func cutoffBuffers(tcp *net.TCPConn, after time.Duration, dst netip.AddrPort) {
	time.Sleep(after)
	if err := tcp.SetReadBuffer(cutoffBufferSize); err != nil {
		wlog.D("dialer: cutoff recv buffer on %s: %v", dst, err)
	}
	if err := tcp.SetWriteBuffer(cutoffBufferSize); err != nil {
		wlog.D("dialer: cutoff send buffer on %s: %v", dst, err)
	}
}

// dialChained opens a TCP connection to the upstream SOCKS5 proxy at
// chainAddr and performs the no-auth handshake and CONNECT request for
// dst, per spec.md §4.5 "Chained SOCKS5 client". The reply is drained
// but not interpreted beyond that.
func dialChained(ctx context.Context, chainAddr string, dst netip.AddrPort) (net.Conn, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", chainAddr)
	if err != nil {
		return nil, fmt.Errorf("dialer: connect upstream socks5 %s: %w", chainAddr, err)
	}

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dialer: write greeting to %s: %w", chainAddr, err)
	}
	br := bufio.NewReader(conn)
	greetingReply := make([]byte, 2)
	if _, err := readFull(br, greetingReply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dialer: read greeting reply from %s: %w", chainAddr, err)
	}

	req, err := connectRequest(dst)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dialer: write connect request to %s: %w", chainAddr, err)
	}
	if err := drainReply(br, dst); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

// connectRequest builds [0x05,0x01,0x00, ATYP, ADDR, PORT_BE].
func connectRequest(dst netip.AddrPort) ([]byte, error) {
	addr := dst.Addr()
	var atyp byte
	var raw []byte
	switch {
	case addr.Is4():
		atyp = socks5.ATYPIPv4
		b := addr.As4()
		raw = b[:]
	case addr.Is6():
		atyp = socks5.ATYPIPv6
		b := addr.As16()
		raw = b[:]
	default:
		return nil, fmt.Errorf("dialer: unsupported address family for %s", dst)
	}

	buf := make([]byte, 0, 4+len(raw)+2)
	buf = append(buf, 0x05, 0x01, 0x00, atyp)
	buf = append(buf, raw...)
	buf = append(buf, byte(dst.Port()>>8), byte(dst.Port()))
	return buf, nil
}

// drainReply reads and discards a SOCKS5 reply's fixed header plus its
// variable-length address field, without interpreting the status.
func drainReply(r *bufio.Reader, dst netip.AddrPort) error {
	head := make([]byte, 4)
	if _, err := readFull(r, head); err != nil {
		return fmt.Errorf("dialer: read reply header for %s: %w", dst, err)
	}
	var addrLen int
	switch head[3] {
	case socks5.ATYPIPv4:
		addrLen = 4
	case socks5.ATYPIPv6:
		addrLen = 16
	case socks5.ATYPDomain:
		lb := make([]byte, 1)
		if _, err := readFull(r, lb); err != nil {
			return fmt.Errorf("dialer: read reply domain length for %s: %w", dst, err)
		}
		addrLen = int(lb[0])
	default:
		return fmt.Errorf("dialer: unknown reply ATYP 0x%02x from upstream for %s", head[3], dst)
	}
	tail := make([]byte, addrLen+2) // address + port
	_, err := readFull(r, tail)
	return err
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := r.Read(buf[n:])
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
