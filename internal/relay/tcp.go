// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package relay pipes a client connection to its upstream, applying the
// desync pipeline on the upload path and watching for the 16-32 KB
// stall signature on the download path (spec.md §4.8), plus the UDP
// associate flow table (spec.md §4.9).
package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/waterfallproxy/waterfall5/internal/admin"
	"github.com/waterfallproxy/waterfall5/internal/blockmarker"
	"github.com/waterfallproxy/waterfall5/internal/config"
	"github.com/waterfallproxy/waterfall5/internal/desync"
	"github.com/waterfallproxy/waterfall5/internal/wlog"
)

// ErrStallDetected is surfaced when the upstream→client direction shows
// the 16-32 KB stall signature described in spec.md §4.8.
var ErrStallDetected = errors.New("relay: stall detected in 16-32 KB window")

// TCP copies client<->upstream, transforming the client->upstream
// chunks through pipeline and watching the upstream->client direction
// for a stall.
type TCP struct {
	Snapshot *config.Snapshot
	Pipeline *desync.Pipeline
	Marker   *blockmarker.Set
}

type ioResult struct {
	bytes int64
	err   error
}

// Pipe runs the bidirectional copy until both directions have finished;
// each direction half-closes its sockets when it ends. peerAddr
// identifies the upstream for the block marker.
func (t *TCP) Pipe(client, upstream *net.TCPConn, peerAddr netip.AddrPort) error {
	uploadDone := make(chan ioResult, 1)
	go t.upload(client, upstream, uploadDone)

	downloadErr := t.download(client, upstream, peerAddr)

	up := <-uploadDone
	if downloadErr != nil {
		return downloadErr
	}
	return up.err
}

// upload reads from client, runs each chunk through the desync
// pipeline (which itself performs the write to upstream), and
// half-closes on EOF.
func (t *TCP) upload(client, upstream *net.TCPConn, done chan<- ioResult) {
	defer func() {
		client.CloseRead()
		upstream.CloseWrite()
	}()

	buf := make([]byte, bufferSize(t.Snapshot.SocketRecvSize))
	var total int64
	for {
		n, err := client.Read(buf)
		if n > 0 {
			if perr := t.Pipeline.Run(upstream, buf[:n]); perr != nil {
				done <- ioResult{total, perr}
				return
			}
			admin.AddBytesRelayed("upload", int64(n))
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			done <- ioResult{total, err}
			return
		}
	}
}

// download copies upstream->client verbatim while running the 16-32 KB
// stall detector described in spec.md §4.8.
func (t *TCP) download(client, upstream *net.TCPConn, peerAddr netip.AddrPort) error {
	defer func() {
		upstream.CloseRead()
		client.CloseWrite()
	}()

	state := &stallState{last: time.Now()}
	stopWatch := make(chan struct{})
	stalled := make(chan struct{}, 1)
	go watchForStall(state, t.Snapshot, stopWatch, stalled, func() {
		client.Close()
		upstream.Close()
	})
	defer close(stopWatch)

	buf := make([]byte, bufferSize(t.Snapshot.SocketRecvSize))
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			state.update(uint64(n))
			if _, werr := client.Write(buf[:n]); werr != nil {
				err = werr
			} else {
				admin.AddBytesRelayed("download", int64(n))
			}
		}
		if err != nil {
			select {
			case <-stalled:
				t.Marker.Add(peerAddr)
				admin.IncStallDetected()
				wlog.I("relay: stall detected for %s", peerAddr)
				return fmt.Errorf("%w: %s", ErrStallDetected, peerAddr)
			default:
			}
			if err == io.EOF {
				t.Marker.Remove(peerAddr)
				return nil
			}
			return err
		}
	}
}

func bufferSize(configured int) int {
	if configured <= 0 {
		return 32 * 1024
	}
	return configured
}

// stallState tracks the running byte count and the time of the last
// chunk, matching spec.md §4.8's "transferred" / "last_transmission".
type stallState struct {
	mu          sync.Mutex
	transferred uint64
	last        time.Time
}

func (s *stallState) update(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferred += n
	s.last = time.Now()
}

func (s *stallState) snapshot() (transferred uint64, last time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferred, s.last
}

const (
	stallMinBytesDefault = 1024
	stallMaxBytesDefault = 33 * 1024
	stallIdleDefault     = 3 * time.Second
)

// watchForStall polls state and, once the idle window elapses with the
// byte count in the 16-32 KB band, signals stalled and forces the
// sockets closed so the blocked Read in download returns.
func watchForStall(state *stallState, snap *config.Snapshot, stop <-chan struct{}, stalled chan<- struct{}, forceClose func()) {
	minBytes := uint64(snap.StallMinBytes)
	if minBytes == 0 {
		minBytes = stallMinBytesDefault
	}
	maxBytes := uint64(snap.StallMaxBytes)
	if maxBytes == 0 {
		maxBytes = stallMaxBytesDefault
	}
	idle := time.Duration(snap.StallIdleMS) * time.Millisecond
	if idle <= 0 {
		idle = stallIdleDefault
	}

	ticker := time.NewTicker(idle / 4)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			transferred, last := state.snapshot()
			if time.Since(last) > idle && transferred > minBytes && transferred < maxBytes {
				select {
				case stalled <- struct{}{}:
				default:
				}
				forceClose()
				return
			}
		}
	}
}
