// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package observer implements the observer fan-out (spec §4.8): a set of
// connected binary observer connections that every flow and server event
// envelope is broadcast to. No ecosystem library in the retrieved corpus
// models this bespoke framing (no full example repo or standalone file
// imports a websocket library), so the channel reuses the same
// length-prefixed envelope codec required for the worker's pipes (internal/codec),
// carried over a plain TCP connection instead of stdin/stdout.
package observer

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/httpflow/interceptor/api/flow"
	"github.com/httpflow/interceptor/internal/codec"
	"github.com/httpflow/interceptor/internal/metrics"
)

// pongFrame is the fixed JSON reply to a keepalive ping. It never varies, so
// it is precomputed rather than marshaled on every pong.
var pongFrame = []byte(`{"type":"pong"}` + "\n")

// pingLine is the application-level keepalive an observer sends as a bare
// text line (grounded on the Python original's WebSocket keepalive in
// backend/services/ws.py).
const pingLine = "ping"

// Conn is one accepted observer connection.
type Conn struct {
	id      int64
	nc      net.Conn
	writeMu sync.Mutex
}

func (c *Conn) send(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(raw)
	return err
}

func (c *Conn) sendPong() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(pongFrame)
	return err
}

// FanOut maintains the accepted-connection list and implements broadcast
// with per-connection failure isolation (spec §4.8 "Any send error removes
// that connection; other observers are unaffected").
type FanOut struct {
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu     sync.RWMutex
	conns  map[int64]*Conn
	nextID int64
}

// New returns an empty FanOut. rec may be nil, in which case observer-count
// instrumentation is skipped.
func New(logger *slog.Logger, rec *metrics.Recorder) *FanOut {
	if logger == nil {
		logger = slog.Default()
	}
	return &FanOut{logger: logger, metrics: rec, conns: make(map[int64]*Conn)}
}

// Connect accepts the handshake on nc and appends it to the roster (spec
// §4.8 "connect(c): accept the handshake, append"). It starts a per-connection
// reader goroutine that answers keepalive pings and detects disconnects.
func (f *FanOut) Connect(nc net.Conn) *Conn {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	c := &Conn{id: id, nc: nc}
	f.conns[id] = c
	count := len(f.conns)
	f.mu.Unlock()
	f.metrics.SetObserverCount(count)

	go f.readLoop(c)
	return c
}

func (f *FanOut) readLoop(c *Conn) {
	defer f.Disconnect(c)
	r := bufio.NewReader(c.nc)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if strings.TrimSpace(line) == pingLine {
			if err := c.sendPong(); err != nil {
				return
			}
		}
	}
}

// Disconnect idempotently removes c from the roster (spec §4.8
// "disconnect(c): idempotent remove").
func (f *FanOut) Disconnect(c *Conn) {
	f.mu.Lock()
	_, existed := f.conns[c.id]
	delete(f.conns, c.id)
	count := len(f.conns)
	f.mu.Unlock()
	if existed {
		f.metrics.SetObserverCount(count)
		_ = c.nc.Close()
	}
}

// Broadcast encodes env once and sends it to a snapshot of the current
// roster (spec §4.8 "iterate over a snapshot of the connection list"). Any
// connection whose send fails is removed; it does not affect delivery to the
// rest of the roster.
func (f *FanOut) Broadcast(env *flow.Envelope) error {
	raw, err := codec.EncodeEnvelope(env)
	if err != nil {
		return err
	}

	f.mu.RLock()
	snapshot := make([]*Conn, 0, len(f.conns))
	for _, c := range f.conns {
		snapshot = append(snapshot, c)
	}
	f.mu.RUnlock()

	for _, c := range snapshot {
		if err := c.send(raw); err != nil {
			f.logger.Debug("removing observer after failed send", slog.Int64("conn_id", c.id), slog.Any("error", err))
			f.Disconnect(c)
		}
	}
	return nil
}

// Count reports the current roster size. The observer-count metric is set
// separately, by Connect and Disconnect.
func (f *FanOut) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.conns)
}

// Serve accepts connections on ln until it is closed, registering each with
// f. It returns nil on a clean listener close.
func (f *FanOut) Serve(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		f.Connect(nc)
	}
}
