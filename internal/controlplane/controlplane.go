// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package controlplane implements the parent-process supervisor (spec
// §4.7): port acquisition, worker spawn/stop, the flow forwarder, and the
// sync publishers the management API calls into.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/httpflow/interceptor/api/flow"
	"github.com/httpflow/interceptor/internal/metrics"
	"github.com/httpflow/interceptor/internal/observer"
	"github.com/httpflow/interceptor/internal/worker"
)

// PortScanWindow bounds how many ports past the requested one are probed
// before giving up (spec §4.7 "scan P+1..P+100").
const PortScanWindow = 100

// SpawnLivenessWindow is how long Start waits before confirming the worker
// process is still alive (spec §4.7 "~0.5s").
const SpawnLivenessWindow = 500 * time.Millisecond

// ErrNotRunning is returned by the sync publishers when the proxy worker is
// not currently up (spec §4.7 "If the proxy is not running, these return a
// failure indication without enqueuing").
var ErrNotRunning = fmt.Errorf("proxy worker is not running")

// AcquirePort implements spec §4.7's port-acquisition algorithm: probe by
// connect first (something already listening means "in use" without ever
// trying to bind it), then attempt a genuine bind; on failure scan
// requested+1 .. requested+PortScanWindow for the first bindable port.
func AcquirePort(requested int) (int, error) {
	try := func(p int) (int, bool) {
		addr := fmt.Sprintf("127.0.0.1:%d", p)
		if conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond); err == nil {
			conn.Close()
			return 0, false // something is listening: in use.
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return 0, false
		}
		ln.Close()
		return p, true
	}

	if p, ok := try(requested); ok {
		return p, nil
	}
	for p := requested + 1; p <= requested+PortScanWindow; p++ {
		if got, ok := try(p); ok {
			return got, nil
		}
	}
	return 0, fmt.Errorf("no bindable port found in range %d..%d", requested, requested+PortScanWindow)
}

// Supervisor owns the worker handle, the flow forwarder, and the sync
// publishers (spec §4.7). A zero Supervisor is not usable; construct with
// New.
type Supervisor struct {
	logger   *slog.Logger
	observer *observer.FanOut
	metrics  *metrics.Recorder

	mu       sync.Mutex
	handle   *worker.Handle
	port     int
	running  bool
	forwardW sync.WaitGroup
}

// New returns a Supervisor that fans out forwarded flows to fanOut. rec may
// be nil, in which case queue-depth instrumentation is skipped.
func New(logger *slog.Logger, fanOut *observer.FanOut, rec *metrics.Recorder) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger, observer: fanOut, metrics: rec}
}

// Start acquires a port, spawns the worker process re-invoking the current
// binary with workerArgs(port) as its arguments, and launches the flow
// forwarder (spec §4.7 "Spawn" and "Flow forwarder").
func (s *Supervisor) Start(ctx context.Context, requestedPort int, workerArgs func(port int) []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return s.port, nil
	}

	port, err := AcquirePort(requestedPort)
	if err != nil {
		return 0, err
	}

	argv0, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve worker executable: %w", err)
	}

	h, err := worker.Spawn(ctx, argv0, workerArgs(port), SpawnLivenessWindow, s.metrics)
	if err != nil {
		return 0, fmt.Errorf("spawn proxy worker: %w", err)
	}

	s.handle = h
	s.port = port
	s.running = true

	s.forwardW.Add(1)
	go s.forward()

	return port, nil
}

// forward is the flow-forwarder task (spec §4.7 "a long-running task that
// polls the flow queue; on each frame, pass it to H").
func (s *Supervisor) forward() {
	defer s.forwardW.Done()
	for env := range s.handle.Flows() {
		if env == nil {
			return
		}
		if err := s.observer.Broadcast(env); err != nil {
			s.logger.Warn("failed to broadcast flow to observers", slog.Any("error", err))
		}
	}
}

// IsRunning reports whether the worker is currently up: true from a
// successful Start until Stop. It is not cleared when the worker process
// exits on its own.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Port returns the worker's bound port, or 0 if not running.
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// SyncFilter encodes an ADD/UPDATE/DELETE for a single filter and enqueues
// it on the sync queue (spec §4.7 "sync_filter(f, op)").
func (s *Supervisor) SyncFilter(op flow.OperationType, f flow.FilterModel) error {
	return s.publish(&flow.SyncMessage{Operation: op, FiltersData: []flow.FilterModel{f}})
}

// SyncRule encodes an ADD/UPDATE/DELETE for a single rule (spec §4.7
// "sync_rule(r, op)").
func (s *Supervisor) SyncRule(op flow.OperationType, r flow.RuleModel) error {
	return s.publish(&flow.SyncMessage{Operation: op, RulesList: []flow.RuleModel{r}})
}

// FullSync replaces the worker cache's entire contents (spec §4.7
// "full_sync(filters, rules)").
func (s *Supervisor) FullSync(filters []flow.FilterModel, rules []flow.RuleModel) error {
	return s.publish(&flow.SyncMessage{Operation: flow.OpFullSync, FiltersData: filters, RulesList: rules})
}

func (s *Supervisor) publish(msg *flow.SyncMessage) error {
	s.mu.Lock()
	h, running := s.handle, s.running
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	return h.PublishSync(msg)
}

// Stop marks the supervisor stopped, escalates the worker process shutdown,
// and then waits (bounded) for the forwarder to finish (spec §4.7 "Stop").
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	h, running := s.handle, s.running
	s.running = false
	s.port = 0
	s.mu.Unlock()
	if !running {
		return nil
	}

	err := h.Stop(ctx)

	waitDone := make(chan struct{})
	go func() { s.forwardW.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		s.logger.Warn("flow forwarder did not exit within shutdown window")
	}

	return err
}
