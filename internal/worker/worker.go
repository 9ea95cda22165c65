// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package worker implements the proxy worker process (spec §4.6): the
// OS-level isolated process that hosts the interceptor engine and drains
// sync updates from the control plane. Since Go has no fork(), isolation is
// achieved by re-executing the current binary under a hidden subcommand
// (cmd/interceptord wires this up) and exchanging codec-framed envelopes
// over the child's stdin/stdout pipes — the Go-idiomatic analogue of the
// original's multiprocessing.Process plus SimpleQueue pair.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/httpflow/interceptor/api/flow"
	"github.com/httpflow/interceptor/internal/cache"
	"github.com/httpflow/interceptor/internal/codec"
	"github.com/httpflow/interceptor/internal/interceptor"
	"github.com/httpflow/interceptor/internal/metrics"
)

// QueueCapacity bounds both the sync queue and the flow queue (spec §4.6
// "bounded, single-producer/single-consumer, FIFO"). A full flow queue
// blocks the worker's enqueue, the intended backpressure against a slow
// parent (spec §5 "Queues are bounded").
const QueueCapacity = 256

// Handle is the control plane's view of a running worker: the two pipe ends
// plus the child process itself.
type Handle struct {
	cmd        *exec.Cmd
	syncWriter io.WriteCloser
	flowReader io.ReadCloser

	flowCh chan *flow.Envelope
	syncCh chan *flow.Envelope
	done   chan struct{}
	stop   sync.Once // guards closing done exactly once, from Stop

	stopMu  sync.Mutex
	port    atomic.Int32
	metrics *metrics.Recorder
}

// Spawn starts the worker as a child process re-invoking argv0 with the
// given args (e.g. []string{"--internal-worker-port=8080", "--internal-worker-management-port=8800"}),
// wiring its stdin/stdout as the sync and flow queues. It waits up to
// livenessWindow to confirm the child is still alive (spec §4.7 "wait a
// short bounded time (~0.5s) and verify the process is alive"). rec may be
// nil, in which case queue-depth instrumentation is skipped.
func Spawn(ctx context.Context, argv0 string, args []string, livenessWindow time.Duration, rec *metrics.Recorder) (*Handle, error) {
	cmd := exec.CommandContext(ctx, argv0, args...)
	syncWriter, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("attach sync queue pipe: %w", err)
	}
	flowReader, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attach flow queue pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker process: %w", err)
	}

	h := &Handle{
		cmd:        cmd,
		syncWriter: syncWriter,
		flowReader: flowReader,
		flowCh:     make(chan *flow.Envelope, QueueCapacity),
		syncCh:     make(chan *flow.Envelope, QueueCapacity),
		done:       make(chan struct{}),
		metrics:    rec,
	}
	go h.pumpFlowQueue()
	go h.pumpSyncQueue()

	timer := time.NewTimer(livenessWindow)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		_ = h.Stop(context.Background())
		return nil, ctx.Err()
	}
	if cmd.ProcessState != nil {
		return nil, fmt.Errorf("worker process exited during startup")
	}
	return h, nil
}

// pumpFlowQueue decodes envelopes from the child's stdout and feeds them
// into the bounded in-process channel that the control plane's flow
// forwarder drains via Flows.
func (h *Handle) pumpFlowQueue() {
	defer close(h.flowCh)
	r := bufio.NewReaderSize(h.flowReader, 64*1024)
	for {
		env, err := codec.DecodeEnvelope(r)
		if err != nil {
			return
		}
		if env.DataType == flow.DataTypeServerEvent && env.ServerEvent != nil {
			h.SetPort(env.ServerEvent.Port)
		}
		h.flowCh <- env
		h.metrics.SetFlowQueueDepth(len(h.flowCh))
	}
}

// pumpSyncQueue drains syncCh and writes each envelope to the child's stdin,
// fronting the pipe with the same bounded-channel backpressure discipline as
// the flow side (spec §4.6 "bounded, single-producer/single-consumer"). It
// exits once Stop closes h.done, at which point it closes the child's stdin
// (the graceful-shutdown signal) exactly once.
func (h *Handle) pumpSyncQueue() {
	defer h.syncWriter.Close()
	for {
		select {
		case env := <-h.syncCh:
			raw, err := codec.EncodeEnvelope(env)
			if err != nil {
				continue
			}
			_, _ = h.syncWriter.Write(raw)
			h.metrics.SetSyncQueueDepth(len(h.syncCh))
		case <-h.done:
			return
		}
	}
}

// PublishSync encodes and enqueues a SyncMessage on the sync queue. It
// returns an error rather than blocking forever if the worker has gone away
// (spec §4.7 "If the proxy is not running, these return a failure
// indication without enqueuing").
func (h *Handle) PublishSync(msg *flow.SyncMessage) error {
	env := &flow.Envelope{Type: "sync", DataType: flow.DataTypeSyncMessage, Sync: msg}
	select {
	case h.syncCh <- env:
		h.metrics.SetSyncQueueDepth(len(h.syncCh))
		return nil
	case <-h.done:
		return fmt.Errorf("worker is stopping")
	}
}

// Flows returns the channel the forwarder (component G) ranges over; it is
// closed once the worker's flow pipe is exhausted.
func (h *Handle) Flows() <-chan *flow.Envelope { return h.flowCh }

// Port reports the worker's bound listening port, set once the worker's
// first ServerEvent frame is observed by the control plane.
func (h *Handle) Port() int32     { return h.port.Load() }
func (h *Handle) SetPort(p int32) { h.port.Store(p) }

// Stop escalates graceful -> terminate -> kill, each with a bounded wait
// (spec §4.7 "ask the worker process to stop (graceful -> terminate ->
// kill escalation with bounded waits)"). Once ctx is done, the remaining
// graceful and terminate waits are cut short.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopMu.Lock()
	defer h.stopMu.Unlock()

	h.stop.Do(func() { close(h.done) })

	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}

	_ = h.cmd.Process.Signal(terminateSignal())
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}

	_ = h.cmd.Process.Kill()
	return <-done
}

// Run is the worker-side entry point invoked from the re-exec'd child
// process (spec §4.6's lifecycle). managementPort is the control plane's own
// listen port, threaded through so the exclusion predicate self-excludes the
// real management API rather than the proxy's own port (spec §4.5, §9's
// "hardcoded management port" open question). It blocks until the parent
// closes the sync pipe or ctx is canceled. rec instruments the interceptor
// engine that runs inside this process; since the worker is a separate OS
// process from the management plane, rec is local to the worker and is not
// the same *metrics.Recorder instance the management API's /metrics serves
// (see DESIGN.md's metrics entry).
func Run(ctx context.Context, logger *slog.Logger, port, managementPort int, out io.Writer, in io.Reader, rec *metrics.Recorder) error {
	if logger == nil {
		logger = slog.Default()
	}
	c := cache.New(logger)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("bind proxy listener: %w", err)
	}
	defer ln.Close()

	writeMu := &sync.Mutex{}
	emit := &pipeEmitter{out: out, mu: writeMu, logger: logger}

	if err := emit.emitServerEvent("started", int32(port)); err != nil {
		return fmt.Errorf("emit started event: %w", err)
	}

	excl := interceptor.NewExclusionPredicate(interceptor.DefaultManagementExclusions(managementPort), nil)
	engine := interceptor.New(c, emit, excl, logger, rec)

	httpSrv := &http.Server{Handler: engine}
	srvErrCh := make(chan error, 1)
	go func() { srvErrCh <- httpSrv.Serve(ln) }()

	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		drainSyncQueue(ctx, in, c, logger)
	}()

	select {
	case <-ctx.Done():
	case <-drainDone:
	case err := <-srvErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("interceptor engine stopped unexpectedly", slog.Any("error", err))
		}
	}

	engine.RequestShutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	return emit.emitServerEvent("stopped", int32(port))
}

// drainSyncQueue decodes envelopes from in (the parent's sync pipe) and
// feeds them to the cache until the pipe closes or ctx is canceled (spec
// §4.6 step 2b, §7 "Codec decode failure on the worker": malformed frames
// are logged and dropped, not fatal).
func drainSyncQueue(ctx context.Context, in io.Reader, c *cache.Cache, logger *slog.Logger) {
	r := bufio.NewReaderSize(in, 64*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		env, err := codec.DecodeEnvelope(r)
		if err != nil {
			if err != io.EOF {
				logger.Warn("dropping malformed sync frame", slog.Any("error", err))
				continue
			}
			return
		}
		if env.DataType == flow.DataTypeSyncMessage && env.Sync != nil {
			c.HandleSync(env.Sync)
		}
	}
}

// pipeEmitter implements interceptor.Emitter by encoding flows onto the
// worker's stdout flow queue.
type pipeEmitter struct {
	out    io.Writer
	mu     *sync.Mutex
	logger *slog.Logger
}

func (e *pipeEmitter) Emit(f *flow.FlowData) {
	env := &flow.Envelope{Type: "flow", DataType: flow.DataTypeFlowData, FlowData: f}
	raw, err := codec.EncodeEnvelope(env)
	if err != nil {
		e.logger.Error("failed to encode flow envelope", slog.Any("error", err))
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _ = e.out.Write(raw)
}

func (e *pipeEmitter) emitServerEvent(status string, port int32) error {
	env := &flow.Envelope{Type: "server_event", DataType: flow.DataTypeServerEvent, ServerEvent: &flow.ServerEvent{Status: status, Port: port}}
	raw, err := codec.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.out.Write(raw)
	return err
}
