// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package observer_test

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/httpflow/interceptor/api/flow"
	"github.com/httpflow/interceptor/internal/codec"
	"github.com/httpflow/interceptor/internal/observer"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestFanOut_BroadcastReachesAllConnectedObservers(t *testing.T) {
	ln := listen(t)
	f := observer.New(nil, nil)
	go f.Serve(ln)

	c1, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c1.Close()
	c2, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c2.Close()

	require.Eventually(t, func() bool { return f.Count() == 2 }, time.Second, 10*time.Millisecond)

	env := &flow.Envelope{Type: "flow", DataType: flow.DataTypeFlowData, FlowData: &flow.FlowData{ID: "abc", Method: "GET"}}
	require.NoError(t, f.Broadcast(env))

	got1, err := codec.DecodeEnvelope(c1)
	require.NoError(t, err)
	require.Equal(t, "abc", got1.FlowData.ID)

	got2, err := codec.DecodeEnvelope(c2)
	require.NoError(t, err)
	require.Equal(t, "abc", got2.FlowData.ID)
}

func TestFanOut_DeadConnectionIsRemovedWithoutAffectingOthers(t *testing.T) {
	ln := listen(t)
	f := observer.New(nil, nil)
	go f.Serve(ln)

	c1, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c1.Close()
	c2, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.Count() == 2 }, time.Second, 10*time.Millisecond)
	require.NoError(t, c2.Close())
	require.Eventually(t, func() bool { return f.Count() == 1 }, time.Second, 10*time.Millisecond)

	env := &flow.Envelope{Type: "flow", DataType: flow.DataTypeFlowData, FlowData: &flow.FlowData{ID: "still-alive"}}
	require.NoError(t, f.Broadcast(env))

	got, err := codec.DecodeEnvelope(c1)
	require.NoError(t, err)
	require.Equal(t, "still-alive", got.FlowData.ID)
}

func TestFanOut_PingReceivesPong(t *testing.T) {
	ln := listen(t)
	f := observer.New(nil, nil)
	go f.Serve(ln)

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("ping\n"))
	require.NoError(t, err)

	r := bufio.NewReader(c)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, `{"type":"pong"}`, line[:len(line)-1])
}
