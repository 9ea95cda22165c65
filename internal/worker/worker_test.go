// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package worker_test

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/httpflow/interceptor/api/flow"
	"github.com/httpflow/interceptor/internal/codec"
	"github.com/httpflow/interceptor/internal/worker"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRun_EmitsStartedThenStoppedServerEvents(t *testing.T) {
	port := freePort(t)
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- worker.Run(ctx, nil, port, 8800, outW, inR, nil) }()

	r := bufio.NewReader(outR)
	env1, err := codec.DecodeEnvelope(r)
	require.NoError(t, err)
	require.Equal(t, flow.DataTypeServerEvent, env1.DataType)
	require.Equal(t, "started", env1.ServerEvent.Status)
	require.EqualValues(t, port, env1.ServerEvent.Port)

	cancel()

	env2, err := codec.DecodeEnvelope(r)
	require.NoError(t, err)
	require.Equal(t, "stopped", env2.ServerEvent.Status)

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
	_ = inW.Close()
}
