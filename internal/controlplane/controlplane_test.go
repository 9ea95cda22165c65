// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package controlplane_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/httpflow/interceptor/api/flow"
	"github.com/httpflow/interceptor/internal/controlplane"
	"github.com/httpflow/interceptor/internal/observer"
)

func TestAcquirePort_FallsBackWhenRequestedPortIsTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	taken := ln.Addr().(*net.TCPAddr).Port

	got, err := controlplane.AcquirePort(taken)
	require.NoError(t, err)
	require.NotEqual(t, taken, got)
	require.GreaterOrEqual(t, got, taken)
	require.LessOrEqual(t, got, taken+controlplane.PortScanWindow)
}

func TestAcquirePort_ReturnsRequestedPortWhenFree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	free := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	got, err := controlplane.AcquirePort(free)
	require.NoError(t, err)
	require.Equal(t, free, got)
}

func TestSupervisor_SyncCallsFailWhenNotRunning(t *testing.T) {
	sup := controlplane.New(nil, observer.New(nil, nil), nil)
	require.False(t, sup.IsRunning())

	err := sup.SyncFilter(flow.OpAdd, flow.FilterModel{ID: 1})
	require.ErrorIs(t, err, controlplane.ErrNotRunning)

	err = sup.SyncRule(flow.OpAdd, flow.RuleModel{ID: 1})
	require.ErrorIs(t, err, controlplane.ErrNotRunning)

	err = sup.FullSync(nil, nil)
	require.ErrorIs(t, err, controlplane.ErrNotRunning)
}

func TestHealthService_ReflectsSupervisorRunningState(t *testing.T) {
	sup := controlplane.New(nil, observer.New(nil, nil), nil)
	h := controlplane.NewHealthService(sup)
	resp, err := h.Check(nil, nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), int32(resp.Status)) // NOT_SERVING == 2
}
