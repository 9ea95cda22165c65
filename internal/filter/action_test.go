// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package filter_test

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/httpflow/interceptor/api/flow"
	"github.com/httpflow/interceptor/internal/filter"
)

type fakeMutable struct {
	h    http.Header
	body []byte
}

func newFakeMutable() *fakeMutable { return &fakeMutable{h: http.Header{}} }

func (m *fakeMutable) Header() http.Header  { return m.h }
func (m *fakeMutable) Body() []byte         { return m.body }
func (m *fakeMutable) SetBody(b []byte)     { m.body = b }

func TestAction_AddHeader(t *testing.T) {
	a := filter.CompileAction(flow.RuleModel{Action: flow.ActionAddHeader, TargetKey: "X-Trace", TargetValue: "1"})
	m := newFakeMutable()
	require.True(t, a.Apply(m))
	require.Equal(t, "1", m.Header().Get("X-Trace"))
}

func TestAction_DeleteHeader_AbsentIsNotModified(t *testing.T) {
	a := filter.CompileAction(flow.RuleModel{Action: flow.ActionDeleteHeader, TargetKey: "X-Missing"})
	m := newFakeMutable()
	require.False(t, a.Apply(m))
}

func TestAction_ModifyBody_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "body.txt")
	require.NoError(t, os.WriteFile(path, []byte("from-file"), 0o600))

	a := filter.CompileAction(flow.RuleModel{Action: flow.ActionModifyBody, TargetKey: path, TargetValue: "ignored"})
	m := newFakeMutable()
	require.True(t, a.Apply(m))
	require.Equal(t, "from-file", string(m.Body()))
	require.Equal(t, "9", m.Header().Get("Content-Length"))
}

func TestAction_ModifyBody_FromValueWhenNoFile(t *testing.T) {
	a := filter.CompileAction(flow.RuleModel{Action: flow.ActionModifyBody, TargetKey: "/no/such/file", TargetValue: "inline"})
	m := newFakeMutable()
	require.True(t, a.Apply(m))
	require.Equal(t, "inline", string(m.Body()))
}

func TestAction_BlockRequest_SynthesizesResponse(t *testing.T) {
	status, headers, body := filter.BuildBlockedResponse()
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, filter.BlockedResponseBody, string(body))
	require.Equal(t, "text/plain", headers.Get("Content-Type"))
}

func TestAction_AutoRespond_SynthesizesResponse(t *testing.T) {
	a := filter.CompileAction(flow.RuleModel{Action: flow.ActionAutoRespond, TargetValue: "pong"})
	status, _, body := a.BuildAutoRespondResponse()
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "pong", string(body))
}

func TestAction_BlockAndAutoRespond_HaveNoResponsePhaseEffect(t *testing.T) {
	require.False(t, flow.ActionBlockRequest.HasResponsePhaseEffect())
	require.False(t, flow.ActionAutoRespond.HasResponsePhaseEffect())
	require.True(t, flow.ActionAddHeader.HasResponsePhaseEffect())
	require.True(t, flow.ActionModifyBody.HasResponsePhaseEffect())
}
