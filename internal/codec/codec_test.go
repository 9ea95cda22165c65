// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package codec_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/httpflow/interceptor/api/flow"
	"github.com/httpflow/interceptor/internal/codec"
)

func roundTrip(t *testing.T, env *flow.Envelope) *flow.Envelope {
	t.Helper()
	encoded, err := codec.EncodeEnvelope(env)
	require.NoError(t, err)

	decoded, err := codec.DecodeEnvelope(bytes.NewReader(encoded))
	require.NoError(t, err)
	return decoded
}

func TestRoundTrip_FlowData(t *testing.T) {
	env := &flow.Envelope{
		DataType: flow.DataTypeFlowData,
		FlowData: &flow.FlowData{
			ID:              "flow-1",
			Method:          "GET",
			URL:             "https://svc.example/api/items",
			Status:          200,
			StartTimestamp:  1700000000.125,
			EndTimestamp:    1700000000.625,
			RequestSize:     0,
			ResponseSize:    42,
			RequestHeaders:  map[string]string{"x-trace": "1"},
			ResponseHeaders: map[string]string{"content-type": "application/json"},
			RequestBody:     "",
			ResponseBody:    `{"ok":true}`,
			IsIntercepted:   true,
		},
	}

	got := roundTrip(t, env)
	if diff := cmp.Diff(env.FlowData, got.FlowData); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTrip_FilterModel_IDAbsentMapsToZero(t *testing.T) {
	env := &flow.Envelope{
		DataType: flow.DataTypeFilterModel,
		Filter: &flow.FilterModel{
			FilterName: "api-path",
			Field:      "url",
			Operator:   flow.OperatorContains,
			Value:      "/api/",
		},
	}
	got := roundTrip(t, env)
	require.Equal(t, int64(0), got.Filter.ID)
	require.Equal(t, env.Filter.FilterName, got.Filter.FilterName)
}

func TestRoundTrip_RuleModel(t *testing.T) {
	env := &flow.Envelope{
		DataType: flow.DataTypeRuleModel,
		Rule: &flow.RuleModel{
			ID:          7,
			RuleName:    "block-deletes",
			FilterID:    3,
			Action:      flow.ActionBlockRequest,
			TargetKey:   "",
			TargetValue: "",
			Enabled:     true,
		},
	}
	got := roundTrip(t, env)
	if diff := cmp.Diff(env.Rule, got.Rule); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTrip_SyncMessage_FullSync(t *testing.T) {
	env := &flow.Envelope{
		DataType: flow.DataTypeSyncMessage,
		Sync: &flow.SyncMessage{
			Operation: flow.OpFullSync,
			FiltersData: []flow.FilterModel{
				{ID: 1, FilterName: "f1", Field: "url", Operator: flow.OperatorContains, Value: "/a"},
				{ID: 2, FilterName: "f2", Field: "method", Operator: flow.OperatorEquals, Value: "DELETE"},
			},
			RulesList: []flow.RuleModel{
				{ID: 10, RuleName: "r1", FilterID: 1, Action: flow.ActionAddHeader, TargetKey: "X", TargetValue: "Y", Enabled: true},
			},
			Timestamp: 1700000000.5,
		},
	}
	got := roundTrip(t, env)
	if diff := cmp.Diff(env.Sync, got.Sync); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTrip_ServerEvent(t *testing.T) {
	env := &flow.Envelope{
		DataType:    flow.DataTypeServerEvent,
		ServerEvent: &flow.ServerEvent{Status: "started", Port: 8888},
	}
	got := roundTrip(t, env)
	require.Equal(t, env.ServerEvent, got.ServerEvent)
}

func TestDecodeEnvelope_Idempotent(t *testing.T) {
	env := &flow.Envelope{
		DataType: flow.DataTypeFlowData,
		FlowData: &flow.FlowData{ID: "x", Method: "GET", URL: "http://a", RequestHeaders: map[string]string{}, ResponseHeaders: map[string]string{}},
	}
	first, err := codec.EncodeEnvelope(env)
	require.NoError(t, err)
	decoded, err := codec.DecodeEnvelope(bytes.NewReader(first))
	require.NoError(t, err)
	second, err := codec.EncodeEnvelope(decoded)
	require.NoError(t, err)
	redecoded, err := codec.DecodeEnvelope(bytes.NewReader(second))
	require.NoError(t, err)
	require.Equal(t, decoded.FlowData, redecoded.FlowData)
}

func TestDecodeEnvelope_TruncatedFrameFailsCleanly(t *testing.T) {
	env := &flow.Envelope{DataType: flow.DataTypeServerEvent, ServerEvent: &flow.ServerEvent{Status: "stopped"}}
	encoded, err := codec.EncodeEnvelope(env)
	require.NoError(t, err)
	_, err = codec.DecodeEnvelope(bytes.NewReader(encoded[:len(encoded)-2]))
	require.Error(t, err)
}
