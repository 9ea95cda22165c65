// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/httpflow/interceptor/internal/metrics"
)

func TestRecorder_RecordFlow_IncrementsByPhase(t *testing.T) {
	r := metrics.New()
	r.RecordFlow("request")
	r.RecordFlow("request")
	r.RecordFlow("response")

	require.Equal(t, float64(2), testutil.ToFloat64(r.FlowsProcessed.WithLabelValues("request")))
	require.Equal(t, float64(1), testutil.ToFloat64(r.FlowsProcessed.WithLabelValues("response")))
}

func TestRecorder_RecordRuleMatch_IncrementsByAction(t *testing.T) {
	r := metrics.New()
	r.RecordRuleMatch("ADD_HEADER")
	require.Equal(t, float64(1), testutil.ToFloat64(r.RulesMatched.WithLabelValues("ADD_HEADER")))
}

func TestRecorder_GaugesAreSettable(t *testing.T) {
	r := metrics.New()
	r.ObserverCount.Set(3)
	require.Equal(t, float64(3), testutil.ToFloat64(r.ObserverCount))
}
