// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package filter_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/httpflow/interceptor/api/flow"
	"github.com/httpflow/interceptor/internal/filter"
)

func TestFilter_URLContains(t *testing.T) {
	f := filter.CompileFilter(flow.FilterModel{Field: "url", Operator: flow.OperatorContains, Value: "/api/"})
	req := &filter.RequestView{URL: "https://svc.example/api/items"}
	require.True(t, f.Evaluate(req))

	req2 := &filter.RequestView{URL: "https://svc.example/health"}
	require.False(t, f.Evaluate(req2))
}

func TestFilter_MethodEquals_IsCaseNormalized(t *testing.T) {
	f := filter.CompileFilter(flow.FilterModel{Field: "method", Operator: flow.OperatorEquals, Value: "DELETE"})
	require.True(t, f.Evaluate(&filter.RequestView{Method: "delete"}))
	require.False(t, f.Evaluate(&filter.RequestView{Method: "GET"}))
}

func TestFilter_HeaderMissing_IsFalseNotError(t *testing.T) {
	f := filter.CompileFilter(flow.FilterModel{Field: "header:X-Trace", Operator: flow.OperatorEquals, Value: "1"})
	req := &filter.RequestView{Headers: http.Header{}}
	require.False(t, f.Evaluate(req))
}

func TestFilter_HeaderCaseInsensitiveLookup(t *testing.T) {
	f := filter.CompileFilter(flow.FilterModel{Field: "header:content-type", Operator: flow.OperatorEquals, Value: "application/json"})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	require.True(t, f.Evaluate(&filter.RequestView{Headers: h}))
}

func TestFilter_BodyInvalidUTF8_NeverErrors(t *testing.T) {
	f := filter.CompileFilter(flow.FilterModel{Field: "body", Operator: flow.OperatorContains, Value: "ok"})
	req := &filter.RequestView{Body: append([]byte("ok-"), 0xff, 0xfe)}
	require.True(t, f.Evaluate(req))
}

func TestFilter_UnknownField_IsFalse(t *testing.T) {
	f := filter.CompileFilter(flow.FilterModel{Field: "bogus", Operator: flow.OperatorEquals, Value: "x"})
	require.False(t, f.Evaluate(&filter.RequestView{}))
}

func TestFilter_RegexBadPattern_IsFalseNeverPanics(t *testing.T) {
	f := filter.CompileFilter(flow.FilterModel{Field: "url", Operator: flow.OperatorRegex, Value: "["})
	require.NotPanics(t, func() {
		require.False(t, f.Evaluate(&filter.RequestView{URL: "http://anything"}))
	})
}

func TestFilter_RegexUnanchoredSearch(t *testing.T) {
	f := filter.CompileFilter(flow.FilterModel{Field: "url", Operator: flow.OperatorRegex, Value: `/items/\d+$`})
	require.True(t, f.Evaluate(&filter.RequestView{URL: "https://svc.example/api/items/42"}))
	require.False(t, f.Evaluate(&filter.RequestView{URL: "https://svc.example/api/items/abc"}))
}

func TestFilter_StartsEndsWith(t *testing.T) {
	f1 := filter.CompileFilter(flow.FilterModel{Field: "url", Operator: flow.OperatorStartsWith, Value: "https://svc"})
	require.True(t, f1.Evaluate(&filter.RequestView{URL: "https://svc.example/x"}))

	f2 := filter.CompileFilter(flow.FilterModel{Field: "url", Operator: flow.OperatorEndsWith, Value: "/ping"})
	require.True(t, f2.Evaluate(&filter.RequestView{URL: "https://svc.example/ping"}))
}
