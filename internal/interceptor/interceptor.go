// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package interceptor implements the MITM engine (spec §4.5): an
// httputil.ReverseProxy whose Director and ModifyResponse hooks play the role
// of on_request/on_response, matching the first active rule against each flow
// and emitting a FlowData envelope for everything that wasn't excluded.
package interceptor

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/httpflow/interceptor/api/flow"
	"github.com/httpflow/interceptor/internal/cache"
	"github.com/httpflow/interceptor/internal/filter"
	"github.com/httpflow/interceptor/internal/metrics"
)

// Emitter receives completed FlowData for forwarding onto the flow queue
// (spec §4.6 "flow queue"). The worker supplies the concrete implementation;
// the engine itself never blocks on an emission failing.
type Emitter interface {
	Emit(f *flow.FlowData)
}

// Engine is the interceptor's MITM implementation. It is a single
// *httputil.ReverseProxy wrapped with Director/ModifyResponse hooks that
// mirror the on_request/on_response contract of spec §4.5.
type Engine struct {
	cache    *cache.Cache
	emitter  Emitter
	exclude  *ExclusionPredicate
	logger   *slog.Logger
	metrics  *metrics.Recorder
	shutdown atomic.Bool

	proxy *httputil.ReverseProxy
}

// New builds an Engine that forwards every non-excluded, non-short-circuited
// request upstream, resolving the upstream target from the request's own
// absolute URL (the proxy runs as a forward proxy, not a fixed-backend
// reverse proxy, so there is no single target.Host to pin a
// NewSingleHostReverseProxy against). rec may be nil, in which case flow and
// rule-match instrumentation is skipped.
func New(c *cache.Cache, emitter Emitter, exclude *ExclusionPredicate, logger *slog.Logger, rec *metrics.Recorder) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{cache: c, emitter: emitter, exclude: exclude, logger: logger, metrics: rec}
	e.proxy = &httputil.ReverseProxy{
		Director:       e.director,
		ModifyResponse: e.modifyResponse,
		ErrorHandler:   e.errorHandler,
	}
	return e
}

// RequestShutdown flips the shutdown flag; in-flight hooks observe it at
// their next check and stop doing further work (spec §4.5 "If the shutdown
// signal is set, request engine shutdown and return").
func (e *Engine) RequestShutdown() { e.shutdown.Store(true) }

func (e *Engine) ShuttingDown() bool { return e.shutdown.Load() }

// flowState threads per-request bookkeeping between the Director and
// ModifyResponse hooks, since the latter only receives the *http.Response.
type flowState struct {
	id               string
	method           string
	rawURL           string
	start            time.Time
	requestHeaders   http.Header
	reqBody          []byte
	excluded         bool
	interceptedInReq bool
	matchedRule      *filter.Action
	matchedFilterID  int64
	shortCircuited   bool // BLOCK_REQUEST or AUTO_RESPOND already answered the client
}

// ServeHTTP is the engine's http.Handler entry point (spec §4.7 "TCP listener
// ... speaks HTTP/1.x and HTTP/2 per the embedded MITM engine").
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := &flowState{
		id:             uuid.NewString(),
		method:         r.Method,
		rawURL:         r.URL.String(),
		start:          time.Now(),
		requestHeaders: r.Header.Clone(),
	}

	if e.shutdown.Load() {
		http.Error(w, "interceptor shutting down", http.StatusServiceUnavailable)
		return
	}

	if e.exclude.Matches(r) {
		st.excluded = true
		e.proxy.ServeHTTP(w, requestWithState(r, st))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	st.reqBody = body

	view := &filter.RequestView{Method: r.Method, URL: st.rawURL, Headers: r.Header, Body: body}
	if rule, filterID, ok := e.firstMatch(view); ok {
		st.matchedRule = rule
		st.matchedFilterID = filterID
		e.metrics.RecordRuleMatch(rule.Model.Action.String())

		switch rule.Model.Action {
		case flow.ActionBlockRequest:
			st.shortCircuited = true
			status, headers, respBody := filter.BuildBlockedResponse()
			e.writeShortCircuit(w, st, status, headers, respBody)
			return
		case flow.ActionAutoRespond:
			st.shortCircuited = true
			status, headers, respBody := rule.BuildAutoRespondResponse()
			e.writeShortCircuit(w, st, status, headers, respBody)
			return
		default:
			st.interceptedInReq = rule.Apply(&requestMutable{r})
		}
	}

	e.proxy.ServeHTTP(w, requestWithState(r, st))
}

func (e *Engine) writeShortCircuit(w http.ResponseWriter, st *flowState, status int, headers http.Header, body []byte) {
	for k, vs := range headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)

	f := &flow.FlowData{
		ID:              st.id,
		Method:          st.method,
		URL:             st.rawURL,
		Status:          int32(status),
		StartTimestamp:  float64(st.start.UnixNano()) / 1e9,
		EndTimestamp:    float64(time.Now().UnixNano()) / 1e9,
		RequestSize:     int64(len(st.reqBody)),
		ResponseSize:    int64(len(body)),
		RequestHeaders:  flattenHeaders(st.requestHeaders),
		ResponseHeaders: flattenHeaders(headers),
		RequestBody:     string(st.reqBody),
		ResponseBody:    string(body),
		IsIntercepted:   true,
	}
	e.emitter.Emit(f)
	e.metrics.RecordFlow("request")
}

func (e *Engine) director(r *http.Request) {
	if r.URL.Scheme == "" {
		r.URL.Scheme = "http"
	}
	if r.URL.Host == "" {
		r.URL.Host = r.Host
	}
}

// modifyResponse is the on_response hook (spec §4.5). Its own return value
// is always nil: a synthesis failure here must not break the upstream
// response the client is about to receive.
func (e *Engine) modifyResponse(resp *http.Response) error {
	st := stateFromRequest(resp.Request)
	if st == nil || st.shortCircuited {
		return nil
	}
	if e.shutdown.Load() {
		return nil
	}
	if st.excluded {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		respBody = nil
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(respBody))

	mutated := false
	view := &filter.RequestView{Method: st.method, URL: st.rawURL, Headers: st.requestHeaders, Body: st.reqBody}
	rule, _, ok := e.firstMatch(view)
	if ok {
		e.metrics.RecordRuleMatch(rule.Model.Action.String())
		if rule.Model.Action.HasResponsePhaseEffect() {
			rm := &responseMutable{resp, respBody}
			mutated = rule.Apply(rm)
			respBody = rm.body
		}
	}

	f := &flow.FlowData{
		ID:              st.id,
		Method:          st.method,
		URL:             st.rawURL,
		Status:          int32(resp.StatusCode),
		StartTimestamp:  float64(st.start.UnixNano()) / 1e9,
		EndTimestamp:    float64(time.Now().UnixNano()) / 1e9,
		RequestSize:     int64(len(st.reqBody)),
		ResponseSize:    int64(len(respBody)),
		RequestHeaders:  flattenHeaders(st.requestHeaders),
		ResponseHeaders: flattenHeaders(resp.Header),
		RequestBody:     string(st.reqBody),
		ResponseBody:    string(respBody),
		IsIntercepted:   st.interceptedInReq || mutated,
	}
	e.emitter.Emit(f)
	e.metrics.RecordFlow("response")
	return nil
}

func (e *Engine) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	e.logger.Warn("upstream round trip failed", slog.String("url", r.URL.String()), slog.Any("error", err))
	w.WriteHeader(http.StatusBadGateway)
}

// firstMatch snapshots the active rules and resolves the first one whose
// filter matches (spec §4.5 steps 3-4, §4.2's first-match tie-break).
func (e *Engine) firstMatch(view *filter.RequestView) (*filter.Action, int64, bool) {
	for _, ar := range e.cache.GetActiveRules() {
		f, ok := e.cache.GetFilterByID(ar.Model.FilterID)
		if !ok {
			continue
		}
		if f.Evaluate(view) {
			return ar.Action, ar.Model.FilterID, true
		}
	}
	return nil, 0, false
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func requestWithState(r *http.Request, st *flowState) *http.Request {
	return r.WithContext(withState(r.Context(), st))
}

type requestMutable struct{ r *http.Request }

func (m *requestMutable) Header() http.Header { return m.r.Header }
func (m *requestMutable) Body() []byte {
	b, _ := io.ReadAll(m.r.Body)
	m.r.Body = io.NopCloser(bytes.NewReader(b))
	return b
}
func (m *requestMutable) SetBody(b []byte) {
	m.r.Body = io.NopCloser(bytes.NewReader(b))
	m.r.ContentLength = int64(len(b))
}

type responseMutable struct {
	resp *http.Response
	body []byte
}

func (m *responseMutable) Header() http.Header { return m.resp.Header }
func (m *responseMutable) Body() []byte        { return m.body }
func (m *responseMutable) SetBody(b []byte) {
	m.body = b
	m.resp.Body = io.NopCloser(bytes.NewReader(b))
	m.resp.ContentLength = int64(len(b))
}
