// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package filter

import (
	"net/http"
	"os"
	"strconv"

	"github.com/httpflow/interceptor/api/flow"
)

// Mutable is the minimal surface an action needs to mutate one phase (request
// or response) of a flow — headers plus a replaceable body. net/http.Request
// and net/http.Response are adapted to this via RequestMutable/ResponseMutable
// below so the same Action.Apply logic runs in both phases, per spec §4.2's
// action table ("Request phase" / "Response phase" columns share identical
// semantics for every action but BLOCK_REQUEST/AUTO_RESPOND).
type Mutable interface {
	Header() http.Header
	Body() []byte
	SetBody(b []byte)
}

// Action is a RuleModel compiled once into a validated, directly-applicable
// operation (spec §9 "Polymorphism over actions").
type Action struct {
	Model flow.RuleModel
}

// CompileAction validates and wraps a RuleModel. Like filter compilation,
// this never fails — an unrecognized action is rejected at the
// durable-store ingress (spec §7 "Validation ... rejected at ingress"), not
// here; by the time a RuleModel reaches the cache it is assumed well-formed.
func CompileAction(m flow.RuleModel) *Action {
	return &Action{Model: m}
}

// BlockedResponseBody is the fixed body used for BLOCK_REQUEST (spec §8 S2).
const BlockedResponseBody = "Request blocked by HTTP Interceptor rule"

// Apply applies the action to one phase's headers/body. It returns true iff
// a visible mutation occurred, for the flow's is_intercepted telemetry (spec
// §4.2 "Return value of apply"). BLOCK_REQUEST and AUTO_RESPOND have no
// generic Mutable effect — the interceptor engine special-cases them by
// synthesizing a response directly (see BuildBlockedResponse /
// BuildAutoRespondResponse) and never calls Apply for them.
func (a *Action) Apply(m Mutable) (modified bool) {
	switch a.Model.Action {
	case flow.ActionAddHeader, flow.ActionModifyHeader:
		if a.Model.TargetKey == "" || a.Model.TargetValue == "" {
			return false
		}
		m.Header().Set(a.Model.TargetKey, a.Model.TargetValue)
		return true

	case flow.ActionDeleteHeader:
		if a.Model.TargetKey == "" {
			return false
		}
		if m.Header().Get(a.Model.TargetKey) == "" {
			return false
		}
		m.Header().Del(a.Model.TargetKey)
		return true

	case flow.ActionModifyBody:
		body, ok := a.resolveBody()
		if !ok {
			return false
		}
		m.SetBody(body)
		m.Header().Set("Content-Length", strconv.Itoa(len(body)))
		return true

	default:
		// BLOCK_REQUEST, AUTO_RESPOND, or an unrecognized value: no generic
		// per-phase mutation to apply.
		return false
	}
}

// resolveBody implements spec §4.2's MODIFY_BODY resolution: target_key
// naming an existing file wins; otherwise target_value's UTF-8 bytes are
// used.
func (a *Action) resolveBody() ([]byte, bool) {
	if a.Model.TargetKey != "" {
		if info, err := os.Stat(a.Model.TargetKey); err == nil && !info.IsDir() {
			data, err := os.ReadFile(a.Model.TargetKey)
			if err == nil {
				return data, true
			}
		}
	}
	if a.Model.TargetValue != "" {
		return []byte(a.Model.TargetValue), true
	}
	return nil, false
}

// BuildBlockedResponse synthesizes the 403 response for BLOCK_REQUEST (spec
// §4.2, §8 S2).
func BuildBlockedResponse() (status int, headers http.Header, body []byte) {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	b := []byte(BlockedResponseBody)
	h.Set("Content-Length", strconv.Itoa(len(b)))
	return http.StatusForbidden, h, b
}

// BuildAutoRespondResponse synthesizes the 200 response for AUTO_RESPOND
// (spec §4.2, §8 S3).
func (a *Action) BuildAutoRespondResponse() (status int, headers http.Header, body []byte) {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	b := []byte(a.Model.TargetValue)
	h.Set("Content-Length", strconv.Itoa(len(b)))
	return http.StatusOK, h, b
}
