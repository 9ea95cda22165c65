// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package filter implements the filter/rule model and evaluator (spec §4.2):
// compiling a FilterModel into a field selector + operator pair once at
// creation time (spec §9 "Polymorphism over field selectors"), and a
// RuleModel into a validated action, so that per-request evaluation is a
// single dispatch rather than repeated string comparisons.
package filter

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/httpflow/interceptor/api/flow"
)

// Selector identifies which part of a request a compiled Filter inspects.
type Selector interface {
	// Select extracts the field value to compare against. ok is false when
	// the field is structurally absent (e.g. a missing header), which must
	// short-circuit evaluation to false per spec §4.2 step 1.
	Select(req *RequestView) (value string, ok bool)
}

// RequestView is the minimal read-only view of an HTTP request a Selector
// needs. It decouples filter evaluation from any particular HTTP library so
// the same compiled filter runs against both live net/http requests (request
// phase) and the synthesized/response side (response phase headers — see the
// "Open questions" in spec §9: response-phase header rules are applied to
// the response, but filter evaluation itself only ever looks at request
// fields; this type intentionally has no response-side accessor).
type RequestView struct {
	Method  string
	URL     string // full URL including scheme, host, port, path, query
	Headers http.Header
	Body    []byte
}

type urlSelector struct{}

func (urlSelector) Select(r *RequestView) (string, bool) { return r.URL, true }

type methodSelector struct{}

func (methodSelector) Select(r *RequestView) (string, bool) {
	return strings.ToUpper(r.Method), true
}

type bodySelector struct{}

func (bodySelector) Select(r *RequestView) (string, bool) {
	// strings.ToValidUTF8 replaces invalid byte sequences with the Unicode
	// replacement character rather than failing, per spec §4.2 step 1.
	return strings.ToValidUTF8(string(r.Body), "�"), true
}

type headerSelector struct{ name string }

func (h headerSelector) Select(r *RequestView) (string, bool) {
	if r.Headers == nil {
		return "", false
	}
	v := r.Headers.Get(h.name) // http.Header.Get is case-insensitive
	if v == "" && r.Headers.Values(h.name) == nil {
		return "", false
	}
	return v, true
}

type unknownSelector struct{}

func (unknownSelector) Select(*RequestView) (string, bool) { return "", false }

// compileSelector parses a FilterModel.Field into a Selector, once, at
// filter-creation time.
func compileSelector(field string) Selector {
	switch field {
	case "url":
		return urlSelector{}
	case "method":
		return methodSelector{}
	case "body":
		return bodySelector{}
	default:
		if name, ok := strings.CutPrefix(field, "header:"); ok && name != "" {
			return headerSelector{name: name}
		}
		return unknownSelector{}
	}
}

// Matcher evaluates the operator half of a filter against the selected
// field value.
type Matcher interface {
	Match(haystack string) bool
}

type containsMatcher struct{ needle string }

func (m containsMatcher) Match(h string) bool { return strings.Contains(h, m.needle) }

type equalsMatcher struct{ needle string }

func (m equalsMatcher) Match(h string) bool { return h == m.needle }

type startsWithMatcher struct{ needle string }

func (m startsWithMatcher) Match(h string) bool { return strings.HasPrefix(h, m.needle) }

type endsWithMatcher struct{ needle string }

func (m endsWithMatcher) Match(h string) bool { return strings.HasSuffix(h, m.needle) }

// regexMatcher wraps a possibly-nil compiled pattern. A nil pattern (compile
// failure at filter-creation time) always evaluates false, never panics or
// propagates an error into the interceptor (spec §4.2, §7: "regex compile
// failure: the containing filter evaluates to false; never fatal").
type regexMatcher struct{ re *regexp.Regexp }

func (m regexMatcher) Match(h string) bool {
	if m.re == nil {
		return false
	}
	return m.re.MatchString(h)
}

func compileMatcher(op flow.Operator, value string) Matcher {
	switch op {
	case flow.OperatorContains:
		return containsMatcher{needle: value}
	case flow.OperatorEquals:
		return equalsMatcher{needle: value}
	case flow.OperatorStartsWith:
		return startsWithMatcher{needle: value}
	case flow.OperatorEndsWith:
		return endsWithMatcher{needle: value}
	case flow.OperatorRegex:
		re, err := regexp.Compile(value)
		if err != nil {
			return regexMatcher{re: nil}
		}
		return regexMatcher{re: re}
	default:
		return equalsMatcher{needle: "\x00unreachable"} // never matches; unknown operators are rejected at ingress
	}
}

// Filter is a FilterModel compiled once into a Selector+Matcher pair.
type Filter struct {
	Model   flow.FilterModel
	selector Selector
	matcher  Matcher
}

// CompileFilter builds a Filter from a FilterModel. Compilation never fails: a
// malformed regex degrades to an always-false matcher (spec §4.2, §7), and an
// unrecognized field degrades to an always-false selector (spec §4.2 step 1,
// "Any other field name → false").
func CompileFilter(m flow.FilterModel) *Filter {
	return &Filter{
		Model:    m,
		selector: compileSelector(m.Field),
		matcher:  compileMatcher(m.Operator, m.Value),
	}
}

// Evaluate applies the compiled filter to req (spec §4.2).
func (f *Filter) Evaluate(req *RequestView) bool {
	value, ok := f.selector.Select(req)
	if !ok {
		return false
	}
	return f.matcher.Match(value)
}
