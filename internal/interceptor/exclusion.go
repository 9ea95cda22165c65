// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package interceptor

import (
	"net/http"
	"regexp"
	"strconv"
)

// InternalHeaderMarker is the request header that short-circuits the
// exclusion predicate regardless of URL shape (spec SUPPLEMENTED FEATURES
// item 4, grounded on the Python original's addon.py should_exclude_request).
const InternalHeaderMarker = "X-Interceptor-Internal"

// ExclusionPredicate decides whether a request is exempt from rule
// evaluation and flow emission (spec §4.5). Every URL and user-agent pattern
// is a regex supplied at construction time. The worker builds it from
// DefaultManagementExclusions alone, with no user-agent patterns; no flag or
// setting supplies extra patterns, so a frontend dev server is not excluded.
type ExclusionPredicate struct {
	urlPatterns  []*regexp.Regexp
	uiUserAgents []*regexp.Regexp
}

// DefaultManagementExclusions returns the baseline patterns: the local
// management API on managementPort, and browser extension-internal schemes.
// It contains no dev-server pattern.
func DefaultManagementExclusions(managementPort int) []string {
	port := regexp.QuoteMeta(strconv.Itoa(managementPort))
	return []string{
		`^https?://(localhost|127\.0\.0\.1):` + port + `(/|$)`,
		`^chrome-extension://`,
		`^moz-extension://`,
	}
}

// NewExclusionPredicate compiles urlPatterns and uiUserAgentPatterns.
// Patterns that fail to compile are skipped (an operator typo in config must
// not take the whole proxy down); this mirrors filter.compileMatcher's
// bad-regex-is-false stance.
func NewExclusionPredicate(urlPatterns, uiUserAgentPatterns []string) *ExclusionPredicate {
	p := &ExclusionPredicate{}
	for _, pat := range urlPatterns {
		if re, err := regexp.Compile(pat); err == nil {
			p.urlPatterns = append(p.urlPatterns, re)
		}
	}
	for _, pat := range uiUserAgentPatterns {
		if re, err := regexp.Compile(pat); err == nil {
			p.uiUserAgents = append(p.uiUserAgents, re)
		}
	}
	return p
}

// Matches reports whether r should be excluded from interception (spec
// §4.5's exclusion predicate).
func (p *ExclusionPredicate) Matches(r *http.Request) bool {
	if p == nil {
		return false
	}
	if r.Header.Get(InternalHeaderMarker) != "" {
		return true
	}
	ua := r.Header.Get("User-Agent")
	for _, re := range p.uiUserAgents {
		if re.MatchString(ua) {
			return true
		}
	}
	full := r.URL.String()
	for _, re := range p.urlPatterns {
		if re.MatchString(full) {
			return true
		}
	}
	return false
}
