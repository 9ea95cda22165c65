// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package store

import "errors"

// Sentinel errors returned by Store methods. Callers use errors.Is against
// these to decide which HTTP status the control plane's REST surface returns
// for a given durable-store failure (spec §4.4, §7).
var (
	// ErrNotFound indicates the requested filter or rule id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNameExists indicates a filter or rule name collides with an existing
	// one; names are unique within their collection (spec §4.1 "name
	// uniqueness").
	ErrNameExists = errors.New("name already exists")

	// ErrFilterInUse indicates a filter cannot be deleted directly because one
	// or more rules still reference it; DeleteFilter cascades instead of
	// returning this (spec §4.4 "cascading FK deletes"), so this is reserved
	// for callers that need non-cascading semantics.
	ErrFilterInUse = errors.New("filter is referenced by one or more rules")
)
