// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package cache implements the in-memory rule cache (spec §4.3): the only
// store the proxy worker consults while evaluating a live flow. It is
// updated exclusively by SyncMessages arriving from the control plane and
// never touches the durable store directly.
package cache

import (
	"log/slog"
	"sync"

	"github.com/httpflow/interceptor/api/flow"
	"github.com/httpflow/interceptor/internal/filter"
)

// ActiveRule pairs a rule's model with its pre-compiled action, as returned
// by a GetActiveRules snapshot.
type ActiveRule struct {
	Model  flow.RuleModel
	Action *filter.Action
}

// Cache is a concurrency-safe, process-local store of compiled filters and
// rules. Filters and rules are guarded by independent RWMutexes (spec §4.3,
// §5 "Shared-resource policy") so readers of one collection never block on
// the other, and readers never block each other.
type Cache struct {
	logger *slog.Logger

	filtersMu sync.RWMutex
	filters   map[int64]*filter.Filter

	rulesMu sync.RWMutex
	rules   map[int64]*ruleEntry
	// order records rule IDs in first-insertion order so GetActiveRules can
	// return a stable, deterministic snapshot for first-match tie-breaking
	// (spec §4.3 "the order reflects insertion into the cache").
	order []int64
}

type ruleEntry struct {
	model  flow.RuleModel
	action *filter.Action
}

// New returns an empty Cache.
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		logger:  logger,
		filters: make(map[int64]*filter.Filter),
		rules:   make(map[int64]*ruleEntry),
	}
}

// GetFilterByID is an O(1) point lookup (spec §4.3).
func (c *Cache) GetFilterByID(id int64) (*filter.Filter, bool) {
	c.filtersMu.RLock()
	defer c.filtersMu.RUnlock()
	f, ok := c.filters[id]
	return f, ok
}

// GetActiveRules returns a point-in-time snapshot containing only enabled
// rules, ordered stably by insertion (spec §4.3, §8 invariant 2: "Cache
// determinism"). Callers must treat the returned slice as immutable; it
// shares no backing storage with the cache's internal state.
func (c *Cache) GetActiveRules() []ActiveRule {
	c.rulesMu.RLock()
	defer c.rulesMu.RUnlock()

	out := make([]ActiveRule, 0, len(c.order))
	for _, id := range c.order {
		e, ok := c.rules[id]
		if !ok {
			continue
		}
		if !e.model.Enabled {
			continue
		}
		out = append(out, ActiveRule{Model: e.model, Action: e.action})
	}
	return out
}

// HandleSync dispatches a SyncMessage onto the cache (spec §4.3). Malformed
// operations are logged and dropped, leaving the cache's prior state intact
// (spec §7 "Codec decode failure on the worker").
func (c *Cache) HandleSync(msg *flow.SyncMessage) {
	if msg == nil {
		c.logger.Warn("dropped nil sync message")
		return
	}
	switch msg.Operation {
	case flow.OpFullSync:
		c.fullSync(msg.FiltersData, msg.RulesList)
	case flow.OpAdd, flow.OpUpdate:
		c.upsert(msg.FiltersData, msg.RulesList)
	case flow.OpDelete:
		c.delete(msg.FiltersData, msg.RulesList)
	default:
		c.logger.Warn("dropped sync message with unknown operation", slog.Any("operation", msg.Operation))
	}
}

// fullSync clears and replaces both collections atomically with respect to
// readers: a reader taking the lock either sees the pre-state or the
// post-state in full, never a mix (spec §5, §8 invariant 6).
func (c *Cache) fullSync(filters []flow.FilterModel, rules []flow.RuleModel) {
	c.filtersMu.Lock()
	defer c.filtersMu.Unlock()
	c.rulesMu.Lock()
	defer c.rulesMu.Unlock()

	newFilters := make(map[int64]*filter.Filter, len(filters))
	for _, f := range filters {
		newFilters[f.ID] = filter.CompileFilter(f)
	}
	c.filters = newFilters

	newRules := make(map[int64]*ruleEntry, len(rules))
	newOrder := make([]int64, 0, len(rules))
	for _, r := range rules {
		newRules[r.ID] = &ruleEntry{model: r, action: filter.CompileAction(r)}
		newOrder = append(newOrder, r.ID)
	}
	c.rules = newRules
	c.order = newOrder
}

// upsert inserts or overwrites entries by id — idempotent (spec §4.3
// "ADD/UPDATE: insert or overwrite by id").
func (c *Cache) upsert(filters []flow.FilterModel, rules []flow.RuleModel) {
	if len(filters) > 0 {
		c.filtersMu.Lock()
		for _, f := range filters {
			c.filters[f.ID] = filter.CompileFilter(f)
		}
		c.filtersMu.Unlock()
	}
	if len(rules) > 0 {
		c.rulesMu.Lock()
		for _, r := range rules {
			if _, exists := c.rules[r.ID]; !exists {
				c.order = append(c.order, r.ID)
			}
			c.rules[r.ID] = &ruleEntry{model: r, action: filter.CompileAction(r)}
		}
		c.rulesMu.Unlock()
	}
}

// delete removes every id present in the payload; missing ids are ignored
// (spec §4.3 "DELETE").
func (c *Cache) delete(filters []flow.FilterModel, rules []flow.RuleModel) {
	if len(filters) > 0 {
		c.filtersMu.Lock()
		for _, f := range filters {
			delete(c.filters, f.ID)
		}
		c.filtersMu.Unlock()
	}
	if len(rules) > 0 {
		c.rulesMu.Lock()
		toDelete := make(map[int64]struct{}, len(rules))
		for _, r := range rules {
			toDelete[r.ID] = struct{}{}
			delete(c.rules, r.ID)
		}
		filtered := c.order[:0:0]
		for _, id := range c.order {
			if _, gone := toDelete[id]; !gone {
				filtered = append(filtered, id)
			}
		}
		c.order = filtered
		c.rulesMu.Unlock()
	}
}
