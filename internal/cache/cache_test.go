// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package cache_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/httpflow/interceptor/api/flow"
	"github.com/httpflow/interceptor/internal/cache"
)

func TestCache_FullSyncThenGetActiveRules_StableOrder(t *testing.T) {
	c := cache.New(nil)
	c.HandleSync(&flow.SyncMessage{
		Operation: flow.OpFullSync,
		FiltersData: []flow.FilterModel{
			{ID: 1, FilterName: "f1", Field: "url", Operator: flow.OperatorContains, Value: "/a"},
		},
		RulesList: []flow.RuleModel{
			{ID: 10, RuleName: "r1", FilterID: 1, Action: flow.ActionAddHeader, TargetKey: "X", TargetValue: "1", Enabled: true},
			{ID: 11, RuleName: "r2", FilterID: 1, Action: flow.ActionAddHeader, TargetKey: "Y", TargetValue: "2", Enabled: true},
			{ID: 12, RuleName: "r3", FilterID: 1, Action: flow.ActionAddHeader, TargetKey: "Z", TargetValue: "3", Enabled: false},
		},
	})

	for i := 0; i < 5; i++ {
		active := c.GetActiveRules()
		require.Len(t, active, 2)
		require.Equal(t, int64(10), active[0].Model.ID)
		require.Equal(t, int64(11), active[1].Model.ID)
	}

	_, ok := c.GetFilterByID(1)
	require.True(t, ok)
	_, ok = c.GetFilterByID(99)
	require.False(t, ok)
}

func TestCache_AddIsIdempotentAndPreservesInsertionOrder(t *testing.T) {
	c := cache.New(nil)
	c.HandleSync(&flow.SyncMessage{Operation: flow.OpAdd, RulesList: []flow.RuleModel{
		{ID: 1, RuleName: "a", Enabled: true},
	}})
	c.HandleSync(&flow.SyncMessage{Operation: flow.OpAdd, RulesList: []flow.RuleModel{
		{ID: 2, RuleName: "b", Enabled: true},
	}})
	// Re-adding id 1 (an UPDATE in practice) must not move its position.
	c.HandleSync(&flow.SyncMessage{Operation: flow.OpUpdate, RulesList: []flow.RuleModel{
		{ID: 1, RuleName: "a-renamed", Enabled: true},
	}})

	active := c.GetActiveRules()
	require.Len(t, active, 2)
	require.Equal(t, int64(1), active[0].Model.ID)
	require.Equal(t, "a-renamed", active[0].Model.RuleName)
	require.Equal(t, int64(2), active[1].Model.ID)
}

func TestCache_DeleteIgnoresMissingIDs(t *testing.T) {
	c := cache.New(nil)
	c.HandleSync(&flow.SyncMessage{Operation: flow.OpAdd, RulesList: []flow.RuleModel{{ID: 1, Enabled: true}}})
	c.HandleSync(&flow.SyncMessage{Operation: flow.OpDelete, RulesList: []flow.RuleModel{{ID: 999}, {ID: 1}}})
	require.Empty(t, c.GetActiveRules())
}

func TestCache_CascadeDeleteViaSync(t *testing.T) {
	c := cache.New(nil)
	c.HandleSync(&flow.SyncMessage{
		Operation:   flow.OpFullSync,
		FiltersData: []flow.FilterModel{{ID: 1}},
		RulesList:   []flow.RuleModel{{ID: 10, FilterID: 1, Enabled: true}},
	})
	// The durable store cascades the filter delete; the cache learns about
	// the dependent rule via a DELETE sync naming it explicitly (spec §8 S6).
	c.HandleSync(&flow.SyncMessage{
		Operation:   flow.OpDelete,
		FiltersData: []flow.FilterModel{{ID: 1}},
		RulesList:   []flow.RuleModel{{ID: 10}},
	})
	_, ok := c.GetFilterByID(1)
	require.False(t, ok)
	require.Empty(t, c.GetActiveRules())
}

func TestCache_MalformedOperationIsDroppedNotFatal(t *testing.T) {
	c := cache.New(nil)
	c.HandleSync(&flow.SyncMessage{Operation: flow.OpAdd, RulesList: []flow.RuleModel{{ID: 1, Enabled: true}}})
	c.HandleSync(&flow.SyncMessage{Operation: flow.OperationType(99)})
	require.Len(t, c.GetActiveRules(), 1)
	c.HandleSync(nil)
	require.Len(t, c.GetActiveRules(), 1)
}

func TestCache_ConcurrentReadsDoNotBlockEachOther(t *testing.T) {
	c := cache.New(nil)
	c.HandleSync(&flow.SyncMessage{Operation: flow.OpFullSync, RulesList: []flow.RuleModel{{ID: 1, Enabled: true}}})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.GetActiveRules()
			_, _ = c.GetFilterByID(1)
		}()
	}
	wg.Wait()
}
