// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package store implements the durable record of filters and rules (spec
// §4.4): the source of truth the control plane writes to and reloads from on
// restart. The in-memory cache (internal/cache) never touches it directly —
// every durable write is followed by a SyncMessage that brings the cache up
// to date.
package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/httpflow/interceptor/api/flow"
)

// Store is the durable persistence surface for filters and rules. All
// methods are safe for concurrent use.
type Store interface {
	ListFilters(ctx context.Context) ([]flow.FilterModel, error)
	CreateFilter(ctx context.Context, f flow.FilterModel) (flow.FilterModel, error)
	UpdateFilter(ctx context.Context, f flow.FilterModel) error
	// DeleteFilter removes the filter and cascades to every rule that
	// references it, returning the ids of the rules it removed (spec §4.4
	// "cascading FK deletes").
	DeleteFilter(ctx context.Context, id int64) (deletedRuleIDs []int64, err error)

	ListRules(ctx context.Context) ([]flow.RuleModel, error)
	CreateRule(ctx context.Context, r flow.RuleModel) (flow.RuleModel, error)
	UpdateRule(ctx context.Context, r flow.RuleModel) error
	DeleteRule(ctx context.Context, id int64) error

	Close() error
}

const (
	keyFilterPrefix     = "filter:"
	keyFilterNamePrefix = "filtername:"
	keyRulePrefix       = "rule:"
	keyRuleNamePrefix   = "rulename:"
	keyRuleByFilter     = "rulebyfilter:"
	keyNextFilterID     = "meta:next_filter_id"
	keyNextRuleID       = "meta:next_rule_id"
)

// BuntStore is a Store backed by an embedded buntdb database (spec §4.4,
// DOMAIN STACK: chosen over a SQL driver since none of the example repos
// imports one, while aistore's dbdriver package shows the idiomatic
// collection/key-prefix convention this type follows).
type BuntStore struct {
	db *buntdb.DB
}

var _ Store = (*BuntStore)(nil)

// Open opens (creating if absent) a buntdb file at path. Passing ":memory:"
// yields a non-persistent store, useful for tests and for a worker that
// should not outlive its process.
func Open(path string) (*BuntStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}
	db.SetConfig(buntdb.Config{SyncPolicy: buntdb.EverySecond})
	return &BuntStore{db: db}, nil
}

func (s *BuntStore) Close() error { return s.db.Close() }

func filterKey(id int64) string     { return keyFilterPrefix + strconv.FormatInt(id, 10) }
func ruleKey(id int64) string       { return keyRulePrefix + strconv.FormatInt(id, 10) }
func filterNameKey(n string) string { return keyFilterNamePrefix + n }
func ruleNameKey(n string) string   { return keyRuleNamePrefix + n }
func ruleByFilterKey(filterID, ruleID int64) string {
	return keyRuleByFilter + strconv.FormatInt(filterID, 10) + ":" + strconv.FormatInt(ruleID, 10)
}

func nextID(tx *buntdb.Tx, counterKey string) (int64, error) {
	cur, err := tx.Get(counterKey)
	if err != nil && err != buntdb.ErrNotFound {
		return 0, err
	}
	var n int64
	if cur != "" {
		n, err = strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt id counter %q: %w", counterKey, err)
		}
	}
	n++
	if _, _, err := tx.Set(counterKey, strconv.FormatInt(n, 10), nil); err != nil {
		return 0, err
	}
	return n, nil
}

// ListFilters returns every stored filter in id order.
func (s *BuntStore) ListFilters(_ context.Context) ([]flow.FilterModel, error) {
	var out []flow.FilterModel
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(keyFilterPrefix+"*", func(_, value string) bool {
			var f flow.FilterModel
			if err := jsoniter.UnmarshalFromString(value, &f); err == nil {
				out = append(out, f)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	// Keys compare as strings ("filter:10" < "filter:2"), so sort by id.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateFilter assigns a fresh id and persists f, rejecting a name collision
// with ErrNameExists (spec §4.1 "name uniqueness").
func (s *BuntStore) CreateFilter(_ context.Context, f flow.FilterModel) (flow.FilterModel, error) {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(filterNameKey(f.FilterName)); err == nil {
			return ErrNameExists
		}
		id, err := nextID(tx, keyNextFilterID)
		if err != nil {
			return err
		}
		f.ID = id
		raw, err := jsoniter.MarshalToString(f)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(filterKey(id), raw, nil); err != nil {
			return err
		}
		_, _, err = tx.Set(filterNameKey(f.FilterName), strconv.FormatInt(id, 10), nil)
		return err
	})
	if err != nil {
		return flow.FilterModel{}, err
	}
	return f, nil
}

// UpdateFilter overwrites an existing filter by id.
func (s *BuntStore) UpdateFilter(_ context.Context, f flow.FilterModel) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		old, err := tx.Get(filterKey(f.ID))
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		var prev flow.FilterModel
		if err := jsoniter.UnmarshalFromString(old, &prev); err != nil {
			return err
		}
		if prev.FilterName != f.FilterName {
			if _, err := tx.Get(filterNameKey(f.FilterName)); err == nil {
				return ErrNameExists
			}
			if _, err := tx.Delete(filterNameKey(prev.FilterName)); err != nil && err != buntdb.ErrNotFound {
				return err
			}
			if _, _, err := tx.Set(filterNameKey(f.FilterName), strconv.FormatInt(f.ID, 10), nil); err != nil {
				return err
			}
		}
		raw, err := jsoniter.MarshalToString(f)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(filterKey(f.ID), raw, nil)
		return err
	})
}

// DeleteFilter removes the filter and every rule that references it.
func (s *BuntStore) DeleteFilter(_ context.Context, id int64) ([]int64, error) {
	var deleted []int64
	err := s.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(filterKey(id))
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		var f flow.FilterModel
		if err := jsoniter.UnmarshalFromString(raw, &f); err != nil {
			return err
		}

		var refs []string
		prefix := keyRuleByFilter + strconv.FormatInt(id, 10) + ":"
		if err := tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			refs = append(refs, key)
			return true
		}); err != nil {
			return err
		}
		for _, refKey := range refs {
			ruleIDStr := strings.TrimPrefix(refKey, prefix)
			ruleID, err := strconv.ParseInt(ruleIDStr, 10, 64)
			if err != nil {
				continue
			}
			if err := deleteRuleTx(tx, ruleID); err != nil && err != ErrNotFound {
				return err
			}
			deleted = append(deleted, ruleID)
		}

		if _, err := tx.Delete(filterKey(id)); err != nil {
			return err
		}
		if _, err := tx.Delete(filterNameKey(f.FilterName)); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// ListRules returns every stored rule in id order.
func (s *BuntStore) ListRules(_ context.Context) ([]flow.RuleModel, error) {
	var out []flow.RuleModel
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(keyRulePrefix+"*", func(_, value string) bool {
			var r flow.RuleModel
			if err := jsoniter.UnmarshalFromString(value, &r); err == nil {
				out = append(out, r)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	// Keys compare as strings ("rule:10" < "rule:2"), so sort by id.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateRule assigns a fresh id and persists r, rejecting a name collision
// (ErrNameExists) or a dangling filter reference (ErrNotFound, spec §4.4
// "referential integrity").
func (s *BuntStore) CreateRule(_ context.Context, r flow.RuleModel) (flow.RuleModel, error) {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(filterKey(r.FilterID)); err == buntdb.ErrNotFound {
			return fmt.Errorf("%w: filter id %d", ErrNotFound, r.FilterID)
		} else if err != nil {
			return err
		}
		if _, err := tx.Get(ruleNameKey(r.RuleName)); err == nil {
			return ErrNameExists
		}
		id, err := nextID(tx, keyNextRuleID)
		if err != nil {
			return err
		}
		r.ID = id
		raw, err := jsoniter.MarshalToString(r)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(ruleKey(id), raw, nil); err != nil {
			return err
		}
		if _, _, err := tx.Set(ruleNameKey(r.RuleName), strconv.FormatInt(id, 10), nil); err != nil {
			return err
		}
		_, _, err = tx.Set(ruleByFilterKey(r.FilterID, id), "", nil)
		return err
	})
	if err != nil {
		return flow.RuleModel{}, err
	}
	return r, nil
}

// UpdateRule overwrites an existing rule by id.
func (s *BuntStore) UpdateRule(_ context.Context, r flow.RuleModel) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		old, err := tx.Get(ruleKey(r.ID))
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		var prev flow.RuleModel
		if err := jsoniter.UnmarshalFromString(old, &prev); err != nil {
			return err
		}
		if prev.FilterID != r.FilterID {
			if _, err := tx.Get(filterKey(r.FilterID)); err == buntdb.ErrNotFound {
				return fmt.Errorf("%w: filter id %d", ErrNotFound, r.FilterID)
			} else if err != nil {
				return err
			}
			if _, err := tx.Delete(ruleByFilterKey(prev.FilterID, r.ID)); err != nil && err != buntdb.ErrNotFound {
				return err
			}
			if _, _, err := tx.Set(ruleByFilterKey(r.FilterID, r.ID), "", nil); err != nil {
				return err
			}
		}
		if prev.RuleName != r.RuleName {
			if _, err := tx.Get(ruleNameKey(r.RuleName)); err == nil {
				return ErrNameExists
			}
			if _, err := tx.Delete(ruleNameKey(prev.RuleName)); err != nil && err != buntdb.ErrNotFound {
				return err
			}
			if _, _, err := tx.Set(ruleNameKey(r.RuleName), strconv.FormatInt(r.ID, 10), nil); err != nil {
				return err
			}
		}
		raw, err := jsoniter.MarshalToString(r)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(ruleKey(r.ID), raw, nil)
		return err
	})
}

// DeleteRule removes a rule by id; a missing id is reported as ErrNotFound.
func (s *BuntStore) DeleteRule(_ context.Context, id int64) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		return deleteRuleTx(tx, id)
	})
}

func deleteRuleTx(tx *buntdb.Tx, id int64) error {
	raw, err := tx.Get(ruleKey(id))
	if err == buntdb.ErrNotFound {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	var r flow.RuleModel
	if err := jsoniter.UnmarshalFromString(raw, &r); err != nil {
		return err
	}
	if _, err := tx.Delete(ruleKey(id)); err != nil {
		return err
	}
	if _, err := tx.Delete(ruleNameKey(r.RuleName)); err != nil && err != buntdb.ErrNotFound {
		return err
	}
	if _, err := tx.Delete(ruleByFilterKey(r.FilterID, id)); err != nil && err != buntdb.ErrNotFound {
		return err
	}
	return nil
}
