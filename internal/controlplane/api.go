// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/httpflow/interceptor/api/flow"
	"github.com/httpflow/interceptor/internal/store"
)

// ManagementAPI is the parent process's REST surface over filters and
// rules, plus the proxy status endpoint (spec §4.7's "management API" that
// calls into the sync publishers). Proxy start/stop are routed separately
// by cmd/interceptord.
type ManagementAPI struct {
	store store.Store
	sup   *Supervisor
}

// NewManagementAPI returns a ManagementAPI backed by s and sup.
func NewManagementAPI(s store.Store, sup *Supervisor) *ManagementAPI {
	return &ManagementAPI{store: s, sup: sup}
}

// Mux builds the http.Handler routing table.
func (a *ManagementAPI) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/filters", a.handleFilters)
	mux.HandleFunc("/filters/", a.handleFilterByID)
	mux.HandleFunc("/rules", a.handleRules)
	mux.HandleFunc("/rules/", a.handleRuleByID)
	mux.HandleFunc("/status", a.handleStatus)
	return mux
}

func (a *ManagementAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running": a.sup.IsRunning(),
		"port":    a.sup.Port(),
	})
}

func (a *ManagementAPI) handleFilters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		filters, err := a.store.ListFilters(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, filters)

	case http.MethodPost:
		var f flow.FilterModel
		if !decodeJSON(w, r, &f) {
			return
		}
		created, err := a.store.CreateFilter(ctx, f)
		if err != nil {
			writeError(w, err)
			return
		}
		_ = a.sup.SyncFilter(flow.OpAdd, created)
		writeJSON(w, http.StatusCreated, created)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *ManagementAPI) handleFilterByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "/filters/")
	if !ok {
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodPut:
		var f flow.FilterModel
		if !decodeJSON(w, r, &f) {
			return
		}
		f.ID = id
		if err := a.store.UpdateFilter(ctx, f); err != nil {
			writeError(w, err)
			return
		}
		_ = a.sup.SyncFilter(flow.OpUpdate, f)
		writeJSON(w, http.StatusOK, f)

	case http.MethodDelete:
		deletedRules, err := a.store.DeleteFilter(ctx, id)
		if err != nil {
			writeError(w, err)
			return
		}
		_ = a.sup.SyncFilter(flow.OpDelete, flow.FilterModel{ID: id})
		for _, rid := range deletedRules {
			_ = a.sup.SyncRule(flow.OpDelete, flow.RuleModel{ID: rid})
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *ManagementAPI) handleRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		rules, err := a.store.ListRules(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rules)

	case http.MethodPost:
		var ru flow.RuleModel
		if !decodeJSON(w, r, &ru) {
			return
		}
		created, err := a.store.CreateRule(ctx, ru)
		if err != nil {
			writeError(w, err)
			return
		}
		_ = a.sup.SyncRule(flow.OpAdd, created)
		writeJSON(w, http.StatusCreated, created)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *ManagementAPI) handleRuleByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "/rules/")
	if !ok {
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodPut:
		var ru flow.RuleModel
		if !decodeJSON(w, r, &ru) {
			return
		}
		ru.ID = id
		if err := a.store.UpdateRule(ctx, ru); err != nil {
			writeError(w, err)
			return
		}
		_ = a.sup.SyncRule(flow.OpUpdate, ru)
		writeJSON(w, http.StatusOK, ru)

	case http.MethodDelete:
		if err := a.store.DeleteRule(ctx, id); err != nil {
			writeError(w, err)
			return
		}
		_ = a.sup.SyncRule(flow.OpDelete, flow.RuleModel{ID: id})
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, prefix string) (int64, bool) {
	idStr := strings.TrimPrefix(r.URL.Path, prefix)
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrNameExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrFilterInUse):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
