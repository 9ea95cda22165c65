// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package interceptor

import "context"

type stateKey struct{}

func withState(ctx context.Context, st *flowState) context.Context {
	return context.WithValue(ctx, stateKey{}, st)
}

func stateFromRequest(r interface{ Context() context.Context }) *flowState {
	if r == nil {
		return nil
	}
	st, _ := r.Context().Value(stateKey{}).(*flowState)
	return st
}
