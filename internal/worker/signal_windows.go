// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

//go:build windows

package worker

import "os"

// terminateSignal has no SIGTERM equivalent on Windows; os.Kill is the
// closest available signal for the "terminate" escalation step.
func terminateSignal() os.Signal { return os.Kill }
