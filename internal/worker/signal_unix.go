// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

//go:build !windows

package worker

import (
	"os"
	"syscall"
)

// terminateSignal is the "terminate" escalation step between the initial
// stdin-close request and a hard kill (spec §4.7 "graceful -> terminate ->
// kill escalation").
func terminateSignal() os.Signal { return syscall.SIGTERM }
