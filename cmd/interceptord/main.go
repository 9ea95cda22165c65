// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Command interceptord launches the HTTP interceptor: the management API
// process by default, or — when invoked with the hidden --internal-worker-port
// flag set by the supervisor itself — the isolated proxy worker (spec §4.6).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/httpflow/interceptor/internal/metrics"
	"github.com/httpflow/interceptor/internal/worker"
)

const internalWorkerFlag = "internal-worker-port"
const internalWorkerManagementPortFlag = "internal-worker-management-port"

// shutdownGrace bounds how long runManagementPlane waits for a running proxy
// worker to stop cleanly when the process itself is asked to exit.
const shutdownGrace = 3 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("HTTPFLOW")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "interceptord",
		Short: "HTTP interceptor management plane and proxy worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port := v.GetInt(internalWorkerFlag); port != 0 {
				return runWorker(cmd.Context(), port, v.GetInt(internalWorkerManagementPortFlag))
			}
			return runManagementPlane(cmd.Context(), v)
		},
	}

	flags := root.Flags()
	flags.Int("management-port", 8800, "management API listen port")
	flags.Int("proxy-port", 8080, "requested proxy listen port")
	flags.Int("observer-port", 8801, "observer fan-out listen port")
	flags.String("db-path", "interceptor.db", "durable store file path")
	flags.Int(internalWorkerFlag, 0, "internal use only: run as the isolated proxy worker bound to this port")
	flags.Int(internalWorkerManagementPortFlag, 8800, "internal use only: the management API port the worker's exclusion predicate self-excludes")
	_ = flags.MarkHidden(internalWorkerFlag)
	_ = flags.MarkHidden(internalWorkerManagementPortFlag)
	_ = v.BindPFlags(flags)

	return root
}

// runWorker is the entry point taken when this binary is the re-exec'd
// child spawned by controlplane.Supervisor.Start (spec §4.6). managementPort
// is the real management API port, passed through so the worker's exclusion
// predicate self-excludes the management plane rather than the proxy's own
// listen port.
func runWorker(ctx context.Context, port, managementPort int) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	return worker.Run(ctx, logger, port, managementPort, os.Stdout, os.Stdin, metrics.New())
}

// workerArgs builds the argv passed to the re-exec'd child for a given proxy
// port and the control plane's own management port, matching the flags
// runWorker's caller reads back out of viper.
func workerArgs(managementPort int) func(port int) []string {
	return func(port int) []string {
		return []string{
			fmt.Sprintf("--%s=%d", internalWorkerFlag, port),
			fmt.Sprintf("--%s=%d", internalWorkerManagementPortFlag, managementPort),
		}
	}
}
