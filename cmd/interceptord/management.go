// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/httpflow/interceptor/internal/controlplane"
	"github.com/httpflow/interceptor/internal/metrics"
	"github.com/httpflow/interceptor/internal/observer"
	"github.com/httpflow/interceptor/internal/store"
)

// runManagementPlane is the entry point for the parent process: it owns the
// durable store, the observer fan-out, the worker supervisor, and exposes
// all of it over the management HTTP API and a gRPC health endpoint
// (spec §4.7).
func runManagementPlane(ctx context.Context, v *viper.Viper) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	db, err := store.Open(v.GetString("db-path"))
	if err != nil {
		return fmt.Errorf("open durable store: %w", err)
	}
	defer db.Close()

	rec := metrics.New()
	fanOut := observer.New(logger, rec)
	sup := controlplane.New(logger, fanOut, rec)

	obsLn, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", v.GetInt("observer-port")))
	if err != nil {
		return fmt.Errorf("listen observer port: %w", err)
	}
	defer obsLn.Close()

	healthLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen health port: %w", err)
	}
	defer healthLn.Close()

	grpcSrv := grpc.NewServer()
	controlplane.NewHealthService(sup).Register(grpcSrv)

	api := controlplane.NewManagementAPI(db, sup)
	mux := http.NewServeMux()
	mux.Handle("/", api.Mux())
	mux.Handle("/metrics", promhttp.HandlerFor(rec.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/proxy/start", proxyStartHandler(sup, db, v))
	mux.HandleFunc("/proxy/stop", proxyStopHandler(sup))

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", v.GetInt("management-port")),
		Handler: mux,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return fanOut.Serve(obsLn) })
	g.Go(func() error { return grpcSrv.Serve(healthLn) })
	g.Go(func() error {
		logger.Info("management API listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(context.Background())
	})

	<-ctx.Done()
	if sup.IsRunning() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = sup.Stop(stopCtx)
	}
	return g.Wait()
}

func proxyStartHandler(sup *controlplane.Supervisor, db *store.BuntStore, v *viper.Viper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		port, err := sup.Start(r.Context(), v.GetInt("proxy-port"), workerArgs(v.GetInt("management-port")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		filters, err := db.ListFilters(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		rules, err := db.ListRules(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := sup.FullSync(filters, rules); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		fmt.Fprintf(w, `{"port":%d}`, port)
	}
}

func proxyStopHandler(sup *controlplane.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := sup.Stop(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
