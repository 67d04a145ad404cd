// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main provides the entry point for the Atlas Shield gateway demo.
//
// This binary wires pkg/shield into a runnable HTTP gateway: a protected
// demo handler behind the rate-limiting middleware, a Prometheus /metrics
// endpoint, and a /health endpoint — each its own *http.Server, managed
// together under golang.org/x/sync/errgroup so a listener failure on any
// one of them brings the whole process down cleanly.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ealvarez/atlas-shield/internal/shield/respond"
	"github.com/ealvarez/atlas-shield/pkg/shield"
)

func main() {
	// 1. Parse configuration flags. These mirror spec.md §6's recognized
	// options one-to-one, the same flag-per-knob convention the demo's
	// original main.go used for its commit/eviction tunables.
	capacity := flag.Int64("capacity", 100, "Token-bucket capacity per principal")
	refillRate := flag.Float64("refill_rate", 1, "Refill rate in tokens/second")
	cost := flag.Int64("cost", 1, "Token cost per request")
	keyPrefix := flag.String("key_prefix", "shield:", "Key prefix for the shared store")
	storeURL := flag.String("store_url", "redis://localhost:6379/0", "Shared store connection string (redis:// or rediss://)")
	storeTimeoutMS := flag.Int64("store_timeout_ms", 2000, "Per-command store timeout in milliseconds")
	trustProxy := flag.String("trust_proxy", "false", `Proxy trust: "false", "true", or a positive integer hop count`)
	banThreshold := flag.Int("ban_threshold", 10, "Denials within the violation window before a ban is installed")
	violationWindowMS := flag.Int64("violation_window_ms", 60_000, "Sliding window, in milliseconds, for counting violations")
	banDurationMS := flag.Int64("ban_duration_ms", 600_000, "Ban duration in milliseconds")
	latencyHistorySize := flag.Int("latency_history_size", 1000, "Number of latency samples retained for percentile reporting")
	environment := flag.String("environment", "production", `"development" or "production"`)
	httpAddr := flag.String("http_addr", ":8080", "Gateway HTTP listen address")
	metricsAddr := flag.String("metrics_addr", ":9090", "Prometheus /metrics listen address")
	healthAddr := flag.String("health_addr", ":8081", "Health endpoint listen address")
	flag.Parse()

	trust, err := parseTrustProxy(*trustProxy)
	if err != nil {
		log.Fatalf("invalid -trust_proxy: %v", err)
	}

	cfg := shield.Config{
		Capacity:           *capacity,
		RefillRate:         *refillRate,
		Cost:               *cost,
		KeyPrefix:          *keyPrefix,
		StoreURL:           *storeURL,
		StoreTimeoutMS:     *storeTimeoutMS,
		TrustProxy:         trust,
		BanThreshold:       *banThreshold,
		ViolationWindowMS:  *violationWindowMS,
		BanDurationMS:      *banDurationMS,
		LatencyHistorySize: *latencyHistorySize,
		Environment:        *environment,
	}

	// 2. Construct the gateway. Any configuration error exits non-zero
	// before a single listener opens, per spec.md §6's exit-code contract.
	gw, err := shield.New(cfg)
	if err != nil {
		log.Fatalf("shield: configuration error: %v", err)
	}

	// 3. The protected demo handler behind the middleware.
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"message":"request admitted"}`)
	})
	gatewayServer := &http.Server{
		Addr:              *httpAddr,
		Handler:           gw.Middleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 4. Metrics endpoint, self-protected at 50 req/10s per spec.md §6 —
	// the one place in the repository allowed a local, non-distributed
	// limiter, because this endpoint's protection never needs cross-replica
	// consistency.
	metricsLimiter := rate.NewLimiter(rate.Every(10*time.Second/50), 50)
	metricsMux := http.NewServeMux()
	metricsHandler := promhttp.HandlerFor(gw.Metrics().Registry, promhttp.HandlerOpts{})
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if !metricsLimiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		metricsHandler.ServeHTTP(w, r)
	})
	metricsServer := &http.Server{
		Addr:              *metricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 5. Health endpoint.
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respond.Health(w, gw.Healthy())
	})
	healthServer := &http.Server{
		Addr:              *healthAddr,
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 6. Run all three servers under one errgroup, generalizing the
	// original demo's single-server signal.Notify lifecycle to N servers.
	group, ctx := errgroup.WithContext(context.Background())
	servers := []*http.Server{gatewayServer, metricsServer, healthServer}
	for _, srv := range servers {
		srv := srv
		group.Go(func() error {
			fmt.Printf("listening on %s\n", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	group.Go(func() error {
		select {
		case <-stop:
		case <-ctx.Done():
		}
		fmt.Println("\nshutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		gw.Close()
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("shield: %v", err)
	}
	fmt.Println("gateway gracefully stopped.")
}

func parseTrustProxy(v string) (shield.ProxyTrustConfig, error) {
	switch v {
	case "false", "":
		return shield.ProxyTrustConfig{Enabled: false}, nil
	case "true":
		return shield.ProxyTrustConfig{Enabled: true, Hops: 0}, nil
	default:
		var hops int
		if _, err := fmt.Sscanf(v, "%d", &hops); err != nil || hops <= 0 {
			return shield.ProxyTrustConfig{}, fmt.Errorf("must be false, true, or a positive integer, got %q", v)
		}
		return shield.ProxyTrustConfig{Enabled: true, Hops: hops}, nil
	}
}
