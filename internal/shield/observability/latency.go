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

package observability

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LatencySketch records handler latency in a fixed-size circular buffer and
// computes percentiles on demand by sorting a snapshot of the valid
// prefix, per design note §9: O(1) amortized recording, O(n log n) reads.
type LatencySketch struct {
	mu     sync.Mutex
	buf    []float64
	cursor int
	filled bool
}

// NewLatencySketch allocates a sketch holding at most size samples.
func NewLatencySketch(size int) *LatencySketch {
	if size <= 0 {
		size = 1000
	}
	return &LatencySketch{buf: make([]float64, size)}
}

// Record stores one latency observation in milliseconds.
func (s *LatencySketch) Record(ms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.cursor] = ms
	s.cursor = (s.cursor + 1) % len(s.buf)
	if s.cursor == 0 {
		s.filled = true
	}
}

// snapshotLocked returns a sorted copy of the valid prefix. Caller must hold mu.
func (s *LatencySketch) snapshotLocked() []float64 {
	n := s.cursor
	if s.filled {
		n = len(s.buf)
	}
	out := make([]float64, n)
	copy(out, s.buf[:n])
	sort.Float64s(out)
	return out
}

// Percentile returns the value at quantile q (0..1) of the current sample,
// or 0 on an empty sample.
func (s *LatencySketch) Percentile(q float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := s.snapshotLocked()
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// P50, P95, P99 are convenience wrappers over Percentile for the quantiles
// spec.md §4.5 names explicitly.
func (s *LatencySketch) P50() float64 { return s.Percentile(0.50) }
func (s *LatencySketch) P95() float64 { return s.Percentile(0.95) }
func (s *LatencySketch) P99() float64 { return s.Percentile(0.99) }

var latencyDesc = prometheus.NewDesc(
	"atlas_response_time_ms", "Handler latency percentiles, in milliseconds.",
	[]string{"quantile"}, nil,
)

// Collector adapts the sketch to prometheus.Collector, exposing
// atlas_response_time_ms{quantile="0.5|0.95|0.99"} the way the teacher's
// churn package exposes rowsPerBatch as a histogram — here a read-time
// sketch rather than a pre-bucketed histogram, per design note §9.
func (s *LatencySketch) Collector() prometheus.Collector { return latencyCollector{s} }

type latencyCollector struct{ s *LatencySketch }

func (c latencyCollector) Describe(ch chan<- *prometheus.Desc) { ch <- latencyDesc }

func (c latencyCollector) Collect(ch chan<- prometheus.Metric) {
	for _, q := range []struct {
		label string
		value float64
	}{
		{"0.5", c.s.P50()},
		{"0.95", c.s.P95()},
		{"0.99", c.s.P99()},
	} {
		ch <- prometheus.MustNewConstMetric(latencyDesc, prometheus.GaugeValue, q.value, q.label)
	}
}
