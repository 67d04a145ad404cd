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

// Package observability holds the process-level counters, gauges, audit
// log, and latency sketch shared across one gateway instance. Unlike the
// teacher's churn package, which registers its collectors against the
// global prometheus.DefaultRegisterer because a demo process only ever
// runs one of it, each Metrics here owns a private prometheus.Registry so
// multiple shield instances (as in tests) never collide on MustRegister.
package observability

import (
	"math"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// ThreatLevel mirrors the ordinal summary clients see in X-Threat-Level.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "LOW"
	ThreatMedium   ThreatLevel = "MEDIUM"
	ThreatHigh     ThreatLevel = "HIGH"
	ThreatCritical ThreatLevel = "CRITICAL"
)

// Metrics owns every counter and gauge atlas_ exposes, plus the raw
// atomics the derived gauges (protection_rate, system_health_score,
// threat_level) are computed from on read.
type Metrics struct {
	Registry *prometheus.Registry

	requestsAllowed   prometheus.Counter
	requestsBlocked   prometheus.Counter
	blockedStandard   prometheus.Counter
	blockedMalicious  prometheus.Counter
	threatsNeutralized prometheus.Counter
	redisErrors       prometheus.Counter
	failOpenEvents    prometheus.Counter

	activeClients prometheus.GaugeFunc
	bannedClients prometheus.GaugeFunc
	healthScore   prometheus.GaugeFunc
	protection    prometheus.GaugeFunc
	threat        prometheus.GaugeFunc

	responseTime *LatencySketch

	// raw counts backing the derived gauges
	allowedN   atomic.Int64
	blockedN   atomic.Int64
	stdBlockN  atomic.Int64
	malBlockN  atomic.Int64
	neutrN     atomic.Int64
	redisErrN  atomic.Int64
	failOpenN  atomic.Int64

	clients *ActiveClients
	banned  BannedCounter
}

// BannedCounter abstracts the one call Metrics needs from abuse.Tracker to
// avoid an import cycle between observability and abuse.
type BannedCounter interface {
	BannedCount() int
}

type noBans struct{}

func (noBans) BannedCount() int { return 0 }

// New builds a Metrics instance registered against a fresh private
// registry. latencyHistorySize sets the number of samples the latency
// sketch retains for percentile reporting (spec §6's latency_history_size,
// default 1000). The banned-clients count reads as 0 until
// SetBannedCounter wires in the abuse tracker.
func New(latencyHistorySize int) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry:     reg,
		responseTime: NewLatencySketch(latencyHistorySize),
		clients:      NewActiveClients(),
		banned:       noBans{},
	}

	m.requestsAllowed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlas_requests_allowed_total", Help: "Total requests admitted.",
	})
	m.requestsBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlas_requests_blocked_total", Help: "Total requests denied.",
	})
	m.blockedStandard = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlas_blocked_standard_total", Help: "Denials not attributable to a banned principal.",
	})
	m.blockedMalicious = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlas_blocked_malicious_total", Help: "Denials short-circuited by an active ban, plus the denial that installs a ban.",
	})
	m.threatsNeutralized = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlas_threats_neutralized_total", Help: "Principals transitioned into a ban.",
	})
	m.redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlas_redis_errors_total", Help: "Store errors observed by the bucket engine.",
	})
	m.failOpenEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlas_fail_open_events_total", Help: "Requests admitted because the store could not be reached.",
	})

	m.activeClients = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "atlas_active_clients", Help: "Distinct principals observed in the tracking window.",
	}, func() float64 { return float64(m.clients.Count()) })
	m.bannedClients = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "atlas_banned_clients", Help: "Principals currently under an active ban.",
	}, func() float64 { return float64(m.banned.BannedCount()) })
	m.healthScore = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "atlas_system_health_score", Help: "Fraction of decided requests that reached a conclusive store verdict, 0-100.",
	}, m.SystemHealthScore)
	m.protection = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "atlas_protection_rate", Help: "Fraction of decided requests that were denied, 0-100.",
	}, m.ProtectionRate)
	m.threat = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "atlas_threat_level", Help: "Ordinal threat summary: 0=LOW 1=MEDIUM 2=HIGH 3=CRITICAL.",
	}, func() float64 { return float64(threatOrdinal(m.ThreatLevel())) })

	reg.MustRegister(
		m.requestsAllowed, m.requestsBlocked, m.blockedStandard, m.blockedMalicious,
		m.threatsNeutralized, m.redisErrors, m.failOpenEvents,
		m.activeClients, m.bannedClients, m.healthScore, m.protection, m.threat,
	)
	reg.MustRegister(m.responseTime.Collector())

	return m
}

// SetBannedCounter wires the abuse tracker's live ban count once
// constructed; called once from pkg/shield's setup path.
func (m *Metrics) SetBannedCounter(b BannedCounter) {
	if b != nil {
		m.banned = b
	}
}

// RecordAllowed records one admitted decision for principal and its
// observed handler latency.
func (m *Metrics) RecordAllowed(principal string, latencyMS float64) {
	m.requestsAllowed.Inc()
	m.allowedN.Add(1)
	m.clients.Touch(principal)
	m.responseTime.Record(latencyMS)
}

// RecordBlocked records one denied decision. malicious marks denials
// attributable to a banned principal: either short-circuited by an
// existing ban, or the ban-transition denial itself, so every ban
// recorded via RecordThreatNeutralized has a corresponding malicious
// block (invariant: threats_neutralized <= blocked_malicious).
func (m *Metrics) RecordBlocked(principal string, malicious bool, latencyMS float64) {
	m.requestsBlocked.Inc()
	m.blockedN.Add(1)
	m.clients.Touch(principal)
	m.responseTime.Record(latencyMS)
	if malicious {
		m.blockedMalicious.Inc()
		m.malBlockN.Add(1)
	} else {
		m.blockedStandard.Inc()
		m.stdBlockN.Add(1)
	}
}

// RecordThreatNeutralized records a principal's transition into a ban.
func (m *Metrics) RecordThreatNeutralized() {
	m.threatsNeutralized.Inc()
	m.neutrN.Add(1)
}

// RecordRedisError records a store failure observed outside the fail-open
// path (e.g. a health probe).
func (m *Metrics) RecordRedisError() {
	m.redisErrors.Inc()
	m.redisErrN.Add(1)
}

// RecordFailOpen records one fail-open admission.
func (m *Metrics) RecordFailOpen() {
	m.failOpenEvents.Inc()
	m.failOpenN.Add(1)
	m.redisErrors.Inc()
	m.redisErrN.Add(1)
}

// ProtectionRate returns the percentage (0-100) of decided requests that
// were denied; zero when no traffic has been decided yet.
func (m *Metrics) ProtectionRate() float64 {
	allowed := m.allowedN.Load()
	blocked := m.blockedN.Load()
	total := allowed + blocked
	if total == 0 {
		return 0
	}
	return 100 * float64(blocked) / float64(total)
}

// SystemHealthScore returns the percentage (0-100) of decided requests
// that reached a conclusive store verdict, distinct from ProtectionRate
// by design: a store outage can drive this to 0 while fail-open keeps
// ProtectionRate untouched.
func (m *Metrics) SystemHealthScore() float64 {
	allowed := m.allowedN.Load()
	blocked := m.blockedN.Load()
	total := allowed + blocked
	if total == 0 {
		return 100
	}
	degraded := m.redisErrN.Load() + m.failOpenN.Load()
	score := 100 - 100*float64(degraded)/float64(total)
	return math.Max(0, score)
}

// ThreatLevel classifies current conditions from whichever of
// (banned_clients, protection_rate) indicates more danger.
func (m *Metrics) ThreatLevel() ThreatLevel {
	banned := m.banned.BannedCount()
	rate := m.ProtectionRate()
	switch {
	case banned >= 5 || rate >= 50:
		return ThreatCritical
	case banned >= 2 || rate >= 30:
		return ThreatHigh
	case banned >= 1 || rate >= 10:
		return ThreatMedium
	default:
		return ThreatLow
	}
}

func threatOrdinal(t ThreatLevel) int {
	switch t {
	case ThreatCritical:
		return 3
	case ThreatHigh:
		return 2
	case ThreatMedium:
		return 1
	default:
		return 0
	}
}

// LatencySketch exposes the underlying recorder so callers can read
// percentiles without re-deriving them.
func (m *Metrics) LatencySketch() *LatencySketch { return m.responseTime }

// ActiveClients exposes the tracked-principal set, e.g. for tests.
func (m *Metrics) ActiveClients() *ActiveClients { return m.clients }
