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

package shield

import (
	"context"
	"net/http"
	"time"

	"github.com/ealvarez/atlas-shield/internal/shield/abuse"
	"github.com/ealvarez/atlas-shield/internal/shield/bucket"
	"github.com/ealvarez/atlas-shield/internal/shield/identity"
	"github.com/ealvarez/atlas-shield/internal/shield/observability"
	"github.com/ealvarez/atlas-shield/internal/shield/respond"
)

// Shield is the constructed gateway: identity resolution, ban gate,
// bucket engine, violation tracker and observability wired together per
// spec.md §2's control flow. Build one with New and mount Middleware
// in front of the protected handler.
type Shield struct {
	cfg Config

	identifier *identity.Identifier
	dialer     *bucket.Dialer
	engine     *bucket.Engine
	abuse      *abuse.Tracker
	metrics    *observability.Metrics
	audit      *observability.Audit
}

// New validates cfg, dials the shared store and starts background
// lifecycles (store health probe, abuse sweeper). It returns a
// *ConfigError, never a panic, on any misconfiguration — spec.md §7 item
// 1.
func New(cfg Config) (*Shield, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	dialer, err := bucket.NewDialer(cfg.StoreURL, cfg.storeTimeout())
	if err != nil {
		return nil, &ConfigError{Field: "store_url", Msg: err.Error()}
	}

	engine := bucket.NewEngine(dialer.Client, cfg.KeyPrefix)
	abuseTracker := abuse.New(cfg.abuseConfig())
	metrics := observability.New(cfg.LatencyHistorySize)
	metrics.SetBannedCounter(abuseTracker)
	audit := observability.NewStdoutAudit(cfg.Environment)

	s := &Shield{
		cfg:        cfg,
		identifier: identity.New(cfg.proxyTrust()),
		dialer:     dialer,
		engine:     engine,
		abuse:      abuseTracker,
		metrics:    metrics,
		audit:      audit,
	}

	dialer.Start()
	abuseTracker.Start()
	audit.Lifecycle(observability.EventServerStarted, map[string]string{
		"environment": cfg.Environment,
	})

	return s, nil
}

// Close stops background lifecycles. Call during graceful shutdown.
func (s *Shield) Close() {
	s.abuse.Stop()
	s.dialer.Stop()
	s.audit.Lifecycle(observability.EventRedisClosed, nil)
}

// Metrics exposes the private Prometheus registry for mounting a /metrics
// handler.
func (s *Shield) Metrics() *observability.Metrics { return s.metrics }

// Healthy reports the last-observed reachability of the shared store, for
// the health endpoint.
func (s *Shield) Healthy() bool { return s.dialer.Healthy() }

// Middleware wraps next with the full C1→C7 request pipeline.
func (s *Shield) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer s.audit.Recover()

		principal := s.identifier.Identify(adaptRequest(r))

		if banned, secs := s.abuse.IsBanned(principal); banned {
			s.metrics.RecordBlocked(principal, true, elapsedMS(start))
			respond.Write(w, respond.Verdict{
				Allowed:          false,
				Limit:            s.cfg.Capacity,
				Remaining:        0,
				ResetEpoch:       time.Now().Unix() + secs,
				Banned:           true,
				BanRemainingSecs: secs,
				RetryAfterSecs:   secs,
				ThreatDetected:   true,
			})
			s.audit.Decision(observability.EventBannedBlocked, principal, observability.ActionDeny, 0)
			return
		}

		verdict, err := s.engine.CheckAndConsume(r.Context(), principal, s.cfg.Capacity, s.cfg.RefillRate, s.cfg.Cost)
		if err != nil {
			s.metrics.RecordFailOpen()
			s.audit.FailOpen(principal)
			next.ServeHTTP(w, r)
			return
		}

		if verdict.Allowed {
			s.metrics.RecordAllowed(principal, elapsedMS(start))
			respond.Write(w, respond.Verdict{
				Allowed:    true,
				Limit:      s.cfg.Capacity,
				Remaining:  verdict.Remaining,
				ResetEpoch: verdict.ResetEpoch,
			})
			s.audit.Decision(observability.EventAllowed, principal, observability.ActionAllow, verdict.Remaining)
			next.ServeHTTP(w, r)
			return
		}

		becameBanned := s.abuse.TrackViolation(principal)
		retryAfter := verdict.ResetEpoch - time.Now().Unix()
		if retryAfter < 0 {
			retryAfter = 0
		}
		s.metrics.RecordBlocked(principal, becameBanned, elapsedMS(start))
		if becameBanned {
			s.metrics.RecordThreatNeutralized()
			s.audit.MaliciousDetected(principal)
		}
		respond.Write(w, respond.Verdict{
			Allowed:        false,
			Limit:          s.cfg.Capacity,
			Remaining:      verdict.Remaining,
			ResetEpoch:     verdict.ResetEpoch,
			RetryAfterSecs: retryAfter,
			ThreatDetected: becameBanned,
		})
		s.audit.Decision(observability.EventBlocked, principal, observability.ActionDeny, verdict.Remaining)
	})
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// adaptRequest translates *http.Request into identity.Request once, at the
// edge, per the teacher-style framework-neutral boundary the identity
// package documents.
func adaptRequest(r *http.Request) *identity.Request {
	var subject string
	if v := r.Context().Value(subjectContextKey{}); v != nil {
		subject, _ = v.(string)
	}
	return &identity.Request{
		Header:     identity.Headers(r.Header),
		Query:      r.URL.Query(),
		SubjectID:  subject,
		RemoteAddr: r.RemoteAddr,
	}
}

// subjectContextKey is the context key an upstream auth middleware may use
// to publish an already-authenticated subject id, consumed by adaptRequest.
type subjectContextKey struct{}

// WithSubject returns a request carrying subject as the authenticated
// principal id for identity resolution's second-priority strategy. Call
// this from an upstream auth middleware before Middleware runs.
func WithSubject(r *http.Request, subject string) *http.Request {
	ctx := context.WithValue(r.Context(), subjectContextKey{}, subject)
	return r.WithContext(ctx)
}
