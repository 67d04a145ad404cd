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
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventKind enumerates every audit event shield can emit. Event kinds are
// fixed strings rather than an open-ended log message so downstream log
// pipelines can filter/alert on event_type without string matching.
type EventKind string

const (
	EventAllowed           EventKind = "rate_limit_allowed"
	EventBlocked           EventKind = "rate_limit_blocked"
	EventBannedBlocked     EventKind = "banned_request_blocked"
	EventFailOpen          EventKind = "rate_limit_fail_open"
	EventError             EventKind = "rate_limit_error"
	EventMaliciousDetected EventKind = "malicious_client_detected"
	EventServerStarted     EventKind = "server_started"
	EventRedisConnected    EventKind = "redis_connected"
	EventRedisError        EventKind = "redis_error"
	EventRedisClosed       EventKind = "redis_connection_closed"
)

// Action is the ALLOW/DENY field required on every decision event.
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionDeny  Action = "DENY"
)

// Environment selects the audit log's wire format.
type Environment string

const (
	Production  Environment = "production"
	Development Environment = "development"
)

// Audit emits structured decision and lifecycle events. In Production it
// writes JSON lines; in Development it writes zerolog's colored
// ConsoleWriter — the exact duality spec.md §4.5 calls for, and a
// deliberate generalization of the teacher's fmt.Println-only demo
// logging, which never had to choose a wire format because it only ever
// printed to a terminal.
type Audit struct {
	logger zerolog.Logger
}

// NewAudit builds an Audit writing to w (os.Stdout in production use).
// Pass env = Development to get human-readable colored lines instead of
// JSON.
func NewAudit(w io.Writer, env Environment) *Audit {
	var out io.Writer = w
	if env == Development {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).With().Timestamp().Logger()
	return &Audit{logger: logger}
}

// NewStdoutAudit is a convenience constructor wiring env from a string,
// the same default cmd/shield-gateway reads from its -environment flag.
func NewStdoutAudit(env string) *Audit {
	e := Production
	if env == string(Development) {
		e = Development
	}
	return NewAudit(os.Stdout, e)
}

// Decision emits one of the decision-path event kinds (allowed, blocked,
// banned, fail-open, error). Raw client secrets must never be passed as
// clientID — callers pass the already-hashed principal string.
func (a *Audit) Decision(kind EventKind, clientID string, action Action, remainingTokens int64) {
	level := zerolog.InfoLevel
	if kind == EventError {
		level = zerolog.ErrorLevel
	}
	a.logger.WithLevel(level).
		Str("event_id", uuid.NewString()).
		Str("event_type", string(kind)).
		Str("client_id", clientID).
		Str("action", string(action)).
		Int64("remaining_tokens", remainingTokens).
		Msg(string(kind))
}

// FailOpen emits rate_limit_fail_open at Warn, not Error: the degradation
// is intentional per spec.md §4.6, not a defect to page on.
func (a *Audit) FailOpen(clientID string) {
	a.logger.Warn().
		Str("event_id", uuid.NewString()).
		Str("event_type", string(EventFailOpen)).
		Str("client_id", clientID).
		Str("action", string(ActionAllow)).
		Int64("remaining_tokens", -1).
		Msg(string(EventFailOpen))
}

// MaliciousDetected emits the event marking a principal's transition into
// a ban.
func (a *Audit) MaliciousDetected(clientID string) {
	a.logger.Warn().
		Str("event_id", uuid.NewString()).
		Str("event_type", string(EventMaliciousDetected)).
		Str("client_id", clientID).
		Msg(string(EventMaliciousDetected))
}

// Lifecycle emits a non-decision event (server_started, redis_connected,
// redis_error, redis_connection_closed) with free-form key/value context.
func (a *Audit) Lifecycle(kind EventKind, fields map[string]string) {
	ev := a.logger.Info()
	if kind == EventRedisError {
		ev = a.logger.Error()
	}
	ev = ev.Str("event_id", uuid.NewString()).Str("event_type", string(kind))
	for k, v := range fields {
		ev = ev.Str(k, v)
	}
	ev.Msg(string(kind))
}

// Recover swallows and logs a panic from audit/metrics emission itself, so
// an observability failure can never fail a request, per spec.md §7.
func (a *Audit) Recover() {
	if r := recover(); r != nil {
		a.logger.Error().
			Str("event_id", uuid.NewString()).
			Interface("panic", r).
			Msg("observability emission recovered")
	}
}
