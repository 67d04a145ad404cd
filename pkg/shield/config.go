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

// Package shield is the embeddable rate-limiting gateway: an
// http.Handler-wrapping middleware composing identity resolution, the ban
// gate, the atomic token-bucket engine, violation tracking, and structured
// observability into the control flow spec.md §2 lays out: C1 → C2 →
// (banned? deny) → C3 (fail-open via C6 on error) → allowed? audit + next :
// C4 escalation + audit + deny.
package shield

import (
	"fmt"
	"time"

	"github.com/ealvarez/atlas-shield/internal/shield/abuse"
	"github.com/ealvarez/atlas-shield/internal/shield/bucket"
	"github.com/ealvarez/atlas-shield/internal/shield/identity"
)

// ConfigError reports a fail-fast misconfiguration detected at New, never
// at request time — spec.md §7 item 1.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("shield: config %s: %s", e.Field, e.Msg) }

// Config holds every recognized option from spec.md §6. Zero values for
// the tunable fields are replaced by their documented defaults in New; the
// fields with no sensible default (StoreURL) are required.
type Config struct {
	Capacity   int64   // default 100
	RefillRate float64 // tokens/s, default 1
	Cost       int64   // default 1

	KeyPrefix string // default "shield:"

	StoreURL       string // required; scheme selects TLS (rediss://)
	StoreTimeoutMS int64  // default 2000

	TrustProxy ProxyTrustConfig

	BanThreshold      int   // default 10
	ViolationWindowMS int64 // default 60000
	BanDurationMS     int64 // default 600000

	LatencyHistorySize int // default 1000

	Environment string // "development" or "production", default "production"
}

// ProxyTrustConfig mirrors spec.md §6's trust_proxy option: false (no
// proxy), a positive integer (trust N hops), or true (trust any).
type ProxyTrustConfig struct {
	Enabled bool
	Hops    int // 0 means trust all when Enabled
}

func (c Config) withDefaults() Config {
	if c.Capacity == 0 {
		c.Capacity = 100
	}
	if c.RefillRate == 0 {
		c.RefillRate = 1
	}
	if c.Cost == 0 {
		c.Cost = 1
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "shield:"
	}
	if c.StoreTimeoutMS == 0 {
		c.StoreTimeoutMS = 2000
	}
	if c.BanThreshold == 0 {
		c.BanThreshold = 10
	}
	if c.ViolationWindowMS == 0 {
		c.ViolationWindowMS = 60_000
	}
	if c.BanDurationMS == 0 {
		c.BanDurationMS = 600_000
	}
	if c.LatencyHistorySize == 0 {
		c.LatencyHistorySize = 1000
	}
	if c.Environment == "" {
		c.Environment = "production"
	}
	return c
}

func (c Config) validate() error {
	if c.StoreURL == "" {
		return &ConfigError{Field: "store_url", Msg: "required"}
	}
	if err := bucket.ValidateLimits(c.Capacity, c.RefillRate, c.Cost); err != nil {
		return &ConfigError{Field: "capacity/refill_rate/cost", Msg: err.Error()}
	}
	if c.BanThreshold <= 0 {
		return &ConfigError{Field: "ban_threshold", Msg: "must be > 0"}
	}
	if c.Environment != "development" && c.Environment != "production" {
		return &ConfigError{Field: "environment", Msg: "must be development or production"}
	}
	return nil
}

func (c Config) proxyTrust() identity.ProxyTrust {
	if !c.TrustProxy.Enabled {
		return identity.TrustNone()
	}
	if c.TrustProxy.Hops <= 0 {
		return identity.TrustAll()
	}
	return identity.TrustHops(c.TrustProxy.Hops)
}

func (c Config) abuseConfig() abuse.Config {
	return abuse.Config{
		Threshold:   c.BanThreshold,
		Window:      time.Duration(c.ViolationWindowMS) * time.Millisecond,
		BanDuration: time.Duration(c.BanDurationMS) * time.Millisecond,
	}
}

func (c Config) storeTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMS) * time.Millisecond
}
