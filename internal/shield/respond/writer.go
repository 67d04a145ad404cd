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

// Package respond centralizes the header and JSON body shaping shared by
// every decision path (allow, bucket-denial, ban short-circuit) so the two
// denial call sites in pkg/shield can never drift and accidentally leave a
// ban escapable, which spec.md §4.2 calls out explicitly as unacceptable.
package respond

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Verdict carries everything a decision path needs to shape a response,
// independent of which component (bucket engine or ban gate) produced it.
type Verdict struct {
	Allowed          bool
	Limit            int64
	Remaining        int64
	ResetEpoch       int64
	Banned           bool
	BanRemainingSecs int64
	RetryAfterSecs   int64
	ThreatDetected    bool
}

// denialBody is the JSON shape spec.md §4.7 requires on every 429.
type denialBody struct {
	Error           string `json:"error"`
	Message         string `json:"message"`
	Banned          bool   `json:"banned"`
	RetryAfterSecs  int64  `json:"retry_after_seconds"`
	Limit           int64  `json:"limit"`
	Remaining       int64  `json:"remaining"`
	Reset           int64  `json:"reset"`
	ThreatDetected  bool   `json:"threat_detected"`
}

// Write emits the full header set for v, plus a JSON body when v is a
// denial. Allow responses carry only the rate-limit headers and leave body
// writing to the caller's handler.
func Write(w http.ResponseWriter, v Verdict) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", itoa(v.Limit))
	h.Set("X-RateLimit-Remaining", itoa(v.Remaining))
	h.Set("X-RateLimit-Reset", itoa(v.ResetEpoch))

	if v.Allowed {
		return
	}

	h.Set("Retry-After", itoa(v.RetryAfterSecs))
	if v.Banned {
		h.Set("X-Ban-Remaining", itoa(v.BanRemainingSecs))
		h.Set("X-Threat-Level", "BANNED")
	}
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	body := denialBody{
		Error:          "Too Many Requests",
		Message:        denialMessage(v),
		Banned:         v.Banned,
		RetryAfterSecs: v.RetryAfterSecs,
		Limit:          v.Limit,
		Remaining:      v.Remaining,
		Reset:          v.ResetEpoch,
		ThreatDetected: v.ThreatDetected,
	}
	_ = json.NewEncoder(w).Encode(body)
}

func denialMessage(v Verdict) string {
	if v.Banned {
		return "client is temporarily banned due to repeated rate-limit violations"
	}
	return "rate limit exceeded"
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
