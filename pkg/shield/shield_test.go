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
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ealvarez/atlas-shield/internal/shield/abuse"
	"github.com/ealvarez/atlas-shield/internal/shield/bucket"
	"github.com/ealvarez/atlas-shield/internal/shield/identity"
	"github.com/ealvarez/atlas-shield/internal/shield/observability"
)

// fakeStore replays the documented token-bucket algorithm in memory, the
// same stand-in bucket's own tests use, so pkg/shield's pipeline can be
// exercised end to end without a live Redis instance.
type fakeStore struct {
	mu         sync.Mutex
	nowSec     int64
	tokens     map[string]float64
	lastRefill map[string]int64
	fail       bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{tokens: map[string]float64{}, lastRefill: map[string]int64{}}
}

func (f *fakeStore) EvalSha(ctx context.Context, sha string, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("connection refused")
	}
	key := keys[0]
	capacity := args[0].(int64)
	refillRate := args[1].(float64)
	cost := args[2].(int64)

	tokens, ok := f.tokens[key]
	lastRefill := f.lastRefill[key]
	if !ok {
		tokens = float64(capacity)
		lastRefill = f.nowSec
	}
	elapsed := f.nowSec - lastRefill
	if elapsed < 0 {
		elapsed = 0
	}
	tokens = math.Min(float64(capacity), tokens+float64(elapsed)*refillRate)

	if tokens >= float64(cost) {
		tokens -= float64(cost)
		f.tokens[key] = tokens
		f.lastRefill[key] = f.nowSec
		return []interface{}{int64(1), int64(math.Floor(tokens)), f.nowSec}, nil
	}
	f.lastRefill[key] = f.nowSec
	wait := int64(math.Ceil((float64(cost) - tokens) / refillRate))
	return []interface{}{int64(0), int64(math.Floor(tokens)), f.nowSec + wait}, nil
}

func (f *fakeStore) ScriptLoad(ctx context.Context, script string) (string, error) {
	return bucket.ScriptSHA1, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.fail {
		return errors.New("connection refused")
	}
	return nil
}

// testShield builds a Shield wired to a fakeStore, bypassing New's live
// Dialer so the full C1-C7 pipeline can be exercised deterministically.
func testShield(t *testing.T, store *fakeStore) (*Shield, *abuse.Tracker) {
	t.Helper()
	cfg := Config{StoreURL: "redis://unused", Capacity: 5, RefillRate: 1, Cost: 1}.withDefaults()
	abuseTracker := abuse.New(cfg.abuseConfig())
	metrics := observability.New(cfg.LatencyHistorySize)
	metrics.SetBannedCounter(abuseTracker)
	s := &Shield{
		cfg:        cfg,
		identifier: identity.New(identity.TrustNone()),
		engine:     bucket.NewEngine(store, cfg.KeyPrefix),
		abuse:      abuseTracker,
		metrics:    metrics,
		audit:      observability.NewAudit(io.Discard, observability.Production),
	}
	return s, abuseTracker
}

func TestMiddleware_AllowsFreshPrincipal(t *testing.T) {
	store := newFakeStore()
	s, _ := testShield(t, store)

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "secret123")
	rec := httptest.NewRecorder()

	s.Middleware(next).ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestMiddleware_DeniesAfterCapacityExhausted(t *testing.T) {
	store := newFakeStore()
	s, _ := testShield(t, store)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", "secret123")
		rec := httptest.NewRecorder()
		s.Middleware(next).ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "secret123")
	rec := httptest.NewRecorder()
	s.Middleware(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestMiddleware_FailOpenOnStoreError(t *testing.T) {
	store := newFakeStore()
	store.fail = true
	s, _ := testShield(t, store)

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "secret123")
	rec := httptest.NewRecorder()
	s.Middleware(next).ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_BanShortCircuitsWithoutTouchingStore(t *testing.T) {
	store := newFakeStore()
	s, tracker := testShield(t, store)
	principal := "apikey:" + hashFor("secret123")
	for i := 0; i < 10; i++ {
		tracker.TrackViolation(principal)
	}

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "secret123")
	rec := httptest.NewRecorder()
	s.Middleware(next).ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "BANNED", rec.Header().Get("X-Threat-Level"))
	// Every EvalSha call records last_refill, so an empty map means the
	// bucket script never ran.
	assert.Empty(t, store.lastRefill)
}

func TestMiddleware_RawAPIKeyNeverAppearsInResponse(t *testing.T) {
	store := newFakeStore()
	s, _ := testShield(t, store)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "secret123")
	rec := httptest.NewRecorder()
	s.Middleware(next).ServeHTTP(rec, req)

	assert.NotContains(t, rec.Body.String(), "secret123")
	for _, v := range rec.Header() {
		for _, vv := range v {
			assert.NotContains(t, vv, "secret123")
		}
	}
}

func TestNew_RejectsMissingStoreURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNew_RejectsInvalidCapacity(t *testing.T) {
	_, err := New(Config{StoreURL: "redis://localhost:6379", Capacity: -1})
	require.Error(t, err)
}

func hashFor(key string) string {
	req := identity.New(identity.TrustNone())
	p := req.Identify(&identity.Request{Header: identity.Headers{"X-Api-Key": []string{key}}})
	return p[len("apikey:"):]
}
