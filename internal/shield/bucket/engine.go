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

// Package bucket executes the atomic token-bucket refill-and-consume script
// against the shared key-value store. Script registration is managed
// explicitly — cached by SHA1, reloaded once on NOSCRIPT — the same shape
// as the teacher's persistence.RedisEvaler abstraction, so tests substitute
// a fake Cmdable instead of requiring a live store.
package bucket

import (
	"context"
	"crypto/sha1"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

//go:embed tokenbucket.lua
var tokenBucketScript string

// ScriptSHA1 is the content-addressed hash of the embedded script, computed
// once at init so callers (and tests) can assert against it.
var ScriptSHA1 = sha1Hex(tokenBucketScript)

// Verdict models the script's three-field return tuple.
type Verdict struct {
	Allowed    bool
	Remaining  int64
	ResetEpoch int64
}

// StoreError wraps any failure talking to the shared store: connection
// errors, timeouts, or a script error surviving one re-registration retry.
// Callers (pkg/shield) treat *StoreError as the trigger for fail-open.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("shield: store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// Cmdable is the minimal surface required from the shared store client.
// RedisClient (redisclient.go) adapts *github.com/redis/go-redis/v9.Client
// to this interface, the same shape as the teacher's persistence.RedisEvaler
// wrapping Cmdable.Eval — tests substitute a fake instead of a live store.
type Cmdable interface {
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) (interface{}, error)
	ScriptLoad(ctx context.Context, script string) (string, error)
	Ping(ctx context.Context) error
}

// Engine executes the token-bucket script against a Cmdable store client.
type Engine struct {
	client    Cmdable
	keyPrefix string
	sha       atomic.Value // string
	loadGroup singleflight.Group
}

// NewEngine constructs an Engine. keyPrefix defaults to "shield:" per
// spec.md §6 when empty.
func NewEngine(client Cmdable, keyPrefix string) *Engine {
	if keyPrefix == "" {
		keyPrefix = "shield:"
	}
	e := &Engine{client: client, keyPrefix: keyPrefix}
	e.sha.Store(ScriptSHA1)
	return e
}

// ValidateLimits rejects configuration errors at construction time rather
// than per request, per spec.md §7 item 1/4.
func ValidateLimits(capacity int64, refillRate float64, cost int64) error {
	if capacity <= 0 {
		return errors.New("shield: capacity must be > 0")
	}
	if refillRate <= 0 {
		return errors.New("shield: refill_rate must be > 0")
	}
	if cost <= 0 {
		return errors.New("shield: cost must be > 0")
	}
	if capacity < cost {
		return errors.New("shield: capacity must be >= cost")
	}
	return nil
}

// CheckAndConsume runs the atomic refill-and-consume script for principal.
// On a NOSCRIPT reply it reloads the script once (deduplicated across
// concurrent callers via singleflight) and retries exactly once before
// surfacing a *StoreError.
func (e *Engine) CheckAndConsume(ctx context.Context, principal string, capacity int64, refillRate float64, cost int64) (Verdict, error) {
	key := e.keyPrefix + principal
	sha, _ := e.sha.Load().(string)

	v, err := e.runScript(ctx, sha, key, capacity, refillRate, cost)
	if err == nil {
		return v, nil
	}
	if !isNoScript(err) {
		return Verdict{}, &StoreError{Op: "eval", Err: err}
	}

	newSha, loadErr := e.reload(ctx)
	if loadErr != nil {
		return Verdict{}, &StoreError{Op: "script_load", Err: loadErr}
	}
	v, err = e.runScript(ctx, newSha, key, capacity, refillRate, cost)
	if err != nil {
		return Verdict{}, &StoreError{Op: "eval_retry", Err: err}
	}
	return v, nil
}

func (e *Engine) reload(ctx context.Context) (string, error) {
	v, err, _ := e.loadGroup.Do("load", func() (interface{}, error) {
		sha, err := e.client.ScriptLoad(ctx, tokenBucketScript)
		if err != nil {
			return "", err
		}
		e.sha.Store(sha)
		return sha, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (e *Engine) runScript(ctx context.Context, sha, key string, capacity int64, refillRate float64, cost int64) (Verdict, error) {
	res, err := e.client.EvalSha(ctx, sha, []string{key}, capacity, refillRate, cost)
	if err != nil {
		return Verdict{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return Verdict{}, fmt.Errorf("shield: unexpected script result %T", res)
	}
	return Verdict{
		Allowed:    toInt64(vals[0]) == 1,
		Remaining:  toInt64(vals[1]),
		ResetEpoch: toInt64(vals[2]),
	}, nil
}

func isNoScript(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOSCRIPT")
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		return 0
	default:
		return 0
	}
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
