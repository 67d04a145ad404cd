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

// Package abuse implements the in-process Ban Gate and Violation Tracker.
// Both live entirely in-process (spec Non-goal: ban state is not shared or
// persisted across replicas) and are owned by a single Tracker instance
// shared by reference with request handlers, following the teacher's
// Store/Worker split: per-principal records in a sync.Map, with a
// background sweeper modeled on the teacher's eviction loop.
package abuse

import (
	"sync"
	"sync/atomic"
	"time"
)

// Config controls ban thresholds and window lengths.
type Config struct {
	Threshold   int           // denials within Window before a ban is installed
	Window      time.Duration // sliding window for counting violations
	BanDuration time.Duration // how long an installed ban lasts
}

// DefaultConfig matches spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:   10,
		Window:      60 * time.Second,
		BanDuration: 600 * time.Second,
	}
}

type violationRecord struct {
	mu               sync.Mutex
	firstViolationMS int64
	counter          *stripedCounter
}

type banEntry struct {
	expiresAtMS atomic.Int64
}

// Tracker tracks denials per principal and escalates to temporary bans.
type Tracker struct {
	cfg        Config
	clock      Clock
	violations sync.Map // string -> *violationRecord
	bans       sync.Map // string -> *banEntry

	stopCh    chan struct{}
	wg        sync.WaitGroup
	stopped   atomic.Bool
	sweepEvery time.Duration
}

// New creates a Tracker with the given configuration. The background
// sweeper is not started until Start is called.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, clock: realClock{}, sweepEvery: 120 * time.Second}
}

// WithClock overrides the clock source; intended for tests.
func (t *Tracker) WithClock(c Clock) *Tracker {
	t.clock = c
	return t
}

// Start launches the periodic sweep that evicts expired bans and aged
// violation records, mirroring the teacher's Worker.evictionLoop.
func (t *Tracker) Start() {
	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.sweepLoop()
	}()
}

// Stop halts the background sweeper.
func (t *Tracker) Stop() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	close(t.stopCh)
	t.wg.Wait()
}

func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(t.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-t.stopCh:
			return
		}
	}
}

// Sweep deletes ban records that have expired and violation records whose
// window started more than 2*Window ago. Exported so tests and a manual
// admin trigger don't have to wait for the ticker.
func (t *Tracker) Sweep() {
	now := t.clock.NowMS()

	t.bans.Range(func(k, v interface{}) bool {
		be := v.(*banEntry)
		if now >= be.expiresAtMS.Load() {
			t.bans.Delete(k)
		}
		return true
	})

	staleAfter := int64(2*t.cfg.Window) / int64(time.Millisecond)
	t.violations.Range(func(k, v interface{}) bool {
		rec := v.(*violationRecord)
		rec.mu.Lock()
		stale := now-rec.firstViolationMS > staleAfter
		rec.mu.Unlock()
		if stale {
			t.violations.Delete(k)
		}
		return true
	})
}

// IsBanned reports whether principal is currently banned and, if so, the
// number of seconds remaining until the ban expires. Expired bans are
// evicted lazily on lookup, along with their violation record. A ban is
// strictly less-than its expiry: a request arriving exactly at expiresAt
// is admitted.
func (t *Tracker) IsBanned(principal string) (banned bool, secondsRemaining int64) {
	v, ok := t.bans.Load(principal)
	if !ok {
		return false, 0
	}
	be := v.(*banEntry)
	now := t.clock.NowMS()
	exp := be.expiresAtMS.Load()
	if now >= exp {
		t.bans.Delete(principal)
		t.violations.Delete(principal)
		return false, 0
	}
	remainingMS := exp - now
	return true, ceilDivMS(remainingMS)
}

// TrackViolation records a denial for principal and returns whether this
// call caused the principal to become newly banned. Called on every 429
// decision not already short-circuited by the ban gate.
func (t *Tracker) TrackViolation(principal string) (becameBanned bool) {
	now := t.clock.NowMS()
	windowMS := int64(t.cfg.Window) / int64(time.Millisecond)

	actual, _ := t.violations.LoadOrStore(principal, &violationRecord{
		firstViolationMS: now,
		counter:          newStripedCounter(),
	})
	rec := actual.(*violationRecord)

	rec.mu.Lock()
	if now-rec.firstViolationMS > windowMS {
		rec.firstViolationMS = now
		rec.counter = newStripedCounter()
	}
	rec.counter.Add(1)
	count := rec.counter.Load()
	rec.mu.Unlock()

	if count >= int64(t.cfg.Threshold) {
		be := &banEntry{}
		be.expiresAtMS.Store(now + int64(t.cfg.BanDuration)/int64(time.Millisecond))
		t.bans.Store(principal, be)
		t.violations.Delete(principal)
		return true
	}
	return false
}

// BannedCount returns the number of currently live bans, used by the
// system-health/threat-level gauges. Expired-but-not-yet-swept entries are
// excluded so the gauge stays accurate between sweeps.
func (t *Tracker) BannedCount() int {
	now := t.clock.NowMS()
	n := 0
	t.bans.Range(func(_, v interface{}) bool {
		if now < v.(*banEntry).expiresAtMS.Load() {
			n++
		}
		return true
	})
	return n
}

func ceilDivMS(ms int64) int64 {
	if ms <= 0 {
		return 0
	}
	return (ms + 999) / 1000
}
