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

package bucket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Dialer owns the connection to the shared store and a background health
// probe that mirrors spec.md §4.6's reconnection policy: backoff
// min(attempt*1s, 10s) up to 60 attempts, after which the probe gives up
// until the next restart or manual recovery. The lifecycle (Start/Stop with
// a stop channel and WaitGroup) follows the teacher's Worker pattern.
type Dialer struct {
	Client *RedisClient

	healthy atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	probeEvery  time.Duration
	pingTimeout time.Duration
	maxAttempts int
}

// NewDialer parses store_url (scheme selects TLS, e.g. rediss://) and
// applies the connect/command timeout uniformly.
func NewDialer(storeURL string, timeout time.Duration) (*Dialer, error) {
	opts, err := redis.ParseURL(storeURL)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout

	raw := redis.NewClient(opts)
	d := &Dialer{
		Client:      NewRedisClient(raw),
		probeEvery:  5 * time.Second,
		pingTimeout: timeout,
		maxAttempts: 60,
	}
	d.healthy.Store(true)
	return d, nil
}

// Healthy reports the last-known reachability of the store, used by the
// health endpoint's services.redis field.
func (d *Dialer) Healthy() bool { return d.healthy.Load() }

// Start launches the background reconnection probe.
func (d *Dialer) Start() {
	d.stopCh = make(chan struct{})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.probeLoop()
	}()
}

// Stop halts the probe and releases the connection pool.
func (d *Dialer) Stop() {
	if d.stopCh != nil {
		close(d.stopCh)
		d.wg.Wait()
	}
	_ = d.Client.Close()
}

func (d *Dialer) probeLoop() {
	ticker := time.NewTicker(d.probeEvery)
	defer ticker.Stop()
	attempt := 0
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.pingTimeout)
			err := d.Client.Ping(ctx)
			cancel()
			if err == nil {
				attempt = 0
				d.healthy.Store(true)
				continue
			}
			d.healthy.Store(false)
			attempt++
			if attempt > d.maxAttempts {
				// Exhausted reconnection attempts: abandon the probe. The
				// request path continues to fail-open via the engine's own
				// per-call errors until a process restart or manual recovery.
				return
			}
			backoff := time.Duration(attempt) * time.Second
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			time.Sleep(backoff)
		case <-d.stopCh:
			return
		}
	}
}
