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
	"sync"
	"time"
)

// activeClientsTTL bounds the unbounded "cardinality of principals seen"
// gauge spec.md §4.5 describes: an attacker rotating source IPs forever
// must not grow this set without limit, so membership expires after this
// long without a fresh request from the principal. This mirrors the
// abuse.Tracker's own window-based eviction rather than introducing a
// second, differently-shaped cache.
const activeClientsTTL = 10 * time.Minute

// ActiveClients tracks the set of principals seen within the last
// activeClientsTTL, backed by a sync.Map the same way abuse.Tracker tracks
// violation and ban records.
type ActiveClients struct {
	seen sync.Map // principal -> time.Time of last Touch
}

// NewActiveClients constructs an empty set.
func NewActiveClients() *ActiveClients { return &ActiveClients{} }

// Touch marks principal as seen at the current time.
func (a *ActiveClients) Touch(principal string) {
	a.seen.Store(principal, time.Now())
}

// Count returns the number of principals seen within the TTL window,
// evicting stale entries as it scans.
func (a *ActiveClients) Count() int {
	now := time.Now()
	n := 0
	a.seen.Range(func(key, value interface{}) bool {
		seenAt := value.(time.Time)
		if now.Sub(seenAt) > activeClientsTTL {
			a.seen.Delete(key)
			return true
		}
		n++
		return true
	})
	return n
}
