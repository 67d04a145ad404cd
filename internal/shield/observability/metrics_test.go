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
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeBanned struct{ n int }

func (f fakeBanned) BannedCount() int { return f.n }

func TestProtectionRate_ZeroWhenNoTraffic(t *testing.T) {
	m := New(1000)
	assert.Equal(t, 0.0, m.ProtectionRate())
}

func TestProtectionRate_ComputesPercentage(t *testing.T) {
	m := New(1000)
	for i := 0; i < 7; i++ {
		m.RecordAllowed("ip:1.1.1.1", 1)
	}
	for i := 0; i < 3; i++ {
		m.RecordBlocked("ip:1.1.1.1", false, 1)
	}
	assert.InDelta(t, 30.0, m.ProtectionRate(), 0.001)
}

func TestSystemHealthScore_DegradesOnFailOpen(t *testing.T) {
	m := New(1000)
	for i := 0; i < 10; i++ {
		m.RecordAllowed("ip:1.1.1.1", 1)
	}
	assert.Equal(t, 100.0, m.SystemHealthScore())
	m.RecordFailOpen()
	assert.Less(t, m.SystemHealthScore(), 100.0)
}

func TestSystemHealthScore_DistinctFromProtectionRate(t *testing.T) {
	m := New(1000)
	m.RecordAllowed("ip:1.1.1.1", 1)
	m.RecordFailOpen()
	assert.Less(t, m.SystemHealthScore(), 100.0)
	assert.Equal(t, 0.0, m.ProtectionRate())
}

func TestThreatLevel_Thresholds(t *testing.T) {
	m := New(1000)
	assert.Equal(t, ThreatLow, m.ThreatLevel())

	m.SetBannedCounter(fakeBanned{1})
	assert.Equal(t, ThreatMedium, m.ThreatLevel())

	m.SetBannedCounter(fakeBanned{2})
	assert.Equal(t, ThreatHigh, m.ThreatLevel())

	m.SetBannedCounter(fakeBanned{5})
	assert.Equal(t, ThreatCritical, m.ThreatLevel())
}

func TestThreatLevel_DrivenByProtectionRate(t *testing.T) {
	m := New(1000)
	for i := 0; i < 5; i++ {
		m.RecordAllowed("ip:1.1.1.1", 1)
	}
	for i := 0; i < 5; i++ {
		m.RecordBlocked("ip:1.1.1.1", false, 1)
	}
	assert.Equal(t, ThreatCritical, m.ThreatLevel())
}

func TestRecordBlocked_SplitsStandardAndMalicious(t *testing.T) {
	m := New(1000)
	m.RecordBlocked("ip:1.1.1.1", false, 1)
	m.RecordBlocked("ip:1.1.1.1", true, 1)
	metricFamilies, err := m.Registry.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, metricFamilies)
}

func TestActiveClients_CountsDistinctPrincipals(t *testing.T) {
	m := New(1000)
	m.RecordAllowed("ip:1.1.1.1", 1)
	m.RecordAllowed("ip:2.2.2.2", 1)
	m.RecordAllowed("ip:1.1.1.1", 1)
	assert.Equal(t, 2, m.ActiveClients().Count())
}
