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
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudit_DecisionEmitsRequiredFields(t *testing.T) {
	var buf bytes.Buffer
	a := NewAudit(&buf, Production)

	a.Decision(EventAllowed, "apikey:abcd1234abcd1234", ActionAllow, 4)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "rate_limit_allowed", line["event_type"])
	assert.Equal(t, "apikey:abcd1234abcd1234", line["client_id"])
	assert.Equal(t, "ALLOW", line["action"])
	assert.Equal(t, float64(4), line["remaining_tokens"])
	assert.NotEmpty(t, line["event_id"])
	assert.NotEmpty(t, line["time"])
}

func TestAudit_FailOpenUsesWarnNotError(t *testing.T) {
	var buf bytes.Buffer
	a := NewAudit(&buf, Production)
	a.FailOpen("ip:1.1.1.1")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "rate_limit_fail_open", line["event_type"])
	assert.Equal(t, "warn", line["level"])
}

func TestAudit_NeverLogsRawSecret(t *testing.T) {
	var buf bytes.Buffer
	a := NewAudit(&buf, Production)
	a.Decision(EventAllowed, "apikey:deadbeefdeadbeef", ActionAllow, 1)
	assert.NotContains(t, buf.String(), "secret123")
}

func TestAudit_DevelopmentWritesConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	a := NewAudit(&buf, Development)
	a.Decision(EventBlocked, "ip:2.2.2.2", ActionDeny, 0)

	out := buf.String()
	assert.False(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, "rate_limit_blocked")
}

func TestAudit_RecoverSwallowsPanic(t *testing.T) {
	var buf bytes.Buffer
	a := NewAudit(&buf, Production)

	func() {
		defer a.Recover()
		panic("boom")
	}()

	assert.Contains(t, buf.String(), "observability emission recovered")
}
