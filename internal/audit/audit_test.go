// Copyright 2026 The OpenTrusty Authors
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

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates that sensitive keys are correctly identified as secrets to prevent them from being logged in plaintext.
// Scope: Unit Test
// Security: Data Masking and Leakage Prevention (CWE-532)
// Expected: Returns true for keys containing 'password', 'token', 'secret', etc., and false for non-sensitive keys.
// Test Case ID: AUD-01
func TestAudit_IsSecret(t *testing.T) {
	tests := []struct {
		key      string
		isSecret bool
	}{
		{"password", true},
		{"Password", true},
		{"token", true},
		{"access_token", true},
		{"api_key", true},
		{"session_cookie", true},
		{"user_id", false},
		{"path", false},
		{"status", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.isSecret, isSecret(tt.key))
		})
	}
}

// TestPurpose: Validates that access checks are written as structured audit records with secrets redacted.
// Scope: Unit Test
// Security: Every decision leaves an audit trail (CWE-778)
// Expected: JSON record carries id, result, reason, duration and redacted metadata.
// Test Case ID: AUD-02
func TestSlogLogger_Log(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	l.Log(context.Background(), Event{
		Type:      TypeAccessCheck,
		UserID:    "user-1",
		Path:      "/dashboard/users",
		Method:    "GET",
		Result:    ResultDenied,
		Reason:    "permission insufficient",
		Duration:  1500 * time.Microsecond,
		FromCache: true,
		Metadata:  map[string]any{"token": "abc", "rule": "/dashboard/users"},
	})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "AUDIT_EVENT", rec["msg"])
	assert.Equal(t, "audit", rec["component"])
	assert.Equal(t, "denied", rec["result"])
	assert.Equal(t, "permission insufficient", rec["reason"])
	assert.Equal(t, 1.5, rec["duration_ms"])
	assert.Equal(t, true, rec["from_cache"])
	assert.NotEmpty(t, rec["audit_id"])

	meta, ok := rec["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED]", meta["token"])
	assert.Equal(t, "/dashboard/users", meta["rule"])
}

// TestPurpose: Validates the in-memory ring of recent events.
// Scope: Unit Test
// Expected: Newest first, bounded by capacity, ids assigned.
// Test Case ID: AUD-03
func TestRecorder_Recent(t *testing.T) {
	r := NewRecorder(3)
	assert.Empty(t, r.Recent(0))

	for _, p := range []string{"/a", "/b", "/c", "/d"} {
		r.Log(context.Background(), Event{Type: TypeAccessCheck, Path: p})
	}

	got := r.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, "/d", got[0].Path)
	assert.Equal(t, "/b", got[2].Path)
	assert.NotEmpty(t, got[0].ID)

	assert.Len(t, r.Recent(2), 2)
}

// TestPurpose: Validates fan-out to several loggers.
// Scope: Unit Test
// Expected: Each logger receives the same event id.
// Test Case ID: AUD-04
func TestMulti_Log(t *testing.T) {
	a, b := NewRecorder(5), NewRecorder(5)
	Multi{a, b, Nop{}}.Log(context.Background(), Event{Type: TypeCacheInvalidated})

	require.Len(t, a.Recent(0), 1)
	require.Len(t, b.Recent(0), 1)
	assert.Equal(t, a.Recent(0)[0].ID, b.Recent(0)[0].ID)
}

// TestPurpose: Validates that recorded events expose their duration in milliseconds.
// Scope: Unit Test
// Expected: durationMs is derived from Duration and present in the JSON form.
// Test Case ID: AUD-05
func TestEvent_DurationMs(t *testing.T) {
	r := NewRecorder(1)
	r.Log(context.Background(), Event{Type: TypeAccessCheck, Duration: 2500 * time.Microsecond})

	e := r.Recent(1)[0]
	assert.Equal(t, 2.5, e.DurationMs)

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, 2.5, rec["durationMs"])
	assert.NotContains(t, rec, "Duration")
}

// TestPurpose: Validates that stored events never keep secret metadata, including nested values.
// Scope: Unit Test
// Security: Data Masking and Leakage Prevention (CWE-532)
// Expected: Recorder holds redacted values; the caller's map is left untouched.
// Test Case ID: AUD-06
func TestRecorder_RedactsMetadata(t *testing.T) {
	r := NewRecorder(1)
	md := map[string]any{
		"detailedLogging": true,
		"jwt_secret":      "s3cr3t",
		"upstream":        map[string]any{"api_key": "k", "url": "http://app"},
	}
	r.Log(context.Background(), Event{Type: TypeConfigChanged, Metadata: md})

	got := r.Recent(1)[0].Metadata
	assert.Equal(t, true, got["detailedLogging"])
	assert.Equal(t, "[REDACTED]", got["jwt_secret"])
	nested, ok := got["upstream"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED]", nested["api_key"])
	assert.Equal(t, "http://app", nested["url"])

	assert.Equal(t, "s3cr3t", md["jwt_secret"])
}
