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
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	TypeAccessCheck       = "access_check"
	TypeCacheInvalidated  = "cache_invalidated"
	TypeConfigChanged     = "config_changed"
	TypeRouteRuleAdded    = "route_rule_added"
	TypeProfileLookupFail = "profile_lookup_failed"
)

// Results
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultError   = "error"
)

// Event represents an auditable action
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	UserID     string         `json:"userId,omitempty"`
	Path       string         `json:"path,omitempty"`
	Method     string         `json:"method,omitempty"`
	Result     string         `json:"result,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Duration   time.Duration  `json:"-"`
	DurationMs float64        `json:"durationMs"`
	FromCache  bool           `json:"fromCache"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	IPAddress  string         `json:"ipAddress,omitempty"`
	UserAgent  string         `json:"userAgent,omitempty"`
}

// fill assigns defaults and redacts metadata before the event is stored.
func (e *Event) fill() {
	if e.DurationMs == 0 && e.Duration > 0 {
		e.DurationMs = float64(e.Duration.Microseconds()) / 1000
	}
	if len(e.Metadata) > 0 {
		e.Metadata = redact(e.Metadata)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
}

// Logger defines the interface for audit logging
type Logger interface {
	Log(ctx context.Context, event Event)
}

// SlogLogger implements Logger using slog
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates a new audit logger. A nil logger uses slog.Default.
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{logger: l.With(slog.String("component", "audit"))}
}

// Log records an audit event
func (l *SlogLogger) Log(ctx context.Context, event Event) {
	event.fill()

	attrs := []slog.Attr{
		slog.String("audit_id", event.ID),
		slog.String("audit_type", event.Type),
		slog.String("user_id", event.UserID),
		slog.Time("timestamp", event.Timestamp),
	}
	if event.Method != "" {
		attrs = append(attrs, slog.String("method", event.Method))
	}
	if event.Path != "" {
		attrs = append(attrs, slog.String("path", event.Path))
	}
	if event.Result != "" {
		attrs = append(attrs, slog.String("result", event.Result))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	if event.Type == TypeAccessCheck {
		attrs = append(attrs,
			slog.Float64("duration_ms", event.DurationMs),
			slog.Bool("from_cache", event.FromCache),
		)
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}

	if len(event.Metadata) > 0 {
		group := []any{}
		for k, v := range event.Metadata {
			group = append(group, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", group...))
	}

	level := slog.LevelInfo
	if event.Result == ResultError {
		level = slog.LevelError
	}
	l.logger.LogAttrs(ctx, level, "AUDIT_EVENT", attrs...)
}

const redacted = "[REDACTED]"

// redact copies md with secret-looking keys masked, including nested maps.
func redact(md map[string]any) map[string]any {
	out := make(map[string]any, len(md))
	for k, v := range md {
		if isSecret(k) {
			out[k] = redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			v = redact(nested)
		}
		out[k] = v
	}
	return out
}

// isSecret checks if a key likely contains a secret
func isSecret(key string) bool {
	key = strings.ToLower(key)
	for _, s := range []string{"password", "secret", "token", "key", "authorization", "hash", "credential", "cookie"} {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// DefaultRecentSize is the number of events Recorder keeps by default.
const DefaultRecentSize = 100

// Recorder keeps the most recent events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

// NewRecorder creates a recorder holding up to size events.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = DefaultRecentSize
	}
	return &Recorder{events: make([]Event, size)}
}

// Log stores the event, overwriting the oldest once full.
func (r *Recorder) Log(_ context.Context, event Event) {
	event.fill()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = event
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns up to n events, newest first. n <= 0 returns all.
func (r *Recorder) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.next
	if r.full {
		count = len(r.events)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.events)) % len(r.events)
		out = append(out, r.events[idx])
	}
	return out
}

// Multi fans an event out to several loggers.
type Multi []Logger

// Log forwards the event to every logger with the same ID and timestamp.
func (m Multi) Log(ctx context.Context, event Event) {
	event.fill()
	for _, l := range m {
		l.Log(ctx, event)
	}
}

// Nop discards events.
type Nop struct{}

// Log does nothing.
func (Nop) Log(context.Context, Event) {}
