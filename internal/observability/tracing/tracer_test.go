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

package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestPurpose: Validates that spans started through the tracer reach the configured exporter.
// Scope: Unit Test
// Expected: One exported span with the given name; Shutdown succeeds.
// Test Case ID: TRC-01
func TestTracer_ExportsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tr, err := New(context.Background(), Config{
		Enabled:        true,
		ServiceName:    "permgate-test",
		ServiceVersion: "test",
		SamplingRate:   1,
	}, WithExporter(exp))
	require.NoError(t, err)

	_, span := tr.Start(context.Background(), "gate.Authorize")
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "gate.Authorize", spans[0].Name)
	assert.NoError(t, tr.Shutdown(context.Background()))
}

// TestPurpose: Validates that a disabled tracer is usable and shuts down cleanly.
// Scope: Unit Test
// Expected: No error, span creation works.
// Test Case ID: TRC-02
func TestTracer_Disabled(t *testing.T) {
	tr, err := New(context.Background(), Config{})
	require.NoError(t, err)
	_, span := tr.Start(context.Background(), "noop")
	span.End()
	assert.NotNil(t, tr.GetTracer())
	assert.NoError(t, tr.Shutdown(context.Background()))
}
