// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry_test

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jaycherian/video-emotion-pipeline/internal/cloud"
	"github.com/jaycherian/video-emotion-pipeline/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, telemetry.ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, telemetry.ParseLevel(" warn "))
	assert.Equal(t, slog.LevelError, telemetry.ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, telemetry.ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, telemetry.ParseLevel("loud"))
}

func TestSetupLoggingWritesCloudLoggingRecords(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(previous)
		log.SetOutput(os.Stderr)
	})

	file := filepath.Join(t.TempDir(), "pipeline.log")
	closer := telemetry.SetupLogging(cloud.Logging{Level: "warn", File: file, MaxSizeMB: 1, MaxBackups: 1})
	slog.Info("dropped below the level")
	slog.Warn("stage retried", "stage", "transcribe_and_classify")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "WARNING", entry["severity"])
	assert.Equal(t, "stage retried", entry["message"])
	assert.Equal(t, "transcribe_and_classify", entry["stage"])
	assert.Contains(t, entry, "timestamp")
}

func TestSetupOpenTelemetryWithoutExporter(t *testing.T) {
	config := cloud.NewConfig()
	config.Telemetry.Exporter = "none"

	shutdown, err := telemetry.SetupOpenTelemetry(context.Background(), config)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
