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

package cloud_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaycherian/video-emotion-pipeline/internal/cloud"
	test "github.com/jaycherian/video-emotion-pipeline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, cloud.ValidateConfig(cloud.NewConfig()))
}

func TestValidateConfigRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *cloud.Config)
	}{
		{"gcs without bucket", func(c *cloud.Config) { c.Storage.Kind = "gcs" }},
		{"unknown storage", func(c *cloud.Config) { c.Storage.Kind = "s3" }},
		{"sqlite without path", func(c *cloud.Config) { c.RecordStore.Kind = "sqlite"; c.RecordStore.Path = "" }},
		{"no workers", func(c *cloud.Config) { c.Application.WorkerCount = 0 }},
		{"unknown optional stage", func(c *cloud.Config) { c.Pipeline.OptionalStages = []string{"dance"} }},
		{"negative retries", func(c *cloud.Config) {
			c.Pipeline.Stages["extract_audio"] = cloud.StageSettings{MaxRetries: -1}
		}},
		{"unknown stage section", func(c *cloud.Config) {
			c.Pipeline.Stages["upload"] = cloud.StageSettings{MaxRetries: 1}
		}},
		{"split roles on memory queue", func(c *cloud.Config) { c.Application.Role = cloud.RoleWorker }},
		{"pubsub without topic", func(c *cloud.Config) { c.Queue.Kind = "pubsub" }},
		{"model without name", func(c *cloud.Config) {
			c.AgentModels[cloud.ModelClassifier] = cloud.VertexAiLLMModel{}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cloud.NewConfig()
			tt.mutate(c)
			assert.Error(t, cloud.ValidateConfig(c))
		})
	}
}

func TestStageSettingsOverrideDefaults(t *testing.T) {
	p := cloud.Pipeline{
		Defaults: cloud.StageSettings{TimeoutSeconds: 60, MaxRetries: 2, BackoffSeconds: 1},
		Stages: map[string]cloud.StageSettings{
			"transcribe_and_classify": {TimeoutSeconds: 600, Concurrency: 1},
		},
	}
	s := p.Settings("transcribe_and_classify")
	assert.Equal(t, 600*time.Second, s.Timeout())
	assert.Equal(t, 2, s.MaxRetries)
	assert.Equal(t, 1, s.Concurrency)

	d := p.Settings("segment_audio")
	assert.Equal(t, 60*time.Second, d.Timeout())
	assert.Equal(t, 0, d.Concurrency)
}

func TestBackoffIsQuadratic(t *testing.T) {
	s := cloud.StageSettings{BackoffSeconds: 0.5}
	assert.Equal(t, 500*time.Millisecond, s.Backoff(1))
	assert.Equal(t, 2*time.Second, s.Backoff(2))
	assert.Equal(t, 4500*time.Millisecond, s.Backoff(3))
}

func TestLoadConfigOverlaysRuntimeFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.toml"), []byte(`
[application]
name = "base"
worker_count = 2

[pipeline]
optional_stages = ["summarize"]

[pipeline.stages.segment_audio]
concurrency = 3
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.unit.toml"), []byte(`
[application]
worker_count = 8
`), 0o644))
	t.Setenv(cloud.EnvConfigFilePrefix, dir)
	t.Setenv(cloud.EnvConfigRuntime, "unit")

	c := cloud.NewConfig()
	require.NoError(t, cloud.LoadConfig(c))
	assert.Equal(t, "base", c.Application.Name)
	assert.Equal(t, 8, c.Application.WorkerCount)
	assert.Equal(t, []string{"summarize"}, c.Pipeline.OptionalStages)
	assert.Equal(t, 3, c.Pipeline.Settings("segment_audio").Concurrency)
	// defaults survive the overlay
	assert.Equal(t, "memory", c.Storage.Kind)
	assert.NoError(t, cloud.ValidateConfig(c))
}

func TestLoadConfigReportsBadToml(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.toml"), []byte("[application\n"), 0o644))
	t.Setenv(cloud.EnvConfigFilePrefix, dir)
	t.Setenv(cloud.EnvConfigRuntime, "unit")
	assert.Error(t, cloud.LoadConfig(cloud.NewConfig()))
}

func TestShippedTestConfigIsValid(t *testing.T) {
	c := test.GetConfig()
	test.HandleErr(cloud.ValidateConfig(c), t)
	assert.Equal(t, "memory", c.Storage.Kind)
	assert.Equal(t, "memory", c.RecordStore.Kind)
	assert.Equal(t, "none", c.Telemetry.Exporter)
	assert.Equal(t, 10*time.Second, c.Pipeline.Settings("segment_audio").Timeout())
	// stage sections of the base file survive the overlay
	assert.Equal(t, 1, c.Pipeline.Settings("transcribe_and_classify").Concurrency)
	assert.Contains(t, c.AgentModels, cloud.ModelSummary)
}
