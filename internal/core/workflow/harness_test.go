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

// Package workflow_test runs the pipeline end to end on in-memory stores, the
// in-memory queue and fake collaborators.
package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/jaycherian/video-emotion-pipeline/internal/cloud"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/progress"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/queue"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/store"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/workflow"
	test "github.com/jaycherian/video-emotion-pipeline/internal/testutil"
	"github.com/stretchr/testify/require"
)

const waitFor = 10 * time.Second

// testPipeline has short budgets so failing tests fail fast.
func testPipeline() cloud.Pipeline {
	return cloud.Pipeline{
		ClassifierWorkers: 2,
		Defaults: cloud.StageSettings{
			TimeoutSeconds: 10,
			MaxRetries:     2,
			BackoffSeconds: 0.01,
			Concurrency:    2,
		},
		Stages: map[string]cloud.StageSettings{},
	}
}

type harness struct {
	ctx          context.Context
	records      *store.MemoryRecordStore
	blobs        *store.MemoryBlobStore
	fakes        *test.Fakes
	hub          *progress.Hub
	scheduler    *workflow.Scheduler
	orchestrator *workflow.Orchestrator
}

type option func(p *cloud.Pipeline, deps *workflow.Dependencies)

func withOptional(stages ...string) option {
	return func(p *cloud.Pipeline, _ *workflow.Dependencies) {
		p.OptionalStages = stages
	}
}

func withStageSettings(stage model.Stage, s cloud.StageSettings) option {
	return func(p *cloud.Pipeline, _ *workflow.Dependencies) {
		p.Stages[string(stage)] = s
	}
}

// newHarness wires the pipeline the way the server does in the "all" role and
// starts two workers.
func newHarness(t *testing.T, fakes *test.Fakes, opts ...option) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	h := &harness{
		ctx:     ctx,
		records: store.NewMemoryRecordStore(),
		blobs:   store.NewMemoryBlobStore(),
		fakes:   fakes,
		hub:     progress.NewHub(256),
	}

	pipeline := testPipeline()
	deps := workflow.Dependencies{
		Records:           h.records,
		Blobs:             h.blobs,
		Adapters:          fakes.Registry(),
		ClassifierWorkers: pipeline.ClassifierWorkers,
	}
	for _, opt := range opts {
		opt(&pipeline, &deps)
	}

	plan, err := workflow.Plan(pipeline.OptionalStages)
	require.NoError(t, err)
	stages, err := workflow.BuildStages(deps, plan)
	require.NoError(t, err)

	q := queue.NewMemoryQueue(64)
	h.scheduler = workflow.NewScheduler(q, h.hub)
	stopListening := h.scheduler.Listen(h.hub)
	h.orchestrator = workflow.NewOrchestrator(h.records, h.scheduler, h.hub, plan)

	runner := workflow.NewRunner(h.records, stages, h.hub, pipeline)
	pool := queue.NewWorkerPool(q, runner, h.hub, 2, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Start(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		stopListening()
		_ = q.Close()
	})
	return h
}

func (h *harness) seed(t *testing.T) *model.VideoRecord {
	t.Helper()
	rec, err := test.SeedVideo(h.ctx, h.records, h.blobs, test.DemoVideo)
	require.NoError(t, err)
	return rec
}

// trigger starts a run and collects its events up to the terminal one.
func (h *harness) trigger(t *testing.T, videoID string) (string, []model.Event) {
	t.Helper()
	ctx, span := tracer.Start(h.ctx, t.Name())
	defer span.End()
	sub := h.hub.Subscribe(videoID)
	defer sub.Close()

	runID, err := h.orchestrator.Trigger(ctx, videoID)
	require.NoError(t, err)
	logger.InfoContext(ctx, "run triggered", "video_id", videoID, "run_id", runID)

	var events []model.Event
	timeout := time.After(waitFor)
	for {
		select {
		case e := <-sub.C:
			if e.RunID != runID {
				continue
			}
			events = append(events, e)
			if e.Terminal() {
				logger.InfoContext(ctx, "run ended", "run_id", runID, "status", e.Status, "events", len(events))
				return runID, events
			}
		case <-timeout:
			t.Fatalf("run %s did not finish, got %d events", runID, len(events))
		}
	}
}

func (h *harness) find(t *testing.T, id string) *model.VideoRecord {
	t.Helper()
	rec, err := h.records.Find(h.ctx, id)
	require.NoError(t, err)
	return rec
}

// stageEvents returns the events of stage with the given status.
func stageEvents(events []model.Event, stage model.Stage, status model.EventStatus) []model.Event {
	var out []model.Event
	for _, e := range events {
		if e.Stage == stage && e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

func indexOf(events []model.Event, stage model.Stage, status model.EventStatus) int {
	for i, e := range events {
		if e.Stage == stage && e.Status == status {
			return i
		}
	}
	return -1
}
