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

package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/adapters"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/store"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/workflow"
	test "github.com/jaycherian/video-emotion-pipeline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan(t *testing.T) {
	plan, err := workflow.Plan(nil)
	require.NoError(t, err)
	assert.Equal(t, model.CoreStages, plan)

	plan, err = workflow.Plan([]string{"export_analytics", " analyze_faces"})
	require.NoError(t, err)
	assert.Equal(t, []model.Stage{
		model.StageExtractAudio, model.StageTranscribe, model.StageSegmentAudio, model.StageScoreAudio,
		model.StageAnalyzeFaces, model.StageExportResults,
	}, plan)

	_, err = workflow.Plan([]string{"extract_audio"})
	assert.Error(t, err)
	_, err = workflow.Plan([]string{"dance"})
	assert.Error(t, err)
}

func TestBuildStagesRequiresCollaborators(t *testing.T) {
	reg := test.NewFakes().Registry()
	reg.Summarizer = nil
	deps := workflow.Dependencies{Records: store.NewMemoryRecordStore(), Blobs: store.NewMemoryBlobStore(), Adapters: reg}

	stages, err := workflow.BuildStages(deps, model.CoreStages)
	require.NoError(t, err)
	assert.Len(t, stages, 4)
	assert.Equal(t, model.StageScoreAudio, stages[model.StageScoreAudio].Stage)

	_, err = workflow.BuildStages(deps, append(model.CoreStages[:4:4], model.StageSummarize))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "summarize: summarizer")

	_, err = workflow.BuildStages(workflow.Dependencies{}, model.CoreStages)
	assert.Error(t, err)
}

func TestBuildStagesRejectsBadSummaryPrompt(t *testing.T) {
	deps := workflow.Dependencies{
		Records:       store.NewMemoryRecordStore(),
		Blobs:         store.NewMemoryBlobStore(),
		Adapters:      &adapters.Registry{Summarizer: &test.FakeSummarizer{}},
		SummaryPrompt: "{{ .TIMELINE ",
	}
	_, err := workflow.BuildStages(deps, []model.Stage{model.StageSummarize})
	assert.Error(t, err)
}

func TestRunnerSkipsCompletedStageOnResume(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryRecordStore()
	blobs := store.NewMemoryBlobStore()
	fakes := test.NewFakes()
	rec, err := test.SeedVideo(ctx, records, blobs, test.DemoVideo)
	require.NoError(t, err)

	patch := model.NewPatch(model.StageExtractAudio)
	patch.AudioObjectPath = model.Set(model.AudioKey(rec.ID))
	_, err = records.Upsert(ctx, rec.ID, patch.Complete(time.Now()))
	require.NoError(t, err)

	stages, err := workflow.BuildStages(workflow.Dependencies{Records: records, Blobs: blobs, Adapters: fakes.Registry()}, model.CoreStages)
	require.NoError(t, err)
	events := &recorder{}
	runner := workflow.NewRunner(records, stages, events, testPipeline())

	tk := task(rec.ID, "r1", model.StageExtractAudio)
	tk.Resume = true
	require.NoError(t, runner.Run(ctx, tk))

	require.Len(t, events.events, 1)
	assert.Equal(t, model.EventSucceeded, events.events[0].Status)
	assert.Equal(t, true, events.events[0].Meta["skipped_existing"])
}

func TestRerunExtractAudioKeepsLaterStages(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryRecordStore()
	blobs := store.NewMemoryBlobStore()
	fakes := test.NewFakes()
	rec, err := test.SeedVideo(ctx, records, blobs, test.DemoVideo)
	require.NoError(t, err)

	stages, err := workflow.BuildStages(workflow.Dependencies{Records: records, Blobs: blobs, Adapters: fakes.Registry(), ClassifierWorkers: 2}, model.CoreStages)
	require.NoError(t, err)
	events := &recorder{}
	runner := workflow.NewRunner(records, stages, events, testPipeline())

	for _, stage := range model.CoreStages {
		require.NoError(t, runner.Run(ctx, task(rec.ID, "r1", stage)))
	}
	before, err := records.Find(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, before.EmotionChunks, 3)
	require.NotNil(t, before.TranscriptionResult)

	rerun := task(rec.ID, "r2", model.StageExtractAudio)
	require.False(t, rerun.Resume)
	require.NoError(t, runner.Run(ctx, rerun))

	last := events.events[len(events.events)-1]
	assert.Equal(t, model.EventSucceeded, last.Status)
	assert.Nil(t, last.Meta["skipped_existing"])

	after, err := records.Find(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, before.TranscriptionResult, after.TranscriptionResult)
	assert.Equal(t, before.EmotionChunks, after.EmotionChunks)
	assert.Equal(t, before.AudioObjectPath, after.AudioObjectPath)
	assert.True(t, blobs.Exists(*after.AudioObjectPath))
	assert.EqualValues(t, 1, fakes.Transcriber.Calls.Load())
}

func TestRunnerReturnsErrorOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	events := &recorder{}
	runner := workflow.NewRunner(store.NewMemoryRecordStore(), nil, events, testPipeline())

	err := runner.Run(ctx, task("v1", "r1", model.StageExtractAudio))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, events.events)
}

func TestRunnerFailsDisabledStage(t *testing.T) {
	events := &recorder{}
	runner := workflow.NewRunner(store.NewMemoryRecordStore(), map[model.Stage]*workflow.StageWorkflow{}, events, testPipeline())

	require.NoError(t, runner.Run(context.Background(), task("v1", "r1", model.StageSummarize)))
	require.Len(t, events.events, 1)
	assert.Equal(t, model.EventFailed, events.events[0].Status)
	assert.Equal(t, "internal", events.events[0].ErrorTag)
}

func TestRunnerReportsPreconditionFailure(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryRecordStore()
	blobs := store.NewMemoryBlobStore()
	fakes := test.NewFakes()
	rec, err := test.SeedVideo(ctx, records, blobs, test.DemoVideo)
	require.NoError(t, err)

	stages, err := workflow.BuildStages(workflow.Dependencies{Records: records, Blobs: blobs, Adapters: fakes.Registry()}, model.CoreStages)
	require.NoError(t, err)
	events := &recorder{}
	runner := workflow.NewRunner(records, stages, events, testPipeline())

	require.NoError(t, runner.Run(ctx, task(rec.ID, "r1", model.StageTranscribe)))

	require.Len(t, events.events, 2)
	assert.Equal(t, model.EventStarted, events.events[0].Status)
	assert.Equal(t, model.EventFailed, events.events[1].Status)
	assert.Equal(t, "precondition", events.events[1].ErrorTag)
	assert.EqualValues(t, 0, fakes.Transcriber.Calls.Load())
}
