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

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/progress"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/store"
)

// Orchestrator is the single entry point that starts pipeline runs.
type Orchestrator struct {
	records   store.RecordStore
	scheduler *Scheduler
	events    progress.Publisher
	plan      []model.Stage
	newID     func() string

	mu sync.Mutex // serializes Trigger and Retire so a video gets one active run
}

// NewOrchestrator creates an Orchestrator running plan through scheduler.
func NewOrchestrator(records store.RecordStore, scheduler *Scheduler, events progress.Publisher, plan []model.Stage) *Orchestrator {
	return &Orchestrator{
		records:   records,
		scheduler: scheduler,
		events:    events,
		plan:      plan,
		newID:     uuid.NewString,
	}
}

// Plan returns the stages of every run.
func (o *Orchestrator) Plan() []model.Stage {
	return o.plan
}

// Trigger starts a run for videoID and returns its id. A video with an active
// run gets that run's id back. Every run resumes: stages already stamped on
// the record are reported as succeeded without running again.
func (o *Orchestrator) Trigger(ctx context.Context, videoID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := o.records.Find(ctx, videoID); err != nil {
		return "", err
	}
	if runID, ok := o.scheduler.ActiveRun(videoID); ok {
		slog.InfoContext(ctx, "pipeline already running", "video_id", videoID, "run_id", runID)
		return runID, nil
	}

	runID := o.newID()
	stages := make([]string, 0, len(o.plan))
	for _, stage := range o.plan {
		stages = append(stages, string(stage))
	}
	if err := o.events.Publish(context.WithoutCancel(ctx), model.PipelineEvent(videoID, runID, model.EventStarted, map[string]any{"stages": stages})); err != nil {
		slog.WarnContext(ctx, "failed to publish pipeline start", "video_id", videoID, "error", err)
	}

	var after []string
	for _, stage := range o.plan {
		task := model.Task{
			JobID:   model.JobID(videoID, stage),
			RunID:   runID,
			VideoID: videoID,
			Stage:   stage,
			Resume:  true,
		}
		job, err := o.scheduler.Submit(ctx, task, after...)
		if err != nil {
			return runID, err
		}
		after = []string{job.ID}
	}
	if err := o.scheduler.Seal(ctx, runID); err != nil {
		return runID, err
	}

	slog.InfoContext(ctx, "pipeline triggered", "video_id", videoID, "run_id", runID, "stages", len(o.plan))
	return runID, nil
}

// Jobs returns the jobs of the latest run of videoID.
func (o *Orchestrator) Jobs(videoID string) []model.Job {
	return o.scheduler.Jobs(videoID)
}

// ActiveRun returns the id of the run of videoID that is still in progress.
func (o *Orchestrator) ActiveRun(videoID string) (string, bool) {
	return o.scheduler.ActiveRun(videoID)
}

// Retire runs remove for videoID while no run of it can start, then publishes
// a terminal pipeline event tagged deleted and drops the job history. A video
// with an active run is refused with a 409: its stages still write blobs.
func (o *Orchestrator) Retire(ctx context.Context, videoID string, remove func(context.Context) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if runID, ok := o.scheduler.ActiveRun(videoID); ok {
		return errs.Conflict("id", fmt.Sprintf("video %s has pipeline run %s in progress", videoID, runID))
	}
	if err := remove(ctx); err != nil {
		return err
	}

	var runID string
	if jobs := o.scheduler.Jobs(videoID); len(jobs) > 0 {
		runID = jobs[0].RunID
	}
	e := model.PipelineEvent(videoID, runID, model.EventFailed, map[string]any{"error": "video deleted"})
	e.ErrorTag = model.ErrorTagDeleted
	if err := o.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		slog.WarnContext(ctx, "failed to publish deletion", "video_id", videoID, "error", err)
	}
	o.scheduler.Forget(videoID)
	return nil
}
