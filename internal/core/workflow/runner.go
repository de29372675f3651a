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

// This file implements the Runner, which executes one stage task to a
// terminal outcome.
//
// Logic Flow:
//  1. On a resume task, a stage whose completion timestamp is already set on
//     the record short-circuits as succeeded with skipped_existing=true.
//  2. A `started` event is published, then the stage chain runs under the
//     stage timeout with the video id as its input.
//  3. Transient failures are retried with quadratic backoff up to the stage's
//     max_retries. Timeouts and every other kind fail immediately.
//  4. The outcome is published as a `succeeded` or `failed` event carrying
//     the stage metadata or the error tag. The Scheduler reacts to it.
//  5. Run returns an error only when the worker is shutting down, so the
//     queue redelivers the task.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaycherian/video-emotion-pipeline/internal/cloud"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/commands"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/cor"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/progress"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/store"
	"github.com/jaycherian/video-emotion-pipeline/internal/telemetry/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Runner executes stage tasks. It implements queue.Runner.
type Runner struct {
	records  store.RecordStore                                // Read on resume to detect completed stages.
	stages   map[model.Stage]*StageWorkflow                   // The enabled stage workflows.
	events   progress.Publisher                               // Receives stage transition events.
	settings func(stage string) cloud.StageSettings           // Timeout and retry budget per stage.
	sleep    func(ctx context.Context, d time.Duration) error // Waits out the backoff between attempts.
}

// NewRunner creates a Runner over the built stage workflows. Budgets come
// from pipeline.
func NewRunner(records store.RecordStore, stages map[model.Stage]*StageWorkflow, events progress.Publisher, pipeline cloud.Pipeline) *Runner {
	return &Runner{
		records:  records,
		stages:   stages,
		events:   events,
		settings: pipeline.Settings,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes task and publishes its outcome.
func (r *Runner) Run(ctx context.Context, task model.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := slog.With("video_id", task.VideoID, "stage", task.Stage, "run_id", task.RunID)
	start := time.Now()

	wf, ok := r.stages[task.Stage]
	if !ok {
		err := errs.WithStage(errs.Internal("runner", fmt.Errorf("stage %s is not enabled", task.Stage)), task.VideoID, string(task.Stage))
		r.fail(ctx, task, err, 0, start)
		return nil
	}

	if task.Resume && r.completed(ctx, task) {
		logger.InfoContext(ctx, "stage already completed, skipping")
		r.publish(ctx, model.StageEvent(task, model.EventSucceeded, map[string]any{"skipped_existing": true}))
		metrics.RecordJob(string(task.Stage), "skipped_existing", time.Since(start).Seconds())
		return nil
	}

	r.publish(ctx, model.StageEvent(task, model.EventStarted, nil))
	settings := r.settings(string(task.Stage))

	for attempt := 1; ; attempt++ {
		meta, err := r.execute(ctx, wf, task, settings.Timeout(), attempt)
		if err == nil {
			if meta == nil {
				meta = make(map[string]any)
			}
			meta["attempts"] = attempt
			logger.InfoContext(ctx, "stage succeeded", "attempt", attempt, "elapsed", time.Since(start))
			r.publish(ctx, model.StageEvent(task, model.EventSucceeded, meta))
			metrics.RecordJob(string(task.Stage), string(model.EventSucceeded), time.Since(start).Seconds())
			return nil
		}

		// The worker is shutting down; leave the task to be redelivered.
		if ctx.Err() != nil {
			logger.WarnContext(ctx, "stage interrupted by shutdown", "attempt", attempt, "error", err)
			return ctx.Err()
		}

		err = errs.WithStage(err, task.VideoID, string(task.Stage))
		if !errs.Retryable(err) || attempt > settings.MaxRetries {
			r.fail(ctx, task, err, attempt, start)
			return nil
		}

		delay := settings.Backoff(attempt)
		logger.WarnContext(ctx, "retrying stage", "attempt", attempt, "backoff", delay, "error", err)
		metrics.RecordRetry(string(task.Stage))
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// execute runs one attempt of the stage chain and returns its metadata.
func (r *Runner) execute(ctx context.Context, wf *StageWorkflow, task model.Task, timeout time.Duration, attempt int) (map[string]any, error) {
	stageCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	stageCtx, span := wf.Tracer.Start(stageCtx, fmt.Sprintf("%s_attempt", task.Stage))
	defer span.End()
	span.SetAttributes(
		attribute.String("video_id", task.VideoID),
		attribute.String("run_id", task.RunID),
		attribute.Int("attempt", attempt),
	)

	chainCtx := cor.NewBaseContext()
	defer chainCtx.Close()
	chainCtx.SetContext(stageCtx)
	chainCtx.Add(cor.CtxIn, task.VideoID)

	wf.Execute(chainCtx)

	err := chainCtx.Err()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return commands.MetaFrom(chainCtx), nil
	}
	if errors.Is(stageCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("stage exceeded %s: %w: %w", timeout, context.DeadlineExceeded, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// completed reports whether the record already carries the stage timestamp.
// A lookup failure lets the stage run and report the failure itself.
func (r *Runner) completed(ctx context.Context, task model.Task) bool {
	rec, err := r.records.Find(ctx, task.VideoID)
	if err != nil {
		return false
	}
	return rec.CompletedAt(task.Stage) != nil
}

func (r *Runner) fail(ctx context.Context, task model.Task, err error, attempts int, start time.Time) {
	slog.ErrorContext(ctx, "stage failed",
		"video_id", task.VideoID, "stage", task.Stage, "run_id", task.RunID,
		"attempts", attempts, "error_tag", errs.Tag(err), "error", err)
	e := model.StageEvent(task, model.EventFailed, map[string]any{"error": err.Error(), "attempts": attempts})
	e.ErrorTag = errs.Tag(err)
	r.publish(ctx, e)
	metrics.RecordJob(string(task.Stage), string(model.EventFailed), time.Since(start).Seconds())
}

func (r *Runner) publish(ctx context.Context, e model.Event) {
	if err := r.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		slog.WarnContext(ctx, "failed to publish stage event", "video_id", e.VideoID, "stage", e.Stage, "status", e.Status, "error", err)
	}
}
