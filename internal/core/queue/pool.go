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

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/progress"
	"github.com/jaycherian/video-emotion-pipeline/internal/telemetry/metrics"
	"golang.org/x/sync/semaphore"
)

// Runner executes one stage task to a terminal outcome. It returns an error
// only when no outcome could be reached, for example on shutdown.
type Runner interface {
	Run(ctx context.Context, task model.Task) error
}

// WorkerPool pulls tasks from a Queue and hands them to a Runner with a
// fixed number of workers and a concurrency limit per stage.
type WorkerPool struct {
	queue       Queue
	runner      Runner
	events      progress.Publisher
	workerCount int                                 // Tasks handled at the same time.
	limits      map[model.Stage]*semaphore.Weighted // Per-stage concurrency caps.

	mu       sync.Mutex
	inFlight map[string]struct{} // Job ids being handled, to drop redeliveries.
}

// NewWorkerPool creates a pool. Stages missing from stageLimits may use every
// worker.
func NewWorkerPool(q Queue, runner Runner, events progress.Publisher, workerCount int, stageLimits map[model.Stage]int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	limits := make(map[model.Stage]*semaphore.Weighted, len(stageLimits))
	for stage, n := range stageLimits {
		if n > 0 {
			limits[stage] = semaphore.NewWeighted(int64(n))
		}
	}
	return &WorkerPool{
		queue:       q,
		runner:      runner,
		events:      events,
		workerCount: workerCount,
		limits:      limits,
		inFlight:    make(map[string]struct{}),
	}
}

// Start consumes tasks until ctx is cancelled. It blocks.
func (wp *WorkerPool) Start(ctx context.Context) error {
	slog.InfoContext(ctx, "starting worker pool", "workers", wp.workerCount)
	return wp.queue.Consume(ctx, wp.workerCount, wp.Handle)
}

// Handle runs one task. A task whose job is already running in this pool is
// acknowledged without running it again.
func (wp *WorkerPool) Handle(ctx context.Context, task model.Task) (err error) {
	if !wp.claim(task.JobID) {
		slog.InfoContext(ctx, "ignoring duplicate delivery", "job_id", task.JobID, "video_id", task.VideoID)
		return nil
	}
	defer wp.release(task.JobID)

	if sem, ok := wp.limits[task.Stage]; ok {
		if err := sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire slot for stage %s: %w", task.Stage, err)
		}
		defer sem.Release(1)
	}

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic while running stage",
				"job_id", task.JobID, "video_id", task.VideoID, "stage", task.Stage,
				"panic", r, "stack", string(debug.Stack()))
			failure := errs.WithStage(errs.Internal("worker", fmt.Errorf("panic: %v", r)), task.VideoID, string(task.Stage))
			e := model.StageEvent(task, model.EventFailed, map[string]any{"error": failure.Error()})
			e.ErrorTag = errs.Tag(failure)
			if pubErr := wp.events.Publish(context.WithoutCancel(ctx), e); pubErr != nil {
				slog.WarnContext(ctx, "failed to publish failure event", "job_id", task.JobID, "error", pubErr)
			}
			metrics.JobsTotal.WithLabelValues(string(task.Stage), string(model.EventFailed)).Inc()
			err = nil
		}
	}()

	return wp.runner.Run(ctx, task)
}

func (wp *WorkerPool) claim(jobID string) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if _, ok := wp.inFlight[jobID]; ok {
		return false
	}
	wp.inFlight[jobID] = struct{}{}
	return true
}

func (wp *WorkerPool) release(jobID string) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	delete(wp.inFlight, jobID)
}
