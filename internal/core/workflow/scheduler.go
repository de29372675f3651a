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

// This file implements the Scheduler, the in-memory DAG executor of the
// pipeline.
//
// Logic Flow:
//  1. Submit registers a job keyed by video id and stage. A key whose job is
//     still queued or running returns the existing job.
//  2. A job whose dependencies have all finished is published to the task
//     queue immediately; the others wait.
//  3. The Scheduler listens to stage events. `started` marks the job running,
//     `succeeded` finishes it and releases the dependents that became ready,
//     `failed` fails it and marks its transitive dependents skipped.
//  4. Once a sealed run has no active job left, a terminal pipeline event is
//     published: `finished` when every job finished, `failed` otherwise.
//
// State changes happen under the lock; queue publishes and events are sent
// after it is released because listeners may call back into the Scheduler.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/progress"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/queue"
)

// ErrUnknownRun is returned when sealing a run the Scheduler never saw.
var ErrUnknownRun = errors.New("unknown run")

type jobState struct {
	job        model.Job
	dispatched bool // The task was handed to the queue.
}

// run groups the jobs started by one Trigger.
type run struct {
	id      string
	videoID string
	jobs    []string // Job ids in submission order.
	sealed  bool     // No more jobs will be submitted.
	done    bool     // The terminal event was produced.
}

// Scheduler tracks jobs and releases them through a queue in dependency order.
type Scheduler struct {
	queue  queue.Queue        // Receives tasks whose dependencies finished.
	events progress.Publisher // Receives terminal pipeline events.
	now    func() time.Time

	mu     sync.Mutex
	jobs   map[string]*jobState
	runs   map[string]*run
	latest map[string]string // video id -> latest run id
}

// NewScheduler creates a Scheduler that dispatches to q and publishes
// pipeline events to events.
func NewScheduler(q queue.Queue, events progress.Publisher) *Scheduler {
	return &Scheduler{
		queue:  q,
		events: events,
		now:    func() time.Time { return time.Now().UTC() },
		jobs:   make(map[string]*jobState),
		runs:   make(map[string]*run),
		latest: make(map[string]string),
	}
}

// Listen registers the Scheduler on hub. The returned func unregisters it.
func (s *Scheduler) Listen(hub *progress.Hub) func() {
	return hub.Listen(s.OnEvent)
}

// Submit registers task as a job depending on the jobs named in after and
// dispatches it when they have all finished.
func (s *Scheduler) Submit(ctx context.Context, task model.Task, after ...string) (model.Job, error) {
	if task.JobID == "" {
		task.JobID = model.JobID(task.VideoID, task.Stage)
	}

	s.mu.Lock()
	if existing, ok := s.jobs[task.JobID]; ok && existing.job.Status.Active() {
		job := existing.job
		s.mu.Unlock()
		slog.InfoContext(ctx, "job already active", "job_id", job.ID, "run_id", job.RunID)
		return job, nil
	}

	r := s.runFor(task.RunID, task.VideoID)
	now := s.now()
	state := &jobState{job: model.Job{
		ID:        task.JobID,
		RunID:     task.RunID,
		VideoID:   task.VideoID,
		Stage:     task.Stage,
		Status:    model.JobQueued,
		After:     slices.Clone(after),
		Resume:    task.Resume,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	s.jobs[task.JobID] = state
	r.jobs = append(r.jobs, task.JobID)

	var ready []model.Task
	if s.blocked(state) {
		s.skip(state, now)
	} else if s.ready(state) {
		state.dispatched = true
		ready = append(ready, model.TaskFor(&state.job))
	}
	job := state.job
	terminal := s.settle(r)
	s.mu.Unlock()

	return job, s.dispatch(ctx, ready, terminal)
}

// Seal marks the run complete: no more jobs will be submitted to it, so its
// terminal event may be published once its jobs are done.
func (s *Scheduler) Seal(ctx context.Context, runID string) error {
	s.mu.Lock()
	r, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	r.sealed = true
	terminal := s.settle(r)
	s.mu.Unlock()

	return s.dispatch(ctx, nil, terminal)
}

// OnEvent applies a stage event to its job. Events of unknown jobs, of older
// runs and repeated terminal events are ignored.
func (s *Scheduler) OnEvent(ctx context.Context, e model.Event) {
	if e.Step == model.PipelineStep || e.Stage == "" {
		return
	}

	s.mu.Lock()
	state, ok := s.jobs[model.JobID(e.VideoID, e.Stage)]
	if !ok || state.job.RunID != e.RunID || state.job.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	now := s.now()
	state.job.UpdatedAt = now
	switch n := e.Meta["attempts"].(type) {
	case int:
		state.job.Attempts = n
	case float64:
		state.job.Attempts = int(n)
	}

	var ready []model.Task
	switch e.Status {
	case model.EventStarted:
		state.job.Status = model.JobRunning
		if state.job.Attempts == 0 {
			state.job.Attempts = 1
		}
	case model.EventSucceeded:
		state.job.Status = model.JobFinished
		ready = s.release(state.job.RunID)
	case model.EventFailed:
		state.job.Status = model.JobFailed
		state.job.ErrorTag = e.ErrorTag
		if msg, ok := e.Meta["error"].(string); ok {
			state.job.Error = msg
		}
		s.skipDependents(state.job.RunID, now)
	default:
		s.mu.Unlock()
		return
	}
	var terminal *model.Event
	if r, ok := s.runs[state.job.RunID]; ok {
		terminal = s.settle(r)
	}
	s.mu.Unlock()

	if err := s.dispatch(ctx, ready, terminal); err != nil {
		slog.ErrorContext(ctx, "failed to dispatch released jobs", "video_id", e.VideoID, "run_id", e.RunID, "error", err)
	}
}

// Jobs returns the jobs of the latest run of videoID in submission order.
func (s *Scheduler) Jobs(videoID string) []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[s.latest[videoID]]
	if !ok {
		return []model.Job{}
	}
	out := make([]model.Job, 0, len(r.jobs))
	for _, id := range r.jobs {
		if state, ok := s.jobs[id]; ok && state.job.RunID == r.id {
			out = append(out, state.job)
		}
	}
	return out
}

// ActiveRun returns the run of videoID that still has queued or running jobs.
func (s *Scheduler) ActiveRun(videoID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[s.latest[videoID]]
	if !ok || r.done {
		return "", false
	}
	for _, id := range r.jobs {
		if state, ok := s.jobs[id]; ok && state.job.RunID == r.id && state.job.Status.Active() {
			return r.id, true
		}
	}
	return "", false
}

// Forget drops every job of videoID.
func (s *Scheduler) Forget(videoID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, state := range s.jobs {
		if state.job.VideoID == videoID {
			delete(s.jobs, id)
		}
	}
	for id, r := range s.runs {
		if r.videoID == videoID {
			delete(s.runs, id)
		}
	}
	delete(s.latest, videoID)
}

// runFor returns the run, creating it and retiring the previous run of the
// video. Callers hold the lock.
func (s *Scheduler) runFor(runID string, videoID string) *run {
	if r, ok := s.runs[runID]; ok {
		return r
	}
	if prev, ok := s.latest[videoID]; ok {
		delete(s.runs, prev)
	}
	r := &run{id: runID, videoID: videoID}
	s.runs[runID] = r
	s.latest[videoID] = runID
	return r
}

func (s *Scheduler) dependency(state *jobState, id string) (*jobState, bool) {
	dep, ok := s.jobs[id]
	if !ok || dep.job.RunID != state.job.RunID {
		return nil, false
	}
	return dep, true
}

// ready reports whether every dependency finished. A dependency that is not
// part of the run counts as finished.
func (s *Scheduler) ready(state *jobState) bool {
	for _, id := range state.job.After {
		if dep, ok := s.dependency(state, id); ok && dep.job.Status != model.JobFinished {
			return false
		}
	}
	return true
}

// blocked reports whether a dependency failed or was skipped.
func (s *Scheduler) blocked(state *jobState) bool {
	for _, id := range state.job.After {
		if dep, ok := s.dependency(state, id); ok && (dep.job.Status == model.JobFailed || dep.job.Status == model.JobSkipped) {
			return true
		}
	}
	return false
}

func (s *Scheduler) skip(state *jobState, now time.Time) {
	state.job.Status = model.JobSkipped
	state.job.UpdatedAt = now
}

// release collects the queued jobs of runID that became ready.
func (s *Scheduler) release(runID string) []model.Task {
	r, ok := s.runs[runID]
	if !ok {
		return nil
	}
	var out []model.Task
	for _, id := range r.jobs {
		state, ok := s.jobs[id]
		if !ok || state.job.RunID != runID || state.dispatched || state.job.Status != model.JobQueued {
			continue
		}
		if s.ready(state) {
			state.dispatched = true
			out = append(out, model.TaskFor(&state.job))
		}
	}
	return out
}

// skipDependents marks every job downstream of a failure skipped.
func (s *Scheduler) skipDependents(runID string, now time.Time) {
	r, ok := s.runs[runID]
	if !ok {
		return
	}
	for changed := true; changed; {
		changed = false
		for _, id := range r.jobs {
			state, ok := s.jobs[id]
			if !ok || state.job.RunID != runID || state.job.Status.Terminal() || state.dispatched {
				continue
			}
			if s.blocked(state) {
				s.skip(state, now)
				changed = true
			}
		}
	}
}

// settle returns the terminal pipeline event of r once, when r is sealed and
// no job is active.
func (s *Scheduler) settle(r *run) *model.Event {
	if !r.sealed || r.done {
		return nil
	}
	var failed *model.Job
	for _, id := range r.jobs {
		state, ok := s.jobs[id]
		if !ok || state.job.RunID != r.id {
			continue
		}
		if state.job.Status.Active() {
			return nil
		}
		if state.job.Status == model.JobFailed && failed == nil {
			job := state.job
			failed = &job
		}
	}
	r.done = true

	if failed != nil {
		e := model.PipelineEvent(r.videoID, r.id, model.EventFailed, map[string]any{
			"failed_stage": string(failed.Stage),
			"error":        failed.Error,
		})
		e.ErrorTag = failed.ErrorTag
		return &e
	}
	e := model.PipelineEvent(r.videoID, r.id, model.EventFinished, map[string]any{"stages": len(r.jobs)})
	return &e
}

// dispatch publishes ready tasks and the terminal event. A task the queue
// rejects is reported as a failed stage so its dependents are skipped.
func (s *Scheduler) dispatch(ctx context.Context, ready []model.Task, terminal *model.Event) error {
	var errList []error
	for _, task := range ready {
		slog.InfoContext(ctx, "dispatching job", "job_id", task.JobID, "run_id", task.RunID)
		if err := s.queue.Publish(ctx, task); err != nil {
			errList = append(errList, fmt.Errorf("failed to publish task %s: %w", task.JobID, err))
			e := model.StageEvent(task, model.EventFailed, map[string]any{"error": err.Error()})
			e.ErrorTag = string(errs.KindTransient)
			s.publish(ctx, e)
			s.OnEvent(context.WithoutCancel(ctx), e)
		}
	}
	if terminal != nil {
		s.publish(ctx, *terminal)
	}
	return errors.Join(errList...)
}

func (s *Scheduler) publish(ctx context.Context, e model.Event) {
	if err := s.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		slog.WarnContext(ctx, "failed to publish event", "video_id", e.VideoID, "step", e.Step, "status", e.Status, "error", err)
	}
}
