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

package model

import "time"

// JobStatus is the lifecycle state of a scheduled stage execution.
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
	// JobSkipped marks a dependent whose prerequisite failed. It is never started.
	JobSkipped JobStatus = "skipped"
)

// Terminal reports whether the status can no longer change within a run.
func (s JobStatus) Terminal() bool {
	return s == JobFinished || s == JobFailed || s == JobSkipped
}

// Active reports whether a job with this status blocks a duplicate submission.
func (s JobStatus) Active() bool {
	return s == JobQueued || s == JobRunning
}

// Job is one scheduled execution of a stage for a video. Jobs live only as
// long as progress reporting needs them; the VideoRecord is the durable truth.
type Job struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	VideoID   string    `json:"video_id"`
	Stage     Stage     `json:"stage"`
	Status    JobStatus `json:"status"`
	After     []string  `json:"after,omitempty"`
	Attempts  int       `json:"attempts"`
	ErrorTag  string    `json:"error_tag,omitempty"`
	Error     string    `json:"error,omitempty"`
	Resume    bool      `json:"resume"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobID is the dedup key of a stage execution: one active job per video and stage.
func JobID(videoID string, stage Stage) string {
	return videoID + ":" + string(stage)
}

// Task is the queue message that asks a worker to run one stage.
type Task struct {
	JobID      string    `json:"job_id"`
	RunID      string    `json:"run_id"`
	VideoID    string    `json:"video_id"`
	Stage      Stage     `json:"stage"`
	Resume     bool      `json:"resume"` // Skip the stage when its completion timestamp is already set.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// TaskFor builds the queue message of a job.
func TaskFor(job *Job) Task {
	return Task{
		JobID:      job.ID,
		RunID:      job.RunID,
		VideoID:    job.VideoID,
		Stage:      job.Stage,
		Resume:     job.Resume,
		EnqueuedAt: time.Now().UTC(),
	}
}
