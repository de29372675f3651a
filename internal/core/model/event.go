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

// EventStatus is the transition a progress event reports.
type EventStatus string

const (
	EventStarted   EventStatus = "started"
	EventSucceeded EventStatus = "succeeded"
	EventFailed    EventStatus = "failed"
	EventFinished  EventStatus = "finished"
	EventSnapshot  EventStatus = "snapshot"
)

// PipelineStep is the step name of whole-run events.
const PipelineStep = "pipeline"

// ErrorTagDeleted tags the terminal event published when a user deletes a
// video.
const ErrorTagDeleted = "deleted"

// Event is one progress notification. Events are best effort and not
// authoritative; the record store is.
type Event struct {
	VideoID  string         `json:"video_id"`
	RunID    string         `json:"run_id,omitempty"`
	Stage    Stage          `json:"stage,omitempty"`
	Step     string         `json:"step"`
	Status   EventStatus    `json:"status"`
	ErrorTag string         `json:"error_tag,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
	At       time.Time      `json:"at"`
}

// StageEvent builds a stage transition event.
func StageEvent(task Task, status EventStatus, meta map[string]any) Event {
	return Event{
		VideoID: task.VideoID,
		RunID:   task.RunID,
		Stage:   task.Stage,
		Step:    string(task.Stage),
		Status:  status,
		Meta:    meta,
		At:      time.Now().UTC(),
	}
}

// PipelineEvent builds a whole-run event.
func PipelineEvent(videoID string, runID string, status EventStatus, meta map[string]any) Event {
	return Event{
		VideoID: videoID,
		RunID:   runID,
		Step:    PipelineStep,
		Status:  status,
		Meta:    meta,
		At:      time.Now().UTC(),
	}
}

// Terminal reports whether the event ends the run it belongs to.
func (e Event) Terminal() bool {
	return e.Step == PipelineStep && (e.Status == EventFinished || e.Status == EventFailed)
}

// Frame flattens the event into the JSON object sent to WebSocket clients:
// {step, status, ...metadata}.
func (e Event) Frame() map[string]any {
	out := make(map[string]any, len(e.Meta)+6)
	for k, v := range e.Meta {
		out[k] = v
	}
	out["step"] = e.Step
	out["status"] = e.Status
	out["video_id"] = e.VideoID
	if e.RunID != "" {
		out["run_id"] = e.RunID
	}
	if e.Stage != "" {
		out["stage"] = e.Stage
	}
	if e.ErrorTag != "" {
		out["error_tag"] = e.ErrorTag
	}
	out["at"] = e.At
	return out
}
