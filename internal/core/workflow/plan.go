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

// Package workflow wires the stage commands into chains and drives them as
// jobs: the Orchestrator plans a run, the Scheduler releases jobs through the
// task queue as their dependencies finish, and the Runner executes one stage
// chain per task with a timeout and transient-error retries.
package workflow

import (
	"fmt"
	"slices"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
)

// Plan returns the stages of a run: the core stages followed by the enabled
// optional stages in their canonical order. Each stage depends on the one
// before it.
func Plan(optional []string) ([]model.Stage, error) {
	enabled := make(map[model.Stage]bool, len(optional))
	for _, name := range optional {
		stage, err := model.ParseStage(name)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(model.OptionalStages, stage) {
			return nil, fmt.Errorf("stage %s is not optional", stage)
		}
		enabled[stage] = true
	}

	out := slices.Clone(model.CoreStages)
	for _, stage := range model.OptionalStages {
		if enabled[stage] {
			out = append(out, stage)
		}
	}
	return out, nil
}
