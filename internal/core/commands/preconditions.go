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

package commands

import (
	"fmt"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/cor"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
)

// Requirement checks one upstream field a stage depends on.
type Requirement func(rec *model.VideoRecord) error

// RequireAudio needs the normalized audio of extract_audio.
func RequireAudio(rec *model.VideoRecord) error {
	if rec.AudioObjectPath == nil || *rec.AudioObjectPath == "" {
		return fmt.Errorf("audio_object_path is not set")
	}
	return nil
}

// RequireSegments needs the emotion chunks of transcribe_and_classify.
func RequireSegments(rec *model.VideoRecord) error {
	if len(rec.EmotionChunks) == 0 {
		return fmt.Errorf("emotion_chunks is empty")
	}
	return nil
}

// RequireChunkingNotStarted refuses to re-segment a record whose audio
// chunks reference the current segmentation.
func RequireChunkingNotStarted(rec *model.VideoRecord) error {
	if rec.ChunkingStarted() {
		return model.ErrSegmentsLocked
	}
	return nil
}

// CheckPreconditions fails the stage with a precondition error when the
// loaded record lacks what the stage needs.
type CheckPreconditions struct {
	cor.BaseCommand
	requirements []Requirement
}

func NewCheckPreconditions(name string, requirements ...Requirement) *CheckPreconditions {
	return &CheckPreconditions{BaseCommand: *cor.NewBaseCommand(name), requirements: requirements}
}

func (c *CheckPreconditions) IsExecutable(context cor.Context) bool {
	return hasStageState(context)
}

func (c *CheckPreconditions) Execute(context cor.Context) {
	rec := RecordFrom(context)
	for _, require := range c.requirements {
		if err := require(rec); err != nil {
			c.Fail(context, errs.Precondition(c.GetName(), rec.ID, "%w", err))
			return
		}
	}
	c.Succeed(context)
}
