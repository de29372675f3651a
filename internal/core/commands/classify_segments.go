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

// This file defines the command that turns a transcript into the record's
// emotion segments.
//
// Logic Flow:
//  1. Receives the *model.Transcript from the input parameter.
//  2. Classifies the text of every segment on the segment worker pool. Empty
//     text is never sent to the classifier and is labeled `unknown` with a
//     score of 0.
//  3. Builds exactly one EmotionSegment per transcript segment, in order.
//  4. Sets `transcription_result` and `emotion_chunks` on the stage patch.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/adapters"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/cor"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
)

// ClassifySegments labels the emotion of every transcript segment.
type ClassifySegments struct {
	cor.BaseCommand
	classifier      adapters.EmotionClassifier // Labels the text of one segment.
	numberOfWorkers int                        // Upper bound of concurrent classifier calls.
}

// NewClassifySegments is the constructor for the ClassifySegments command.
//
// Inputs:
//   - name: The command name used for logging and telemetry.
//   - classifier: The text emotion classifier.
//   - numberOfWorkers: How many segments are classified at the same time.
//
// Outputs:
//   - *ClassifySegments: The new command. Its input parameter must hold the
//     *model.Transcript produced by TranscribeAudio.
func NewClassifySegments(name string, classifier adapters.EmotionClassifier, numberOfWorkers int) *ClassifySegments {
	return &ClassifySegments{
		BaseCommand:     *cor.NewBaseCommand(name),
		classifier:      classifier,
		numberOfWorkers: numberOfWorkers,
	}
}

func (c *ClassifySegments) IsExecutable(chCtx cor.Context) bool {
	_, ok := chCtx.Get(c.GetInputParam()).(*model.Transcript)
	return ok && hasStageState(chCtx)
}

func (c *ClassifySegments) Execute(chCtx cor.Context) {
	transcript := chCtx.Get(c.GetInputParam()).(*model.Transcript)
	rec := RecordFrom(chCtx)

	segments := make([]model.EmotionSegment, len(transcript.Segments))
	classify := func(ctx context.Context, i int) error {
		src := transcript.Segments[i]
		segments[i] = model.EmotionSegment{
			Timestamp: src.Timestamp,
			Text:      src.Text,
			Emotion:   model.EmotionUnknown,
		}
		if strings.TrimSpace(src.Text) == "" {
			return nil
		}
		label, err := c.classifier.Classify(ctx, src.Text)
		if err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		segments[i].Emotion = label.Emotion
		segments[i].EmotionScore = label.Score
		return nil
	}

	results := runSegmentJobs(chCtx.GetContext(), c.Tracer, c.GetName(), allIndices(len(segments)), c.numberOfWorkers, classify)
	if failed, err := firstError(results); err != nil {
		c.Fail(chCtx, modelError(c.GetName(), fmt.Errorf("%d of %d segments failed: %w", failed, len(segments), err)))
		return
	}
	if len(segments) != len(transcript.Segments) {
		c.Fail(chCtx, errs.Internal(c.GetName(), fmt.Errorf("classified %d segments, expected %d", len(segments), len(transcript.Segments))))
		return
	}

	patch := PatchFrom(chCtx)
	patch.TranscriptionResult = model.Set(transcript.FullText())
	patch.EmotionChunks = model.Set(segments)
	slog.InfoContext(chCtx.GetContext(), "segments classified", "video_id", rec.ID, "segments", len(segments), "workers", c.numberOfWorkers)
	c.Succeed(chCtx)
	chCtx.Add(c.GetOutputParam(), segments)
}
