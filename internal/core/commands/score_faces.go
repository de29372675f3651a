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

// This file defines the command behind the optional analyze_faces stage.
//
// Logic Flow:
//  1. Receives the local video path from the input parameter.
//  2. For every segment, extracts the frame at the span midpoint into a
//     tracked temporary .jpg and asks the FaceEmotionScorer for the
//     expression distribution.
//  3. A frame without a face is not an error: the segment keeps an unset
//     face_emotions and the count of detected faces is reported.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/adapters"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/cor"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
)

// FrameTempFilePrefix prefixes the temporary files of extracted frames.
const FrameTempFilePrefix = "frame-"

// ScoreFaces grabs the video frame at the midpoint of every segment and
// scores the facial expression on it. Frames without a face leave the
// segment's face_emotions unset.
type ScoreFaces struct {
	cor.BaseCommand
	media           adapters.MediaExtractor    // Extracts single frames from the video.
	scorer          adapters.FaceEmotionScorer // Scores the expression on a frame.
	numberOfWorkers int                        // Upper bound of frames scored at the same time.
}

func NewScoreFaces(name string, media adapters.MediaExtractor, scorer adapters.FaceEmotionScorer, numberOfWorkers int) *ScoreFaces {
	return &ScoreFaces{
		BaseCommand:     *cor.NewBaseCommand(name),
		media:           media,
		scorer:          scorer,
		numberOfWorkers: numberOfWorkers,
	}
}

func (c *ScoreFaces) IsExecutable(chCtx cor.Context) bool {
	return hasStageState(chCtx) && chCtx.Get(c.GetInputParam()) != nil
}

func (c *ScoreFaces) Execute(chCtx cor.Context) {
	videoPath := chCtx.Get(c.GetInputParam()).(string)
	rec := RecordFrom(chCtx)

	faces := make([]model.FaceEmotions, len(rec.EmotionChunks))
	score := func(ctx context.Context, i int) error {
		frame, err := newTempFile(chCtx, fmt.Sprintf("%s%d-*.jpg", FrameTempFilePrefix, i))
		if err != nil {
			return errs.Internal(c.GetName(), err)
		}
		if err := c.media.ExtractFrame(ctx, videoPath, rec.EmotionChunks[i].Timestamp.Midpoint(), frame); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		out, err := c.scorer.ScoreFace(ctx, frame)
		if errors.Is(err, adapters.ErrNoFace) {
			slog.DebugContext(ctx, "no face in frame", "video_id", rec.ID, "segment", i)
			return nil
		}
		if err != nil {
			return modelError(c.GetName(), fmt.Errorf("segment %d: %w", i, err))
		}
		faces[i] = out
		return nil
	}

	results := runSegmentJobs(chCtx.GetContext(), c.Tracer, c.GetName(), allIndices(len(faces)), c.numberOfWorkers, score)
	if failed, err := firstError(results); err != nil {
		c.Fail(chCtx, fmt.Errorf("%d of %d frames failed: %w", failed, len(faces), err))
		return
	}

	patch := PatchFrom(chCtx)
	detected := 0
	for i, f := range faces {
		if f == nil {
			continue
		}
		patch.Segment(i).FaceEmotions = model.Set(f)
		detected++
	}
	AddMeta(chCtx, "faces", detected)
	slog.InfoContext(chCtx.GetContext(), "faces scored", "video_id", rec.ID, "faces", detected, "segments", len(faces))
	c.Succeed(chCtx)
	chCtx.Add(c.GetOutputParam(), detected)
}
