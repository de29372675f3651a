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

// This file defines the command that scores the vocal emotion of every stored
// audio chunk.
//
// Logic Flow:
//  1. Collects the indices of the segments that reference an audio chunk.
//     Segments without one are logged and left unscored.
//  2. On the segment worker pool, downloads each chunk to a temporary file
//     and asks the AudioEmotionScorer for arousal, dominance and valence.
//  3. Writes the scores into the stage patch by segment index.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/adapters"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/cor"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/store"
)

// ScoreAudioChunks scores arousal, dominance and valence of every stored
// audio chunk. Segments without a chunk are logged and left unscored.
type ScoreAudioChunks struct {
	cor.BaseCommand
	blobs           store.BlobStore             // Source of the chunk clips.
	scorer          adapters.AudioEmotionScorer // Returns a VAD score per clip.
	numberOfWorkers int                         // Upper bound of clips scored at the same time.
}

// NewScoreAudioChunks is the constructor for the ScoreAudioChunks command.

func NewScoreAudioChunks(name string, blobs store.BlobStore, scorer adapters.AudioEmotionScorer, numberOfWorkers int) *ScoreAudioChunks {
	return &ScoreAudioChunks{
		BaseCommand:     *cor.NewBaseCommand(name),
		blobs:           blobs,
		scorer:          scorer,
		numberOfWorkers: numberOfWorkers,
	}
}

func (c *ScoreAudioChunks) IsExecutable(chCtx cor.Context) bool {
	return hasStageState(chCtx)
}

func (c *ScoreAudioChunks) Execute(chCtx cor.Context) {
	rec := RecordFrom(chCtx)

	indices := make([]int, 0, len(rec.EmotionChunks))
	for i, seg := range rec.EmotionChunks {
		if seg.AudioChunkFilePath == nil || *seg.AudioChunkFilePath == "" {
			slog.WarnContext(chCtx.GetContext(), "segment has no audio chunk, skipping", "video_id", rec.ID, "segment", i)
			continue
		}
		indices = append(indices, i)
	}

	scores := make([]model.VADScore, len(rec.EmotionChunks))
	score := func(ctx context.Context, i int) error {
		key := *rec.EmotionChunks[i].AudioChunkFilePath
		path, _, err := store.DownloadTemp(ctx, c.blobs, key, fmt.Sprintf("%s%d-*.wav", ChunkTempFilePrefix, i))
		if err != nil {
			return storeError(c.GetName(), rec.ID, fmt.Errorf("download %s: %w", key, err))
		}
		defer os.Remove(path)

		vad, err := c.scorer.Score(ctx, path)
		if err != nil {
			return modelError(c.GetName(), fmt.Errorf("segment %d: %w", i, err))
		}
		scores[i] = vad
		return nil
	}

	results := runSegmentJobs(chCtx.GetContext(), c.Tracer, c.GetName(), indices, c.numberOfWorkers, score)
	if failed, err := firstError(results); err != nil {
		c.Fail(chCtx, fmt.Errorf("%d of %d chunks failed: %w", failed, len(indices), err))
		return
	}

	patch := PatchFrom(chCtx)
	for _, i := range indices {
		patch.Segment(i).VADScore = model.Set(scores[i])
	}
	AddMeta(chCtx, "scored", len(indices))
	AddMeta(chCtx, "skipped", len(rec.EmotionChunks)-len(indices))
	slog.InfoContext(chCtx.GetContext(), "audio chunks scored", "video_id", rec.ID, "scored", len(indices), "segments", len(rec.EmotionChunks))
	c.Succeed(chCtx)
	chCtx.Add(c.GetOutputParam(), len(indices))
}
