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

// This file defines the command that cuts the normalized audio into one clip
// per emotion segment and uploads the clips.
//
// Logic Flow:
//  1. Receives the local audio path from the input parameter.
//  2. For every segment index, on the segment worker pool: slices the span
//     into a tracked temporary .wav file and uploads it under
//     `audio_chunks/{id}/chunk_{index}.wav`.
//  3. Only when every clip is stored are the keys set on the stage patch, so
//     a partially chunked record is never persisted.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/adapters"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/cor"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/store"
)

// ChunkTempFilePrefix prefixes the temporary files of per-segment audio clips.
const ChunkTempFilePrefix = "chunk-"

// SliceAudio uploads one audio clip per segment.
type SliceAudio struct {
	cor.BaseCommand
	media           adapters.MediaExtractor // Cuts one span out of the audio track.
	blobs           store.BlobStore         // Receives the clips under their chunk keys.
	numberOfWorkers int                     // Upper bound of clips cut at the same time.
}

// NewSliceAudio is the constructor for the SliceAudio command. A
// numberOfWorkers below one is treated as one.

func NewSliceAudio(name string, media adapters.MediaExtractor, blobs store.BlobStore, numberOfWorkers int) *SliceAudio {
	return &SliceAudio{
		BaseCommand:     *cor.NewBaseCommand(name),
		media:           media,
		blobs:           blobs,
		numberOfWorkers: numberOfWorkers,
	}
}

func (c *SliceAudio) IsExecutable(chCtx cor.Context) bool {
	return hasStageState(chCtx) && chCtx.Get(c.GetInputParam()) != nil
}

// Execute slices and uploads every segment's clip. One failed clip fails the
// whole command and no chunk key reaches the patch.
func (c *SliceAudio) Execute(chCtx cor.Context) {
	audioPath := chCtx.Get(c.GetInputParam()).(string)
	rec := RecordFrom(chCtx)

	keys := make([]string, len(rec.EmotionChunks))
	slice := func(ctx context.Context, i int) error {
		span := rec.EmotionChunks[i].Timestamp
		if !span.Valid() {
			return errs.Internal(c.GetName(), fmt.Errorf("segment %d has invalid span %v", i, span))
		}
		clip, err := newTempFile(chCtx, fmt.Sprintf("%s%d-*.wav", ChunkTempFilePrefix, i))
		if err != nil {
			return errs.Internal(c.GetName(), err)
		}
		if err := c.media.Slice(ctx, audioPath, span, clip); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		key := model.ChunkKey(rec.ID, i)
		if err := store.PutFile(ctx, c.blobs, key, clip, "audio/wav"); err != nil {
			return storeError(c.GetName(), rec.ID, fmt.Errorf("upload %s: %w", key, err))
		}
		keys[i] = key
		return nil
	}

	results := runSegmentJobs(chCtx.GetContext(), c.Tracer, c.GetName(), allIndices(len(keys)), c.numberOfWorkers, slice)
	if failed, err := firstError(results); err != nil {
		c.Fail(chCtx, fmt.Errorf("%d of %d chunks failed: %w", failed, len(keys), err))
		return
	}

	patch := PatchFrom(chCtx)
	for i, key := range keys {
		patch.Segment(i).AudioChunkFilePath = model.Set(key)
	}
	AddMeta(chCtx, "chunks", len(keys))
	slog.InfoContext(chCtx.GetContext(), "audio chunks stored", "video_id", rec.ID, "chunks", len(keys))
	c.Succeed(chCtx)
	chCtx.Add(c.GetOutputParam(), keys)
}
