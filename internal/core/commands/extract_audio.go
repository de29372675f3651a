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

// This file defines the command that converts the downloaded video into the
// normalized audio track every later stage works from.
//
// Logic Flow:
//  1. Gets the local video path from the input parameter.
//  2. Sniffs the file with `filetype`; content known not to be video is
//     refused before ffmpeg runs.
//  3. Creates a tracked temporary .wav file and asks the MediaExtractor for
//     16 kHz mono 16-bit PCM audio.
//  4. Places the audio path in the output parameter.
package commands

import (
	"fmt"
	"log/slog"

	"github.com/h2non/filetype"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/adapters"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/cor"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
)

// AudioTempFilePrefix prefixes the temporary files that hold a normalized
// audio track, both freshly extracted and downloaded from the blob store.
const AudioTempFilePrefix = "audio-"

// ExtractAudio runs the media extractor over the local video file.
type ExtractAudio struct {
	cor.BaseCommand                         // Embeds the BaseCommand for naming, tracing and metrics.
	media           adapters.MediaExtractor // Writes the 16 kHz mono track (ffmpeg in production).
}

// NewExtractAudio is the constructor for the ExtractAudio command.
//
// Inputs:
//   - name: The command name used for logging and telemetry.
//   - media: The extractor that converts the video into audio.
//
// Outputs:
//   - *ExtractAudio: The new command. Its input parameter must hold the local
//     video path.
func NewExtractAudio(name string, media adapters.MediaExtractor) *ExtractAudio {
	return &ExtractAudio{BaseCommand: *cor.NewBaseCommand(name), media: media}
}

// Execute extracts the audio track into a tracked temporary file and places
// its path in the output parameter.
func (c *ExtractAudio) Execute(context cor.Context) {
	videoPath := context.Get(c.GetInputParam()).(string)
	videoID, _ := context.Get(CtxVideoID).(string)

	kind, err := filetype.MatchFile(videoPath)
	if err != nil {
		c.Fail(context, errs.Internal(c.GetName(), fmt.Errorf("could not sniff %s: %w", videoPath, err)))
		return
	}
	if kind != filetype.Unknown && kind.MIME.Type != "video" {
		c.Fail(context, errs.Precondition(c.GetName(), videoID, "uploaded file is %s, not a video", kind.MIME.Value))
		return
	}

	audioPath, err := newTempFile(context, AudioTempFilePrefix+"*.wav")
	if err != nil {
		c.Fail(context, errs.Internal(c.GetName(), err))
		return
	}
	if err := c.media.ExtractAudio(context.GetContext(), videoPath, audioPath); err != nil {
		c.Fail(context, err)
		return
	}
	slog.InfoContext(context.GetContext(), "audio extracted", "video_id", videoID, "file", audioPath)
	c.Succeed(context)
	context.Add(c.GetOutputParam(), audioPath)
}
