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
	"log/slog"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/adapters"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/cor"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
)

// TranscribeAudio runs the transcriber over the local audio file and passes
// the transcript on. A transcript without segments, or with spans that are
// empty or out of order, fails the stage before anything is persisted.
type TranscribeAudio struct {
	cor.BaseCommand
	transcriber adapters.Transcriber // Whisper in production.
}

func NewTranscribeAudio(name string, transcriber adapters.Transcriber) *TranscribeAudio {
	return &TranscribeAudio{BaseCommand: *cor.NewBaseCommand(name), transcriber: transcriber}
}

func (c *TranscribeAudio) Execute(context cor.Context) {
	audioPath := context.Get(c.GetInputParam()).(string)
	videoID, _ := context.Get(CtxVideoID).(string)

	transcript, err := c.transcriber.Transcribe(context.GetContext(), audioPath)
	if err != nil {
		c.Fail(context, modelError(c.GetName(), err))
		return
	}
	if transcript == nil || len(transcript.Segments) == 0 {
		c.Fail(context, errs.Model(c.GetName(), fmt.Errorf("transcriber returned no segments for video %s", videoID)))
		return
	}
	if err := transcript.Validate(); err != nil {
		c.Fail(context, errs.Model(c.GetName(), fmt.Errorf("video %s: %w", videoID, err)))
		return
	}
	slog.InfoContext(context.GetContext(), "audio transcribed", "video_id", videoID, "segments", len(transcript.Segments))
	AddMeta(context, "segments", len(transcript.Segments))
	c.Succeed(context)
	context.Add(c.GetOutputParam(), transcript)
}
