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

// Package adapters holds the collaborators the stages call out to: the media
// tool, the transcriber, the inference models and the analytics sink. Stages
// depend on the interfaces only; tests swap in fakes through the Registry.
package adapters

import (
	"context"
	"errors"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
)

// ErrNoFace is returned by a FaceEmotionScorer when the frame shows no face.
var ErrNoFace = errors.New("no face detected")

// MediaExtractor runs media conversions on local files.
type MediaExtractor interface {
	// ExtractAudio writes 16 kHz mono 16-bit PCM WAV audio of videoPath to audioPath.
	ExtractAudio(ctx context.Context, videoPath string, audioPath string) error
	// Slice writes the [start, end) span of audioPath to outPath.
	Slice(ctx context.Context, audioPath string, span model.TimeSpan, outPath string) error
	// ExtractFrame writes the video frame at second `at` to outPath as JPEG.
	ExtractFrame(ctx context.Context, videoPath string, at float64, outPath string) error
}

// Transcriber turns speech into timestamped text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*model.Transcript, error)
}

// EmotionClassifier labels the emotion of a piece of text.
type EmotionClassifier interface {
	Classify(ctx context.Context, text string) (model.EmotionLabel, error)
}

// AudioEmotionScorer scores arousal, dominance and valence of an audio clip.
type AudioEmotionScorer interface {
	Score(ctx context.Context, audioPath string) (model.VADScore, error)
}

// FaceEmotionScorer returns per-emotion probabilities of the face in an image.
type FaceEmotionScorer interface {
	ScoreFace(ctx context.Context, imagePath string) (model.FaceEmotions, error)
}

// Summarizer writes a free-text assessment from a prompt.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// AnalyticsSink receives the finished segments of a record.
type AnalyticsSink interface {
	Export(ctx context.Context, rec *model.VideoRecord) (int, error)
}

// Registry bundles the collaborators injected into the stages. Optional
// collaborators are nil when their stage is disabled.
type Registry struct {
	Media       MediaExtractor
	Transcriber Transcriber
	Classifier  EmotionClassifier
	AudioScorer AudioEmotionScorer
	FaceScorer  FaceEmotionScorer
	Summarizer  Summarizer
	Sink        AnalyticsSink
}

// Missing names the collaborators required by stages that are not set.
func (r *Registry) Missing(stages []model.Stage) []string {
	out := make([]string, 0)
	for _, s := range stages {
		switch s {
		case model.StageExtractAudio, model.StageSegmentAudio:
			if r.Media == nil {
				out = append(out, string(s)+": media extractor")
			}
		case model.StageTranscribe:
			if r.Transcriber == nil {
				out = append(out, string(s)+": transcriber")
			}
			if r.Classifier == nil {
				out = append(out, string(s)+": classifier")
			}
		case model.StageScoreAudio:
			if r.AudioScorer == nil {
				out = append(out, string(s)+": audio scorer")
			}
		case model.StageAnalyzeFaces:
			if r.Media == nil || r.FaceScorer == nil {
				out = append(out, string(s)+": media extractor and face scorer")
			}
		case model.StageSummarize:
			if r.Summarizer == nil {
				out = append(out, string(s)+": summarizer")
			}
		case model.StageExportResults:
			if r.Sink == nil {
				out = append(out, string(s)+": analytics sink")
			}
		}
	}
	return out
}
