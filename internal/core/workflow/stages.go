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

// This file builds the command chain of every stage.
//
// Logic Flow:
// Every stage is a StageWorkflow wrapping a cor chain of the same shape:
//
//  1. load-record reads the record and starts an empty patch for the stage.
//  2. The stage commands fetch inputs, call the collaborators and fill the
//     patch.
//  3. persist-patch stamps the completion time and upserts the patch.
//
// BuildStages checks that every collaborator a planned stage needs is wired
// before any task can run.
package workflow

import (
	"fmt"
	"strings"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/adapters"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/commands"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/cor"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/store"
)

// DefaultSegmentWorkers bounds the per-segment fan-out of a stage when the
// configuration leaves it unset.
const DefaultSegmentWorkers = 4

// Dependencies are the stores, collaborators and tuning shared by the stage
// chains.
type Dependencies struct {
	Records  store.RecordStore  // Holds the video records the stages patch.
	Blobs    store.BlobStore    // Holds the video, the audio track and the chunks.
	Adapters *adapters.Registry // The inference and media collaborators.

	// ClassifierWorkers bounds the concurrent classifier calls of
	// transcribe_and_classify.
	ClassifierWorkers int
	// SegmentWorkers maps a stage to its per-segment concurrency.
	SegmentWorkers map[model.Stage]int
	// SummaryPrompt is the text/template of the summarize stage. Empty means
	// commands.DefaultSummaryPrompt.
	SummaryPrompt string
}

func (d Dependencies) workers(stage model.Stage) int {
	if n := d.SegmentWorkers[stage]; n > 0 {
		return n
	}
	return DefaultSegmentWorkers
}

// StageWorkflow runs the command chain of one pipeline stage. The chain reads
// the video id from cor.CtxIn and ends with a single record upsert.
type StageWorkflow struct {
	cor.BaseCommand
	Stage model.Stage // The stage this workflow runs.
	chain cor.Chain   // load-record, the stage commands, persist-patch.
}

// Execute runs the stage chain.
func (w *StageWorkflow) Execute(context cor.Context) {
	w.chain.Execute(context)
}

// newStageWorkflow wraps steps between load-record and persist-patch.
func newStageWorkflow(stage model.Stage, deps Dependencies, steps ...cor.Command) *StageWorkflow {
	chain := cor.NewBaseChain(string(stage))
	chain.AddCommand(commands.NewLoadRecord("load-record", deps.Records, stage))
	for _, step := range steps {
		chain.AddCommand(step)
	}
	chain.AddCommand(commands.NewPersistPatch("persist-patch", deps.Records))

	return &StageWorkflow{
		BaseCommand: *cor.NewBaseCommand(string(stage) + "-workflow"),
		Stage:       stage,
		chain:       chain,
	}
}

func audioKey(rec *model.VideoRecord) string {
	return model.AudioKey(rec.ID)
}

// NewExtractAudioWorkflow downloads the uploaded video, converts its audio
// track to 16 kHz mono WAV and stores it under audio/{id}.wav.
func NewExtractAudioWorkflow(deps Dependencies) *StageWorkflow {
	return newStageWorkflow(model.StageExtractAudio, deps,
		commands.NewFetchBlob("fetch-video", deps.Blobs, commands.VideoObject, "video-"),
		commands.NewExtractAudio("extract-audio", deps.Adapters.Media),
		commands.NewStoreBlob("store-audio", deps.Blobs, audioKey, "audio/wav", commands.SetAudioObject),
	)
}

// NewTranscribeWorkflow transcribes the extracted audio and classifies the
// text emotion of every segment.
func NewTranscribeWorkflow(deps Dependencies) *StageWorkflow {
	return newStageWorkflow(model.StageTranscribe, deps,
		commands.NewCheckPreconditions("check-transcribe", commands.RequireAudio, commands.RequireChunkingNotStarted),
		commands.NewFetchBlob("fetch-audio", deps.Blobs, commands.AudioObject, commands.AudioTempFilePrefix),
		commands.NewTranscribeAudio("transcribe", deps.Adapters.Transcriber),
		commands.NewClassifySegments("classify-segments", deps.Adapters.Classifier, deps.ClassifierWorkers),
	)
}

// NewSegmentAudioWorkflow cuts one audio chunk per segment and uploads it.
func NewSegmentAudioWorkflow(deps Dependencies) *StageWorkflow {
	return newStageWorkflow(model.StageSegmentAudio, deps,
		commands.NewCheckPreconditions("check-segment", commands.RequireAudio, commands.RequireSegments),
		commands.NewFetchBlob("fetch-audio", deps.Blobs, commands.AudioObject, commands.AudioTempFilePrefix),
		commands.NewSliceAudio("slice-audio", deps.Adapters.Media, deps.Blobs, deps.workers(model.StageSegmentAudio)),
	)
}

// NewScoreAudioWorkflow scores valence, arousal and dominance per chunk.
func NewScoreAudioWorkflow(deps Dependencies) *StageWorkflow {
	return newStageWorkflow(model.StageScoreAudio, deps,
		commands.NewCheckPreconditions("check-score", commands.RequireSegments),
		commands.NewScoreAudioChunks("score-chunks", deps.Blobs, deps.Adapters.AudioScorer, deps.workers(model.StageScoreAudio)),
	)
}

// NewAnalyzeFacesWorkflow scores the facial expression at each segment midpoint.
func NewAnalyzeFacesWorkflow(deps Dependencies) *StageWorkflow {
	return newStageWorkflow(model.StageAnalyzeFaces, deps,
		commands.NewCheckPreconditions("check-faces", commands.RequireSegments),
		commands.NewFetchBlob("fetch-video", deps.Blobs, commands.VideoObject, "video-"),
		commands.NewScoreFaces("score-faces", deps.Adapters.Media, deps.Adapters.FaceScorer, deps.workers(model.StageAnalyzeFaces)),
	)
}

// NewSummarizeWorkflow writes the condition summary from the segment timeline.
func NewSummarizeWorkflow(deps Dependencies) (*StageWorkflow, error) {
	summarize, err := commands.NewSummarizeCondition("summarize-condition", deps.Adapters.Summarizer, deps.SummaryPrompt)
	if err != nil {
		return nil, err
	}
	return newStageWorkflow(model.StageSummarize, deps,
		commands.NewCheckPreconditions("check-summarize", commands.RequireSegments),
		summarize,
	), nil
}

// NewExportWorkflow streams one analytics row per segment to the sink.
func NewExportWorkflow(deps Dependencies) *StageWorkflow {
	return newStageWorkflow(model.StageExportResults, deps,
		commands.NewCheckPreconditions("check-export", commands.RequireSegments),
		commands.NewExportSegments("export-segments", deps.Adapters.Sink),
	)
}

// BuildStages creates the workflow of every planned stage. It fails when a
// collaborator a planned stage needs is missing.
func BuildStages(deps Dependencies, plan []model.Stage) (map[model.Stage]*StageWorkflow, error) {
	if deps.Adapters == nil {
		return nil, fmt.Errorf("no collaborators configured")
	}
	if missing := deps.Adapters.Missing(plan); len(missing) > 0 {
		return nil, fmt.Errorf("missing collaborators: %s", strings.Join(missing, ", "))
	}

	out := make(map[model.Stage]*StageWorkflow, len(plan))
	for _, stage := range plan {
		switch stage {
		case model.StageExtractAudio:
			out[stage] = NewExtractAudioWorkflow(deps)
		case model.StageTranscribe:
			out[stage] = NewTranscribeWorkflow(deps)
		case model.StageSegmentAudio:
			out[stage] = NewSegmentAudioWorkflow(deps)
		case model.StageScoreAudio:
			out[stage] = NewScoreAudioWorkflow(deps)
		case model.StageAnalyzeFaces:
			out[stage] = NewAnalyzeFacesWorkflow(deps)
		case model.StageSummarize:
			w, err := NewSummarizeWorkflow(deps)
			if err != nil {
				return nil, err
			}
			out[stage] = w
		case model.StageExportResults:
			out[stage] = NewExportWorkflow(deps)
		default:
			return nil, fmt.Errorf("no workflow for stage %s", stage)
		}
	}
	return out, nil
}
