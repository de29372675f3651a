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

package test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/adapters"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/store"
)

// DemoVideo is the filename used by pipeline tests.
const DemoVideo = "demo.mp4"

// DemoTranscript returns a three segment transcript; the middle segment has
// no text.
func DemoTranscript() *model.Transcript {
	return &model.Transcript{
		Text: "I am so happy to be here. Then it all went wrong.",
		Segments: []model.TranscriptSegment{
			{Timestamp: model.TimeSpan{0, 2.5}, Text: "I am so happy to be here."},
			{Timestamp: model.TimeSpan{2.5, 4}, Text: "   "},
			{Timestamp: model.TimeSpan{4, 7.25}, Text: "Then it all went wrong."},
		},
	}
}

// SeedVideo creates the record of filename and stores fake video bytes under
// its video key, the way an upload does.
func SeedVideo(ctx context.Context, records store.RecordStore, blobs store.BlobStore, filename string) (*model.VideoRecord, error) {
	rec := model.NewVideoRecord(filename)
	if err := store.PutBytes(ctx, blobs, rec.VideoObjectPath, []byte("fake video bytes"), "video/mp4"); err != nil {
		return nil, err
	}
	if err := records.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// wait sleeps for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FakeMedia writes placeholder files instead of running ffmpeg.
type FakeMedia struct {
	mu         sync.Mutex
	ExtractErr error
	SliceErr   error
	FrameErr   error
	SliceGate  chan struct{} // When set, Slice blocks until it is closed.
	Slices     []model.TimeSpan
	Frames     []float64
}

func (f *FakeMedia) ExtractAudio(ctx context.Context, videoPath string, audioPath string) error {
	if f.ExtractErr != nil {
		return f.ExtractErr
	}
	if _, err := os.Stat(videoPath); err != nil {
		return err
	}
	return os.WriteFile(audioPath, []byte("RIFF fake audio"), 0o600)
}

func (f *FakeMedia) Slice(ctx context.Context, audioPath string, span model.TimeSpan, outPath string) error {
	if f.SliceGate != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.SliceGate:
		}
	}
	if f.SliceErr != nil {
		return f.SliceErr
	}
	f.mu.Lock()
	f.Slices = append(f.Slices, span)
	f.mu.Unlock()
	return os.WriteFile(outPath, []byte(fmt.Sprintf("RIFF chunk %s", span.Clock())), 0o600)
}

func (f *FakeMedia) ExtractFrame(ctx context.Context, videoPath string, at float64, outPath string) error {
	if f.FrameErr != nil {
		return f.FrameErr
	}
	f.mu.Lock()
	f.Frames = append(f.Frames, at)
	f.mu.Unlock()
	return os.WriteFile(outPath, []byte("fake jpeg"), 0o600)
}

// FakeTranscriber returns a canned transcript.
type FakeTranscriber struct {
	Transcript *model.Transcript
	Err        error
	Delay      time.Duration
	Calls      atomic.Int32
}

func (f *FakeTranscriber) Transcribe(ctx context.Context, audioPath string) (*model.Transcript, error) {
	f.Calls.Add(1)
	if err := wait(ctx, f.Delay); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Transcript, nil
}

// FakeClassifier labels text by keyword: "happy" is joy, "wrong" is sadness,
// everything else neutral.
type FakeClassifier struct {
	Err      error
	Calls    atomic.Int32
	inFlight atomic.Int32
	Peak     atomic.Int32
}

func (f *FakeClassifier) Classify(ctx context.Context, text string) (model.EmotionLabel, error) {
	f.Calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.Peak.Load()
		if n <= peak || f.Peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if err := wait(ctx, time.Millisecond); err != nil {
		return model.EmotionLabel{}, err
	}
	if f.Err != nil {
		return model.EmotionLabel{}, f.Err
	}
	switch {
	case strings.Contains(text, "happy"):
		return model.EmotionLabel{Emotion: model.EmotionJoy, Score: 0.91}, nil
	case strings.Contains(text, "wrong"):
		return model.EmotionLabel{Emotion: model.EmotionSadness, Score: 0.77}, nil
	}
	return model.EmotionLabel{Emotion: model.EmotionNeutral, Score: 0.5}, nil
}

// FakeAudioScorer returns the same score for every clip.
type FakeAudioScorer struct {
	VAD   model.VADScore
	Err   error
	Calls atomic.Int32
}

func (f *FakeAudioScorer) Score(ctx context.Context, audioPath string) (model.VADScore, error) {
	f.Calls.Add(1)
	if _, err := os.Stat(audioPath); err != nil {
		return model.VADScore{}, err
	}
	if f.Err != nil {
		return model.VADScore{}, f.Err
	}
	return f.VAD, nil
}

// FakeFaceScorer returns the same expression for every frame, or ErrNoFace.
type FakeFaceScorer struct {
	NoFace bool
	Err    error
	Calls  atomic.Int32
}

func (f *FakeFaceScorer) ScoreFace(ctx context.Context, imagePath string) (model.FaceEmotions, error) {
	f.Calls.Add(1)
	if f.Err != nil {
		return nil, f.Err
	}
	if f.NoFace {
		return nil, adapters.ErrNoFace
	}
	return model.FaceEmotions{"happy": 0.7, "neutral": 0.2, "sad": 0.1}, nil
}

// FakeSummarizer records the prompts it receives.
type FakeSummarizer struct {
	mu      sync.Mutex
	Text    string
	Err     error
	Prompts []string
}

func (f *FakeSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.Prompts = append(f.Prompts, prompt)
	f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	return f.Text, nil
}

// FakeSink records exported records.
type FakeSink struct {
	mu      sync.Mutex
	Err     error
	Records []*model.VideoRecord
}

func (f *FakeSink) Export(ctx context.Context, rec *model.VideoRecord) (int, error) {
	if f.Err != nil {
		return 0, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Records = append(f.Records, rec.Clone())
	return len(rec.EmotionChunks), nil
}

// Fakes bundles one fake per collaborator.
type Fakes struct {
	Media       *FakeMedia
	Transcriber *FakeTranscriber
	Classifier  *FakeClassifier
	AudioScorer *FakeAudioScorer
	FaceScorer  *FakeFaceScorer
	Summarizer  *FakeSummarizer
	Sink        *FakeSink
}

// NewFakes returns fakes that make the demo video run through every stage.
func NewFakes() *Fakes {
	return &Fakes{
		Media:       &FakeMedia{},
		Transcriber: &FakeTranscriber{Transcript: DemoTranscript()},
		Classifier:  &FakeClassifier{},
		AudioScorer: &FakeAudioScorer{VAD: model.VADScore{Arousal: 0.6, Dominance: 0.5, Valence: 0.4}},
		FaceScorer:  &FakeFaceScorer{},
		Summarizer:  &FakeSummarizer{Text: "The speaker moves from joy to sadness."},
		Sink:        &FakeSink{},
	}
}

// Registry wires the fakes into a collaborator registry.
func (f *Fakes) Registry() *adapters.Registry {
	return &adapters.Registry{
		Media:       f.Media,
		Transcriber: f.Transcriber,
		Classifier:  f.Classifier,
		AudioScorer: f.AudioScorer,
		FaceScorer:  f.FaceScorer,
		Summarizer:  f.Summarizer,
		Sink:        f.Sink,
	}
}
