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

// This file implements the Gemini backed collaborators: the segment text
// classifier, the audio VAD scorer, the face expression scorer and the
// condition summarizer.
//
// Logic Flow:
//  1. The classifier and the scorers render their configured prompt template.
//     The summarizer receives a prompt the summarize stage already rendered.
//  2. The prompt, plus the clip or frame bytes as inline data, goes to the
//     rate limited model through cloud.GenerateMultiModalResponse, which
//     counts tokens and retries.
//  3. The JSON response is decoded and range checked. Anything the model
//     gets wrong surfaces as an errs.KindModel error, never as a zero value.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/jaycherian/video-emotion-pipeline/internal/cloud"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/genai"
)

const meterName = "github.com/jaycherian/video-emotion-pipeline/adapters"

// FaceLabels are the expression classes requested from the face scorer.
var FaceLabels = []string{"angry", "disgust", "fear", "happy", "neutral", "sad", "surprise"}

// gemini is the shared plumbing of the Gemini backed adapters: a rate limited
// model, a prompt template and token counters.
type gemini struct {
	name                     string                // Operation name used in errors and metric names.
	model                    cloud.GenerativeModel // The rate limited model.
	prompt                   *template.Template    // The parsed prompt template.
	geminiInputTokenCounter  metric.Int64Counter   // Counts prompt tokens.
	geminiOutputTokenCounter metric.Int64Counter   // Counts response tokens.
	geminiRetryCounter       metric.Int64Counter   // Counts retried generations.
}

func newGemini(name string, generativeModel cloud.GenerativeModel, promptTemplate string) (gemini, error) {
	tmpl, err := template.New(name).Parse(promptTemplate)
	if err != nil {
		return gemini{}, fmt.Errorf("failed to parse %s prompt template: %w", name, err)
	}
	meter := otel.Meter(meterName)
	g := gemini{name: name, model: generativeModel, prompt: tmpl}
	g.geminiInputTokenCounter, _ = meter.Int64Counter(fmt.Sprintf("%s.gemini.token.input", name))
	g.geminiOutputTokenCounter, _ = meter.Int64Counter(fmt.Sprintf("%s.gemini.token.output", name))
	g.geminiRetryCounter, _ = meter.Int64Counter(fmt.Sprintf("%s.gemini.token.retry", name))
	return g, nil
}

// render executes the prompt template with params.
func (g gemini) render(params map[string]any) (string, error) {
	var buffer bytes.Buffer
	if err := g.prompt.Execute(&buffer, params); err != nil {
		return "", errs.Internal(g.name, fmt.Errorf("failed to execute prompt template: %w", err))
	}
	return buffer.String(), nil
}

func (g gemini) generate(ctx context.Context, parts ...*genai.Part) (string, error) {
	out, err := cloud.GenerateMultiModalResponse(ctx,
		g.geminiInputTokenCounter, g.geminiOutputTokenCounter, g.geminiRetryCounter,
		0, g.model, cloud.UserContent(parts...))
	if err != nil {
		return "", cloud.ClassifyModelError(g.name, err)
	}
	return out, nil
}

// decode unmarshals a JSON response. The tail of an unparseable response is
// kept in the error.
func (g gemini) decode(raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return errs.Model(g.name, fmt.Errorf("unparseable model response %q: %w", tail(raw, 200), err))
	}
	return nil
}

// GeminiClassifier labels segment text with one of the model.Emotions.
type GeminiClassifier struct {
	gemini
}

// NewGeminiClassifier returns a classifier rendering promptTemplate with
// {{ .TEXT }} and {{ .LABELS }}.
func NewGeminiClassifier(generativeModel cloud.GenerativeModel, promptTemplate string) (*GeminiClassifier, error) {
	g, err := newGemini("classify-segment", generativeModel, promptTemplate)
	if err != nil {
		return nil, err
	}
	return &GeminiClassifier{gemini: g}, nil
}

func (c *GeminiClassifier) Classify(ctx context.Context, text string) (model.EmotionLabel, error) {
	labels := make([]string, 0, len(model.Emotions))
	for _, e := range model.Emotions {
		labels = append(labels, string(e))
	}
	prompt, err := c.render(map[string]any{"TEXT": text, "LABELS": strings.Join(labels, ", ")})
	if err != nil {
		return model.EmotionLabel{}, err
	}
	raw, err := c.generate(ctx, cloud.NewTextPart(prompt))
	if err != nil {
		return model.EmotionLabel{}, err
	}
	return c.parse(raw)
}

func (c *GeminiClassifier) parse(raw string) (model.EmotionLabel, error) {
	var resp struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
	}
	if err := c.decode(raw, &resp); err != nil {
		return model.EmotionLabel{}, err
	}
	emotion, err := model.ParseEmotion(resp.Label)
	if err != nil {
		return model.EmotionLabel{}, errs.Model(c.name, err)
	}
	if !unit(resp.Score) {
		return model.EmotionLabel{}, errs.Model(c.name, fmt.Errorf("score %v out of [0,1]", resp.Score))
	}
	return model.EmotionLabel{Emotion: emotion, Score: resp.Score}, nil
}

// GeminiAudioScorer rates an audio clip on the arousal, dominance and valence axes.
type GeminiAudioScorer struct {
	gemini
}

// NewGeminiAudioScorer returns a scorer sending promptTemplate and the clip
// as audio/wav inline data.
func NewGeminiAudioScorer(generativeModel cloud.GenerativeModel, promptTemplate string) (*GeminiAudioScorer, error) {
	g, err := newGemini("score-audio", generativeModel, promptTemplate)
	if err != nil {
		return nil, err
	}
	return &GeminiAudioScorer{gemini: g}, nil
}

func (s *GeminiAudioScorer) Score(ctx context.Context, audioPath string) (model.VADScore, error) {
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return model.VADScore{}, errs.Internal(s.name, fmt.Errorf("read %s: %w", audioPath, err))
	}
	prompt, err := s.render(nil)
	if err != nil {
		return model.VADScore{}, err
	}
	raw, err := s.generate(ctx, cloud.NewTextPart(prompt), cloud.NewInlineData(data, "audio/wav"))
	if err != nil {
		return model.VADScore{}, err
	}
	return s.parse(raw)
}

func (s *GeminiAudioScorer) parse(raw string) (model.VADScore, error) {
	var vad model.VADScore
	if err := s.decode(raw, &vad); err != nil {
		return model.VADScore{}, err
	}
	if !unit(vad.Arousal) || !unit(vad.Dominance) || !unit(vad.Valence) {
		return model.VADScore{}, errs.Model(s.name, fmt.Errorf("vad score %+v out of [0,1]", vad))
	}
	return vad, nil
}

// GeminiFaceScorer estimates facial expression probabilities of a frame.
type GeminiFaceScorer struct {
	gemini
}

// NewGeminiFaceScorer returns a scorer rendering promptTemplate with
// {{ .LABELS }} set to FaceLabels.
func NewGeminiFaceScorer(generativeModel cloud.GenerativeModel, promptTemplate string) (*GeminiFaceScorer, error) {
	g, err := newGemini("score-face", generativeModel, promptTemplate)
	if err != nil {
		return nil, err
	}
	return &GeminiFaceScorer{gemini: g}, nil
}

func (s *GeminiFaceScorer) ScoreFace(ctx context.Context, imagePath string) (model.FaceEmotions, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, errs.Internal(s.name, fmt.Errorf("read %s: %w", imagePath, err))
	}
	prompt, err := s.render(map[string]any{"LABELS": strings.Join(FaceLabels, ", ")})
	if err != nil {
		return nil, err
	}
	raw, err := s.generate(ctx, cloud.NewTextPart(prompt), cloud.NewInlineData(data, imageMIME(imagePath)))
	if err != nil {
		return nil, err
	}
	return s.parse(raw)
}

func (s *GeminiFaceScorer) parse(raw string) (model.FaceEmotions, error) {
	var resp struct {
		FaceDetected bool               `json:"face_detected"`
		Emotions     map[string]float64 `json:"emotions"`
	}
	if err := s.decode(raw, &resp); err != nil {
		return nil, err
	}
	if !resp.FaceDetected || len(resp.Emotions) == 0 {
		return nil, ErrNoFace
	}
	out := make(model.FaceEmotions, len(FaceLabels))
	for _, label := range FaceLabels {
		p := resp.Emotions[label]
		if !unit(p) {
			return nil, errs.Model(s.name, fmt.Errorf("probability %v of %s out of [0,1]", p, label))
		}
		out[label] = p
	}
	return out, nil
}

// GeminiSummarizer writes the condition summary.
type GeminiSummarizer struct {
	gemini
}

func NewGeminiSummarizer(generativeModel cloud.GenerativeModel) (*GeminiSummarizer, error) {
	g, err := newGemini("summarize-condition", generativeModel, "")
	if err != nil {
		return nil, err
	}
	return &GeminiSummarizer{gemini: g}, nil
}

func (s *GeminiSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	raw, err := s.generate(ctx, cloud.NewTextPart(prompt))
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(raw)
	if out == "" {
		return "", errs.Model(s.name, fmt.Errorf("empty summary"))
	}
	return out, nil
}

func unit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func imageMIME(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".png") {
		return "image/png"
	}
	return "image/jpeg"
}
