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

package adapters_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/adapters"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type cannedModel struct {
	text    string
	err     error
	content []*genai.Content
}

func (m *cannedModel) GenerateContent(_ context.Context, content []*genai.Content) (*genai.GenerateContentResponse, error) {
	m.content = content
	if m.err != nil {
		return nil, m.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: m.text}}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 2},
	}, nil
}

func writeTemp(t *testing.T, name string) string {
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte("RIFF"), 0o600))
	return p
}

func TestClassifierParsesLabel(t *testing.T) {
	m := &cannedModel{text: "```json\n{\"label\": \"Happy\", \"score\": 0.82}\n```"}
	c, err := adapters.NewGeminiClassifier(m, "Classify: {{ .TEXT }} as one of {{ .LABELS }}")
	require.NoError(t, err)

	label, err := c.Classify(context.Background(), "I feel great today")
	require.NoError(t, err)
	assert.Equal(t, model.EmotionJoy, label.Emotion)
	assert.InDelta(t, 0.82, label.Score, 1e-9)

	require.Len(t, m.content, 1)
	assert.Equal(t, "user", m.content[0].Role)
	assert.Contains(t, m.content[0].Parts[0].Text, "I feel great today")
	assert.Contains(t, m.content[0].Parts[0].Text, "disgust")
}

func TestClassifierRejectsUnknownLabels(t *testing.T) {
	for _, text := range []string{
		`{"label": "bored", "score": 0.5}`,
		`{"label": "joy", "score": 1.5}`,
		`not json`,
	} {
		c, err := adapters.NewGeminiClassifier(&cannedModel{text: text}, "{{ .TEXT }}")
		require.NoError(t, err)
		_, err = c.Classify(context.Background(), "hello")
		require.Error(t, err, text)
		assert.Equal(t, errs.KindModel, errs.KindOf(err), text)
	}
}

func TestClassifierModelFailureIsModelError(t *testing.T) {
	c, err := adapters.NewGeminiClassifier(&cannedModel{err: genai.APIError{Code: 400, Message: "bad"}}, "{{ .TEXT }}")
	require.NoError(t, err)
	_, err = c.Classify(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, errs.KindModel, errs.KindOf(err))
}

func TestBadTemplateIsRejected(t *testing.T) {
	_, err := adapters.NewGeminiClassifier(&cannedModel{}, "{{ .TEXT ")
	require.Error(t, err)
}

func TestAudioScorer(t *testing.T) {
	path := writeTemp(t, "chunk_0.wav")
	m := &cannedModel{text: `{"arousal": 0.7, "dominance": 0.4, "valence": 0.2}`}
	s, err := adapters.NewGeminiAudioScorer(m, "Rate the clip.")
	require.NoError(t, err)

	vad, err := s.Score(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, model.VADScore{Arousal: 0.7, Dominance: 0.4, Valence: 0.2}, vad)
	require.Len(t, m.content[0].Parts, 2)
	require.NotNil(t, m.content[0].Parts[1].InlineData)
	assert.Equal(t, "audio/wav", m.content[0].Parts[1].InlineData.MIMEType)

	s, err = adapters.NewGeminiAudioScorer(&cannedModel{text: `{"arousal": -0.1, "dominance": 0.4, "valence": 0.2}`}, "Rate.")
	require.NoError(t, err)
	_, err = s.Score(context.Background(), path)
	assert.Equal(t, errs.KindModel, errs.KindOf(err))
}

func TestFaceScorer(t *testing.T) {
	path := writeTemp(t, "frame.jpg")
	m := &cannedModel{text: `{"face_detected": true, "emotions": {"happy": 0.6, "neutral": 0.3, "sad": 0.1}}`}
	s, err := adapters.NewGeminiFaceScorer(m, "Labels: {{ .LABELS }}")
	require.NoError(t, err)

	faces, err := s.ScoreFace(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, faces, len(adapters.FaceLabels))
	assert.InDelta(t, 0.6, faces["happy"], 1e-9)
	assert.Zero(t, faces["angry"])
	assert.Equal(t, "image/jpeg", m.content[0].Parts[1].InlineData.MIMEType)

	s, err = adapters.NewGeminiFaceScorer(&cannedModel{text: `{"face_detected": false}`}, "x")
	require.NoError(t, err)
	_, err = s.ScoreFace(context.Background(), path)
	assert.True(t, errors.Is(err, adapters.ErrNoFace))
}

func TestSummarizer(t *testing.T) {
	s, err := adapters.NewGeminiSummarizer(&cannedModel{text: "  The speaker appears calm.  "})
	require.NoError(t, err)
	out, err := s.Summarize(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "The speaker appears calm.", out)

	s, err = adapters.NewGeminiSummarizer(&cannedModel{text: "   "})
	require.NoError(t, err)
	_, err = s.Summarize(context.Background(), "prompt")
	assert.Equal(t, errs.KindModel, errs.KindOf(err))
}

func TestRegistryMissing(t *testing.T) {
	r := &adapters.Registry{}
	missing := r.Missing(append(append([]model.Stage{}, model.CoreStages...), model.OptionalStages...))
	assert.Len(t, missing, 8)

	r = &adapters.Registry{
		Media:       adapters.NewFFmpeg(""),
		Transcriber: &adapters.WhisperCLI{Command: "whisper"},
		Classifier:  &adapters.GeminiClassifier{},
		AudioScorer: &adapters.GeminiAudioScorer{},
	}
	assert.Empty(t, r.Missing(model.CoreStages))
	assert.Equal(t, []string{"summarize: summarizer"}, r.Missing([]model.Stage{model.StageSummarize}))
}

func TestSegmentRows(t *testing.T) {
	rec := model.NewVideoRecord("demo.mp4")
	rec.EmotionChunks = []model.EmotionSegment{
		{
			Timestamp:    model.TimeSpan{0, 2.5},
			Text:         "hello",
			Emotion:      model.EmotionJoy,
			EmotionScore: 0.9,
			VADScore:     &model.VADScore{Arousal: 0.5, Dominance: 0.6, Valence: 0.7},
			FaceEmotions: model.FaceEmotions{"happy": 0.8, "neutral": 0.2},
		},
		{Timestamp: model.TimeSpan{2.5, 4}, Emotion: model.EmotionUnknown},
	}
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	rows := adapters.SegmentRows(rec, at)
	require.Len(t, rows, 2)
	assert.Equal(t, rec.ID, rows[0].VideoID)
	assert.Equal(t, "demo.mp4", rows[0].VideoFilename)
	assert.True(t, rows[0].HasVAD)
	assert.Equal(t, "happy", rows[0].FaceEmotion)
	assert.InDelta(t, 0.8, rows[0].FaceScore, 1e-9)
	assert.Equal(t, 1, rows[1].SegmentIndex)
	assert.False(t, rows[1].HasVAD)
	assert.Equal(t, "unknown", rows[1].Emotion)
	assert.Equal(t, at, rows[1].ExportedAt)
}
