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

package model

import (
	"fmt"
	"strings"
)

// Emotion is a categorical text emotion label.
type Emotion string

const (
	EmotionJoy      Emotion = "joy"
	EmotionSadness  Emotion = "sadness"
	EmotionAnger    Emotion = "anger"
	EmotionSurprise Emotion = "surprise"
	EmotionNeutral  Emotion = "neutral"
	EmotionFear     Emotion = "fear"
	EmotionDisgust  Emotion = "disgust"
	// EmotionUnknown is assigned to segments with no text.
	EmotionUnknown Emotion = "unknown"
)

// Emotions is the closed label set a classifier may return.
var Emotions = []Emotion{
	EmotionJoy, EmotionSadness, EmotionAnger, EmotionSurprise,
	EmotionNeutral, EmotionFear, EmotionDisgust,
}

var emotionAliases = map[string]Emotion{
	"happy":     EmotionJoy,
	"happiness": EmotionJoy,
	"sad":       EmotionSadness,
	"angry":     EmotionAnger,
	"surprised": EmotionSurprise,
	"fearful":   EmotionFear,
	"disgusted": EmotionDisgust,
}

// ParseEmotion normalizes a classifier label into the closed set. Common
// adjective forms ("happy", "angry", ...) are accepted.
func ParseEmotion(in string) (Emotion, error) {
	label := strings.ToLower(strings.TrimSpace(in))
	for _, e := range Emotions {
		if label == string(e) {
			return e, nil
		}
	}
	if e, ok := emotionAliases[label]; ok {
		return e, nil
	}
	if label == string(EmotionUnknown) {
		return EmotionUnknown, nil
	}
	return "", fmt.Errorf("unsupported emotion label %q", in)
}

// TimeSpan is a [start, end] pair in seconds.
type TimeSpan [2]float64

func (t TimeSpan) Start() float64 { return t[0] }
func (t TimeSpan) End() float64   { return t[1] }

// Duration is End - Start.
func (t TimeSpan) Duration() float64 { return t[1] - t[0] }

// Midpoint is the center of the span.
func (t TimeSpan) Midpoint() float64 { return t[0] + t.Duration()/2 }

// Valid reports whether the span is non-negative and strictly increasing.
func (t TimeSpan) Valid() bool { return t[0] >= 0 && t[0] < t[1] }

// Clock renders the span as mm:ss-mm:ss.
func (t TimeSpan) Clock() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d",
		int(t[0])/60, int(t[0])%60, int(t[1])/60, int(t[1])%60)
}

// VADScore is the arousal/dominance/valence triple of an audio chunk.
type VADScore struct {
	Arousal   float64 `json:"arousal"`
	Dominance float64 `json:"dominance"`
	Valence   float64 `json:"valence"`
}

// FaceEmotions maps a facial-expression label to its probability.
type FaceEmotions map[string]float64

// EmotionSegment is one timestamped transcript span and the signals derived from it.
type EmotionSegment struct {
	Timestamp          TimeSpan     `json:"timestamp"`
	Text               string       `json:"text"`
	Emotion            Emotion      `json:"emotion"`
	EmotionScore       float64      `json:"emotion_score"`
	AudioChunkFilePath *string      `json:"audio_chunk_file_path"`
	VADScore           *VADScore    `json:"vad_score"`
	FaceEmotions       FaceEmotions `json:"face_emotions"`
}

// Clone returns a deep copy of the segment.
func (s EmotionSegment) Clone() EmotionSegment {
	out := s
	out.AudioChunkFilePath = clonePtr(s.AudioChunkFilePath)
	out.VADScore = clonePtr(s.VADScore)
	if s.FaceEmotions != nil {
		out.FaceEmotions = make(FaceEmotions, len(s.FaceEmotions))
		for k, v := range s.FaceEmotions {
			out.FaceEmotions[k] = v
		}
	}
	return out
}

// TranscriptSegment is one timestamped span returned by a transcriber.
type TranscriptSegment struct {
	Timestamp TimeSpan `json:"timestamp"`
	Text      string   `json:"text"`
}

// Transcript is the output of a transcriber.
type Transcript struct {
	Text     string              `json:"text"`
	Segments []TranscriptSegment `json:"chunks"`
}

// FullText returns the transcript text, falling back to the concatenation of
// the segment texts when the transcriber returned none.
func (t *Transcript) FullText() string {
	if strings.TrimSpace(t.Text) != "" {
		return t.Text
	}
	var b strings.Builder
	for _, s := range t.Segments {
		b.WriteString(s.Text)
	}
	return b.String()
}

// Validate checks the span invariants of the segment sequence: every span has
// start < end and starts never move backwards.
func (t *Transcript) Validate() error {
	for i, s := range t.Segments {
		if !s.Timestamp.Valid() {
			return fmt.Errorf("segment %d has invalid span %v", i, s.Timestamp)
		}
		if i > 0 && s.Timestamp.Start() < t.Segments[i-1].Timestamp.Start() {
			return fmt.Errorf("segment %d starts at %.3fs, before segment %d", i, s.Timestamp.Start(), i-1)
		}
	}
	return nil
}

// EmotionLabel is the output of a segment emotion classifier.
type EmotionLabel struct {
	Emotion Emotion `json:"label"`
	Score   float64 `json:"score"`
}
