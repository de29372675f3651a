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

// This file defines the command that asks a language model for an overall
// assessment of the speaker's emotional and psychological condition.
//
// Logic Flow:
//  1. Builds one timeline line per emotion segment: clock span, text, text
//     emotion with score, audio arousal/valence/dominance and face
//     probabilities. Missing signals render as "n/a".
//  2. Executes the configured prompt template with the timeline.
//  3. Sends the prompt to the Summarizer.
//  4. Sets `condition_summary` on the stage patch.
package commands

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/template"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/adapters"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/cor"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
)

// DefaultSummaryPrompt is used when no summary prompt is configured.
const DefaultSummaryPrompt = `You are a clinical psychologist. Below is a multimodal breakdown of a speaker.
Please summarize their overall emotional and psychological condition.

Timeline:
{{ range .TIMELINE }}[{{ .Clock }}] Text: {{ .Text }}  Text-emo: {{ .Emotion }}  Audio(VAD): {{ .VAD }}  Face: {{ .Face }}
{{ end }}
Answer in a few paragraphs:`

// TimelineLine is one segment as rendered into the summary prompt.
type TimelineLine struct {
	Clock   string
	Text    string
	Emotion string
	VAD     string
	Face    string
}

// Timeline renders the segments of rec for the summary prompt.
func Timeline(rec *model.VideoRecord) []TimelineLine {
	out := make([]TimelineLine, 0, len(rec.EmotionChunks))
	for _, seg := range rec.EmotionChunks {
		line := TimelineLine{
			Clock:   seg.Timestamp.Clock(),
			Text:    strings.TrimSpace(seg.Text),
			Emotion: fmt.Sprintf("%s (%.2f)", seg.Emotion, seg.EmotionScore),
			VAD:     "n/a",
			Face:    "n/a",
		}
		if v := seg.VADScore; v != nil {
			line.VAD = fmt.Sprintf("A%.2f/V%.2f/D%.2f", v.Arousal, v.Valence, v.Dominance)
		}
		if len(seg.FaceEmotions) > 0 {
			labels := make([]string, 0, len(seg.FaceEmotions))
			for label := range seg.FaceEmotions {
				labels = append(labels, label)
			}
			sort.Strings(labels)
			parts := make([]string, 0, len(labels))
			for _, label := range labels {
				parts = append(parts, fmt.Sprintf("%s:%.2f", label, seg.FaceEmotions[label]))
			}
			line.Face = strings.Join(parts, ", ")
		}
		out = append(out, line)
	}
	return out
}

// SummarizeCondition writes the condition summary of the record.
type SummarizeCondition struct {
	cor.BaseCommand
	summarizer adapters.Summarizer
	template   *template.Template
}

func NewSummarizeCondition(name string, summarizer adapters.Summarizer, promptTemplate string) (*SummarizeCondition, error) {
	if strings.TrimSpace(promptTemplate) == "" {
		promptTemplate = DefaultSummaryPrompt
	}
	tmpl, err := template.New(name).Parse(promptTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse summary prompt template: %w", err)
	}
	return &SummarizeCondition{
		BaseCommand: *cor.NewBaseCommand(name),
		summarizer:  summarizer,
		template:    tmpl,
	}, nil
}

func (c *SummarizeCondition) IsExecutable(context cor.Context) bool {
	return hasStageState(context)
}

// GenerateParams creates the values injected into the prompt template.
func (c *SummarizeCondition) GenerateParams(rec *model.VideoRecord) map[string]interface{} {
	params := make(map[string]interface{})
	params["TIMELINE"] = Timeline(rec)
	params["FILENAME"] = rec.VideoFilename
	if rec.TranscriptionResult != nil {
		params["TRANSCRIPT"] = *rec.TranscriptionResult
	}
	return params
}

func (c *SummarizeCondition) Execute(context cor.Context) {
	rec := RecordFrom(context)

	var buffer bytes.Buffer
	if err := c.template.Execute(&buffer, c.GenerateParams(rec)); err != nil {
		c.Fail(context, errs.Internal(c.GetName(), fmt.Errorf("failed to execute prompt template: %w", err)))
		return
	}

	summary, err := c.summarizer.Summarize(context.GetContext(), buffer.String())
	if err != nil {
		c.Fail(context, modelError(c.GetName(), err))
		return
	}
	PatchFrom(context).ConditionSummary = model.Set(summary)
	slog.InfoContext(context.GetContext(), "condition summarized", "video_id", rec.ID, "length", len(summary))
	c.Succeed(context)
	context.Add(c.GetOutputParam(), summary)
}
