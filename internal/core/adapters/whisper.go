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

package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
)

// WhisperCLI runs the openai-whisper command line and reads its JSON output.
type WhisperCLI struct {
	Command  string   // Executable, e.g. "python3".
	Args     []string // Leading arguments, e.g. ["-m", "whisper"].
	Model    string   // Whisper model name, e.g. "base".
	Language string   // Spoken language; empty lets whisper detect it.
}

// whisperOutput is the part of whisper's JSON output the adapter reads.
type whisperOutput struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []whisperSegment `json:"segments"`
}

type whisperSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcribe runs whisper over audioPath in a scratch output directory and
// parses the JSON it leaves there. Spans whisper reports as empty or
// reversed are dropped.
func (w *WhisperCLI) Transcribe(ctx context.Context, audioPath string) (*model.Transcript, error) {
	outDir, err := os.MkdirTemp("", "whisper-")
	if err != nil {
		return nil, errs.Internal("whisper", fmt.Errorf("could not create output dir: %w", err))
	}
	defer os.RemoveAll(outDir)

	cmd := exec.CommandContext(ctx, w.Command, w.args(audioPath, outDir)...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.Model("whisper", fmt.Errorf("whisper transcription failed: %w: %s", err, tail(output.String(), 512)))
	}

	baseName := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	data, err := os.ReadFile(filepath.Join(outDir, baseName+".json"))
	if err != nil {
		return nil, errs.Model("whisper", fmt.Errorf("failed to read whisper output: %w", err))
	}
	transcript, err := parseWhisperOutput(data)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "transcription completed", "segments", len(transcript.Segments))
	return transcript, nil
}

func (w *WhisperCLI) args(audioPath string, outDir string) []string {
	args := append([]string{}, w.Args...)
	args = append(args, audioPath,
		"--output_dir", outDir,
		"--output_format", "json",
		"--fp16", "False",
	)
	if w.Model != "" {
		args = append(args, "--model", w.Model)
	}
	if w.Language != "" {
		args = append(args, "--language", w.Language)
	}
	return args
}

// parseWhisperOutput converts whisper JSON into a Transcript, dropping
// segments with an unusable time span.
func parseWhisperOutput(data []byte) (*model.Transcript, error) {
	var out whisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errs.Model("whisper", fmt.Errorf("failed to parse whisper JSON: %w", err))
	}
	transcript := &model.Transcript{
		Text:     strings.TrimSpace(out.Text),
		Segments: make([]model.TranscriptSegment, 0, len(out.Segments)),
	}
	for _, seg := range out.Segments {
		span := model.TimeSpan{seg.Start, seg.End}
		if !span.Valid() {
			continue
		}
		transcript.Segments = append(transcript.Segments, model.TranscriptSegment{
			Timestamp: span,
			Text:      strings.TrimSpace(seg.Text),
		})
	}
	return transcript, nil
}
