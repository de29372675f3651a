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

// This file implements MediaExtractor on top of the ffmpeg binary.
//
// Logic Flow:
//  1. Each operation builds its argument list with a pure helper, so the
//     arguments can be tested without ffmpeg installed.
//  2. ffmpeg runs under the stage context; a cancelled or expired context is
//     returned as is so the runner can tell a timeout from a failure.
//  3. A non-zero exit is an internal error carrying the tail of stderr.
package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
)

// FFmpeg shells out to the ffmpeg binary.
type FFmpeg struct {
	Path string // The ffmpeg executable.
}

// NewFFmpeg returns an FFmpeg running path, or "ffmpeg" from PATH when path is
// empty.
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{Path: path}
}

// ExtractAudio writes the audio track of the video as 16 kHz mono 16-bit PCM.
func (f *FFmpeg) ExtractAudio(ctx context.Context, videoPath string, audioPath string) error {
	return f.run(ctx, "ffmpeg-extract-audio", extractAudioArgs(videoPath, audioPath))
}

// Slice writes span of the audio track to outPath as 16 kHz mono WAV.
func (f *FFmpeg) Slice(ctx context.Context, audioPath string, span model.TimeSpan, outPath string) error {
	if !span.Valid() {
		return errs.Internal("ffmpeg-slice", fmt.Errorf("invalid span %v", span))
	}
	return f.run(ctx, "ffmpeg-slice", sliceArgs(audioPath, span, outPath))
}

// ExtractFrame writes the frame at the given second as a JPEG.
func (f *FFmpeg) ExtractFrame(ctx context.Context, videoPath string, at float64, outPath string) error {
	return f.run(ctx, "ffmpeg-extract-frame", frameArgs(videoPath, at, outPath))
}

func (f *FFmpeg) run(ctx context.Context, op string, args []string) error {
	cmd := exec.CommandContext(ctx, f.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return errs.Internal(op, fmt.Errorf("error running ffmpeg: %w: %s", err, tail(stderr.String(), 512)))
		}
		return errs.Internal(op, fmt.Errorf("error starting ffmpeg: %w", err))
	}
	return nil
}

func extractAudioArgs(in string, out string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", in,
		"-vn",
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		out,
	}
}

func sliceArgs(in string, span model.TimeSpan, out string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", in,
		"-ss", seconds(span.Start()),
		"-to", seconds(span.End()),
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		out,
	}
}

func frameArgs(in string, at float64, out string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-ss", seconds(at),
		"-i", in,
		"-frames:v", "1",
		"-q:v", "2",
		out,
	}
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
