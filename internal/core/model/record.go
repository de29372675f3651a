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

// Package model defines the core data structures of the pipeline.
//
// VideoRecord is the durable per-video document every stage reads and
// refines. It is never rewritten wholesale: stages describe their output as a
// Patch (see patch.go) and the record store merges it.
package model

import (
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage names one unit of the pipeline DAG.
type Stage string

const (
	StageUpload        Stage = "upload"
	StageExtractAudio  Stage = "extract_audio"
	StageTranscribe    Stage = "transcribe_and_classify"
	StageSegmentAudio  Stage = "segment_audio"
	StageScoreAudio    Stage = "score_audio_emotion"
	StageAnalyzeFaces  Stage = "analyze_faces"
	StageSummarize     Stage = "summarize"
	StageExportResults Stage = "export_analytics"
)

// CoreStages is the fixed part of the DAG, in dependency order.
var CoreStages = []Stage{StageExtractAudio, StageTranscribe, StageSegmentAudio, StageScoreAudio}

// OptionalStages can be appended to the DAG by configuration, in this order.
var OptionalStages = []Stage{StageAnalyzeFaces, StageSummarize, StageExportResults}

// ParseStage converts a configured stage name into a Stage.
func ParseStage(in string) (Stage, error) {
	s := Stage(strings.TrimSpace(in))
	for _, known := range append(append([]Stage{}, CoreStages...), OptionalStages...) {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", in)
}

// VideoRecord is the single source of truth for one uploaded video.
type VideoRecord struct {
	ID                  string           `json:"id"`                   // Opaque id assigned at upload, immutable.
	VideoFilename       string           `json:"video_filename"`       // Original upload filename, unique across records.
	VideoObjectPath     string           `json:"video_object_path"`    // Blob key of the uploaded video.
	CreatedAt           time.Time        `json:"created_at"`           // Creation time, immutable.
	AudioObjectPath     *string          `json:"audio_object_path"`    // Blob key of the normalized audio.
	TranscriptionResult *string          `json:"transcription_result"` // Full transcript text.
	EmotionChunks       []EmotionSegment `json:"emotion_chunks"`       // Ordered segments, chronological.
	ConditionSummary    *string          `json:"condition_summary"`    // Language model summary of the speaker's condition.

	VideoUploadedAt               *time.Time `json:"video_uploaded_at"`
	AudioExtractedAt              *time.Time `json:"audio_extracted_at"`
	TranscriptionCompletedAt      *time.Time `json:"transcription_completed_at"`
	AudioChunksUploadedAt         *time.Time `json:"audio_chunks_uploaded_at"`
	AudioChunksEmotionCompletedAt *time.Time `json:"audio_chunks_emotion_completed_at"`
	FaceEmotionCompletedAt        *time.Time `json:"face_emotion_completed_at"`
	SummaryCompletedAt            *time.Time `json:"summary_completed_at"`
	ExportedAt                    *time.Time `json:"exported_at"`
}

// NewVideoRecord creates the record for a fresh upload. The id is a random
// uuid rendered as 32 hex characters.
func NewVideoRecord(filename string) *VideoRecord {
	u := uuid.New()
	id := hex.EncodeToString(u[:])
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	now := time.Now().UTC()
	return &VideoRecord{
		ID:              id,
		VideoFilename:   name,
		VideoObjectPath: VideoKey(id, name),
		CreatedAt:       now,
		EmotionChunks:   make([]EmotionSegment, 0),
		VideoUploadedAt: &now,
	}
}

// CompletedAt returns the completion timestamp of stage, or nil.
func (r *VideoRecord) CompletedAt(stage Stage) *time.Time {
	if p := r.stamp(stage); p != nil {
		return *p
	}
	return nil
}

func (r *VideoRecord) stamp(stage Stage) **time.Time {
	switch stage {
	case StageUpload:
		return &r.VideoUploadedAt
	case StageExtractAudio:
		return &r.AudioExtractedAt
	case StageTranscribe:
		return &r.TranscriptionCompletedAt
	case StageSegmentAudio:
		return &r.AudioChunksUploadedAt
	case StageScoreAudio:
		return &r.AudioChunksEmotionCompletedAt
	case StageAnalyzeFaces:
		return &r.FaceEmotionCompletedAt
	case StageSummarize:
		return &r.SummaryCompletedAt
	case StageExportResults:
		return &r.ExportedAt
	}
	return nil
}

// ChunkingStarted reports whether any segment already references an audio chunk.
func (r *VideoRecord) ChunkingStarted() bool {
	if r.AudioChunksUploadedAt != nil {
		return true
	}
	for _, s := range r.EmotionChunks {
		if s.AudioChunkFilePath != nil {
			return true
		}
	}
	return false
}

// BlobKeys lists every non-empty blob key reachable from the record.
func (r *VideoRecord) BlobKeys() []string {
	keys := make([]string, 0, 2+len(r.EmotionChunks))
	if r.VideoObjectPath != "" {
		keys = append(keys, r.VideoObjectPath)
	}
	if r.AudioObjectPath != nil && *r.AudioObjectPath != "" {
		keys = append(keys, *r.AudioObjectPath)
	}
	for _, s := range r.EmotionChunks {
		if s.AudioChunkFilePath != nil && *s.AudioChunkFilePath != "" {
			keys = append(keys, *s.AudioChunkFilePath)
		}
	}
	return keys
}

// Clone returns a deep copy of the record.
func (r *VideoRecord) Clone() *VideoRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.AudioObjectPath = clonePtr(r.AudioObjectPath)
	out.TranscriptionResult = clonePtr(r.TranscriptionResult)
	out.ConditionSummary = clonePtr(r.ConditionSummary)
	out.VideoUploadedAt = clonePtr(r.VideoUploadedAt)
	out.AudioExtractedAt = clonePtr(r.AudioExtractedAt)
	out.TranscriptionCompletedAt = clonePtr(r.TranscriptionCompletedAt)
	out.AudioChunksUploadedAt = clonePtr(r.AudioChunksUploadedAt)
	out.AudioChunksEmotionCompletedAt = clonePtr(r.AudioChunksEmotionCompletedAt)
	out.FaceEmotionCompletedAt = clonePtr(r.FaceEmotionCompletedAt)
	out.SummaryCompletedAt = clonePtr(r.SummaryCompletedAt)
	out.ExportedAt = clonePtr(r.ExportedAt)
	out.EmotionChunks = make([]EmotionSegment, len(r.EmotionChunks))
	for i, s := range r.EmotionChunks {
		out.EmotionChunks[i] = s.Clone()
	}
	return &out
}

func clonePtr[T any](in *T) *T {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T {
	return &v
}

// VideoKey is the blob key of an uploaded video.
func VideoKey(id string, filename string) string {
	return fmt.Sprintf("videos/%s/%s", id, filename)
}

// AudioKey is the blob key of the normalized audio extracted from a video.
func AudioKey(id string) string {
	return fmt.Sprintf("audio/%s.wav", id)
}

// ChunkPrefix is the blob key prefix shared by all audio chunks of a video.
func ChunkPrefix(id string) string {
	return fmt.Sprintf("audio_chunks/%s/", id)
}

// ChunkKey is the blob key of the audio chunk of segment index.
func ChunkKey(id string, index int) string {
	return fmt.Sprintf("%schunk_%d.wav", ChunkPrefix(id), index)
}
