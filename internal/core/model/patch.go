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
	"errors"
	"fmt"
	"time"
)

// ErrSegmentsLocked is returned when a patch tries to replace the segment
// list of a record whose audio chunking has already started.
var ErrSegmentsLocked = errors.New("emotion chunks are fixed once audio chunking has started")

// ErrInvalidPatch is returned when a patch addresses a segment or stage the
// record does not have.
var ErrInvalidPatch = errors.New("invalid patch")

// Optional is a tri-state patch field: unset (leave alone), set to a value,
// or set to null (clear).
type Optional[T any] struct {
	set   bool
	null  bool
	value T
}

// Set returns an Optional holding v.
func Set[T any](v T) Optional[T] {
	return Optional[T]{set: true, value: v}
}

// Null returns an Optional that clears the field.
func Null[T any]() Optional[T] {
	return Optional[T]{set: true, null: true}
}

func (o Optional[T]) IsSet() bool  { return o.set }
func (o Optional[T]) IsNull() bool { return o.set && o.null }
func (o Optional[T]) Value() T     { return o.value }

func applyPtr[T any](o Optional[T], dst **T) {
	switch {
	case !o.set:
	case o.null:
		*dst = nil
	default:
		v := o.value
		*dst = &v
	}
}

// SegmentPatch refines one segment, addressed by its index.
type SegmentPatch struct {
	Index              int
	AudioChunkFilePath Optional[string]
	VADScore           Optional[VADScore]
	FaceEmotions       Optional[FaceEmotions]
}

// Patch is the output of one stage: the named fields it owns, merged into
// the record by the record store in a single all-or-nothing update.
type Patch struct {
	Stage               Stage
	AudioObjectPath     Optional[string]
	TranscriptionResult Optional[string]
	EmotionChunks       Optional[[]EmotionSegment]
	ConditionSummary    Optional[string]
	Segments            []*SegmentPatch
	CompletedAt         time.Time // When non-zero, stamps the completion timestamp of Stage.
}

// NewPatch starts an empty patch for stage.
func NewPatch(stage Stage) *Patch {
	return &Patch{Stage: stage}
}

// Segment returns the refinement for segment index, creating it on first use.
func (p *Patch) Segment(index int) *SegmentPatch {
	for _, s := range p.Segments {
		if s.Index == index {
			return s
		}
	}
	s := &SegmentPatch{Index: index}
	p.Segments = append(p.Segments, s)
	return s
}

// Complete stamps the stage completion time.
func (p *Patch) Complete(at time.Time) *Patch {
	p.CompletedAt = at.UTC()
	return p
}

// Empty reports whether applying the patch would change nothing.
func (p *Patch) Empty() bool {
	return !p.AudioObjectPath.IsSet() &&
		!p.TranscriptionResult.IsSet() &&
		!p.EmotionChunks.IsSet() &&
		!p.ConditionSummary.IsSet() &&
		len(p.Segments) == 0 &&
		p.CompletedAt.IsZero()
}

// Apply merges the patch into a copy of rec. Fields the patch does not set
// are left untouched and null fields are cleared. On error rec is unchanged
// and nothing of the patch is applied.
func (p *Patch) Apply(rec *VideoRecord) (*VideoRecord, error) {
	out := rec.Clone()

	applyPtr(p.AudioObjectPath, &out.AudioObjectPath)
	applyPtr(p.TranscriptionResult, &out.TranscriptionResult)
	applyPtr(p.ConditionSummary, &out.ConditionSummary)

	if p.EmotionChunks.IsSet() {
		if rec.ChunkingStarted() && !p.EmotionChunks.IsNull() {
			return nil, ErrSegmentsLocked
		}
		if p.EmotionChunks.IsNull() {
			out.EmotionChunks = make([]EmotionSegment, 0)
		} else {
			chunks := p.EmotionChunks.Value()
			out.EmotionChunks = make([]EmotionSegment, len(chunks))
			for i, s := range chunks {
				out.EmotionChunks[i] = s.Clone()
			}
		}
	}

	for _, sp := range p.Segments {
		if sp.Index < 0 || sp.Index >= len(out.EmotionChunks) {
			return nil, fmt.Errorf("%w: segment index %d out of range [0,%d)", ErrInvalidPatch, sp.Index, len(out.EmotionChunks))
		}
		seg := &out.EmotionChunks[sp.Index]
		applyPtr(sp.AudioChunkFilePath, &seg.AudioChunkFilePath)
		applyPtr(sp.VADScore, &seg.VADScore)
		if sp.FaceEmotions.IsSet() {
			if sp.FaceEmotions.IsNull() {
				seg.FaceEmotions = nil
			} else {
				seg.FaceEmotions = sp.FaceEmotions.Value()
			}
		}
	}

	if !p.CompletedAt.IsZero() {
		stamp := out.stamp(p.Stage)
		if stamp == nil {
			return nil, fmt.Errorf("%w: stage %q has no completion timestamp", ErrInvalidPatch, p.Stage)
		}
		at := p.CompletedAt
		*stamp = &at
	}
	return out, nil
}
