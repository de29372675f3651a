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

// Package commands provides the concrete implementations of the Chain of
// Responsibility (COR) pattern's Command interface for the pipeline stages.
//
// Every stage chain shares the same shape: LoadRecord puts the record and an
// empty patch for the stage on the context, the stage commands read the
// record and fill the patch, and PersistPatch writes the patch with a single
// RecordStore.Upsert. Commands never write to the record store themselves.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/cor"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
)

// Well known context keys shared by the stage commands.
const (
	CtxVideoID = "__VIDEO_ID__" // The id of the video the stage runs for (string).
	CtxRecord  = "__RECORD__"   // The record as loaded, replaced by PersistPatch (*model.VideoRecord).
	CtxPatch   = "__PATCH__"    // The patch the stage commands fill in (*model.Patch).
	CtxMeta    = "__META__"     // Metadata for the succeeded event (map[string]any).
)

// RecordFrom returns the record loaded by LoadRecord.
func RecordFrom(context cor.Context) *model.VideoRecord {
	rec, _ := context.Get(CtxRecord).(*model.VideoRecord)
	return rec
}

// PatchFrom returns the patch under construction.
func PatchFrom(context cor.Context) *model.Patch {
	p, _ := context.Get(CtxPatch).(*model.Patch)
	return p
}

// MetaFrom returns the metadata collected for the stage's succeeded event.
func MetaFrom(context cor.Context) map[string]any {
	m, _ := context.Get(CtxMeta).(map[string]any)
	return m
}

// AddMeta records a key/value reported with the stage's succeeded event.
func AddMeta(context cor.Context, key string, value any) {
	m := MetaFrom(context)
	if m == nil {
		m = make(map[string]any)
		context.Add(CtxMeta, m)
	}
	m[key] = value
}

// hasStageState reports whether the context was prepared by LoadRecord.
func hasStageState(context cor.Context) bool {
	return context != nil && context.GetContext() != nil && RecordFrom(context) != nil && PatchFrom(context) != nil
}

// storeError classifies a record or blob store failure.
func storeError(op string, videoID string, err error) error {
	var classified *errs.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &classified):
		return err
	case errors.Is(err, errs.ErrNotFound):
		return errs.Precondition(op, videoID, "%w", err)
	case errors.Is(err, model.ErrSegmentsLocked):
		return errs.Precondition(op, videoID, "%w", err)
	case errors.Is(err, model.ErrInvalidPatch):
		return errs.Internal(op, err)
	}
	return errs.Transient(op, fmt.Errorf("video %s: %w", videoID, err))
}

// newTempFile creates an empty temporary file tracked on the context.
func newTempFile(context cor.Context, pattern string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("could not create temp file: %w", err)
	}
	context.AddTempFile(f.Name())
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("could not close temp file: %w", err)
	}
	return f.Name(), nil
}

// modelError classifies a failure of an inference collaborator. Errors the
// adapter already classified keep their kind.
func modelError(op string, err error) error {
	var classified *errs.Error
	if errors.As(err, &classified) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errs.Model(op, err)
}
