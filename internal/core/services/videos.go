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

// Package services contains the business logic behind the HTTP surface.
// This file, `videos.go`, defines the VideoService, which owns the lifecycle
// of a video: upload, inspection, pipeline triggering, streaming URLs and
// deletion of the record together with every blob it references.
package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/store"
)

// VideoExtension is the only accepted upload extension.
const VideoExtension = ".mp4"

// sniffLength is the number of leading bytes filetype needs to match.
const sniffLength = 262

// Pipeline starts runs and reports their jobs. workflow.Orchestrator
// implements it.
type Pipeline interface {
	Trigger(ctx context.Context, videoID string) (string, error)
	Jobs(videoID string) []model.Job
	ActiveRun(videoID string) (string, bool)
	// Retire calls remove unless a run of the video is active, and keeps new
	// runs from starting until remove returns.
	Retire(ctx context.Context, videoID string, remove func(context.Context) error) error
}

// URLSigner issues time-limited URLs for blobs.
type URLSigner interface {
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// VideoService is a struct that encapsulates the stores and the pipeline a
// video lives in.
type VideoService struct {
	Records      store.RecordStore
	Blobs        store.BlobStore
	Pipeline     Pipeline
	Signer       URLSigner     // Nil when the blob store cannot sign URLs.
	SignedURLTTL time.Duration // Lifetime of stream URLs.
}

// Upload validates and stores a new video, creates its record and starts its
// pipeline run. It returns the record and the run id.
//
// Inputs:
//   - ctx: The context for the request.
//   - filename: The client supplied filename; only its base name is kept.
//   - r: The uploaded bytes.
//
// Outputs:
//   - The created record, the run id and an error. A *errs.ValidationError
//     reports a bad extension or content (400) and a duplicate filename (409).
func (s *VideoService) Upload(ctx context.Context, filename string, r io.Reader) (*model.VideoRecord, string, error) {
	name := strings.TrimSpace(filename)
	if name == "" {
		return nil, "", errs.BadRequest("file", "a file is required")
	}
	if !strings.EqualFold(path.Ext(name), VideoExtension) {
		return nil, "", errs.BadRequest("file", fmt.Sprintf("only %s files are accepted", VideoExtension))
	}

	head := make([]byte, sniffLength)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, "", fmt.Errorf("failed to read upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return nil, "", errs.BadRequest("file", "the file is empty")
	}
	if kind, _ := filetype.Match(head); kind != filetype.Unknown && kind.MIME.Type != "video" {
		return nil, "", errs.BadRequest("file", fmt.Sprintf("content is %s, not a video", kind.MIME.Value))
	}

	rec := model.NewVideoRecord(name)
	body := io.MultiReader(bytes.NewReader(head), r)
	if err := s.Blobs.Put(ctx, rec.VideoObjectPath, body, "video/mp4"); err != nil {
		return nil, "", fmt.Errorf("failed to store video %s: %w", rec.VideoFilename, err)
	}

	if err := s.Records.Create(ctx, rec); err != nil {
		if delErr := s.Blobs.Delete(ctx, rec.VideoObjectPath); delErr != nil {
			slog.WarnContext(ctx, "failed to remove video of rejected upload", "key", rec.VideoObjectPath, "error", delErr)
		}
		if errors.Is(err, errs.ErrDuplicate) {
			return nil, "", errs.Conflict("file", fmt.Sprintf("a video named %s already exists", rec.VideoFilename))
		}
		return nil, "", fmt.Errorf("failed to create record: %w", err)
	}
	slog.InfoContext(ctx, "video uploaded", "video_id", rec.ID, "filename", rec.VideoFilename)

	runID, err := s.Pipeline.Trigger(ctx, rec.ID)
	if err != nil {
		return rec, "", fmt.Errorf("video %s stored but its pipeline did not start: %w", rec.ID, err)
	}
	return rec, runID, nil
}

// List returns every record, oldest first.
func (s *VideoService) List(ctx context.Context) ([]*model.VideoRecord, error) {
	return s.Records.List(ctx)
}

// Get returns one record or errs.ErrNotFound.
func (s *VideoService) Get(ctx context.Context, id string) (*model.VideoRecord, error) {
	return s.Records.Find(ctx, id)
}

// Process re-triggers the pipeline of an existing video. Stages that already
// completed are not run again.
func (s *VideoService) Process(ctx context.Context, id string) (string, error) {
	return s.Pipeline.Trigger(ctx, id)
}

// Jobs returns the jobs of the latest run of a video.
func (s *VideoService) Jobs(ctx context.Context, id string) ([]model.Job, error) {
	if _, err := s.Records.Find(ctx, id); err != nil {
		return nil, err
	}
	return s.Pipeline.Jobs(id), nil
}

// Running reports whether a pipeline run of the video is still in progress.
func (s *VideoService) Running(videoID string) bool {
	_, ok := s.Pipeline.ActiveRun(videoID)
	return ok
}

// StreamURL returns a signed URL for the uploaded video.
func (s *VideoService) StreamURL(ctx context.Context, id string) (string, error) {
	rec, err := s.Records.Find(ctx, id)
	if err != nil {
		return "", err
	}
	if s.Signer == nil {
		return "", errs.Invalid(http.StatusNotImplemented, "storage", "streaming needs the gcs blob store")
	}
	return s.Signer.SignedURL(ctx, rec.VideoObjectPath, s.SignedURLTTL)
}

// Delete removes every blob the record references, sweeps leftover audio
// chunks, then removes the record. A video whose pipeline is still running is
// refused with a 409. When a referenced blob cannot be deleted the record is
// kept so the delete can be retried.
func (s *VideoService) Delete(ctx context.Context, id string) error {
	rec, err := s.Records.Find(ctx, id)
	if err != nil {
		return err
	}

	var orphans []string
	remove := func(ctx context.Context) error {
		for _, key := range rec.BlobKeys() {
			if err := s.Blobs.Delete(ctx, key); err != nil && !errors.Is(err, errs.ErrNotFound) {
				return fmt.Errorf("failed to delete blob %s of video %s: %w", key, id, err)
			}
		}

		// Chunks uploaded by a segment stage that failed before patching the record.
		orphans, err = s.Blobs.List(ctx, model.ChunkPrefix(id))
		if err != nil {
			slog.WarnContext(ctx, "failed to list leftover chunks", "video_id", id, "error", err)
		}
		for _, key := range orphans {
			if err := s.Blobs.Delete(ctx, key); err != nil {
				slog.WarnContext(ctx, "failed to delete leftover chunk", "video_id", id, "key", key, "error", err)
			}
		}
		return s.Records.Delete(ctx, id)
	}
	if err := s.Pipeline.Retire(ctx, id, remove); err != nil {
		return err
	}
	slog.InfoContext(ctx, "video deleted", "video_id", id, "blobs", len(rec.BlobKeys()), "orphans", len(orphans))
	return nil
}
