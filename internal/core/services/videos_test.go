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

// Package services_test contains the test suite for the services package.
// This file tests the VideoService against the in-memory stores and a
// recording pipeline.
package services_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/services"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/store"
	test "github.com/jaycherian/video-emotion-pipeline/internal/testutil"
	"github.com/zeebo/assert"
)

// pngHeader is the signature of a PNG image.
var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

type recordingPipeline struct {
	triggered []string
	retired   []string
	active    bool
	err       error
}

func (p *recordingPipeline) Trigger(_ context.Context, videoID string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.triggered = append(p.triggered, videoID)
	return "run-" + videoID, nil
}

func (p *recordingPipeline) Jobs(videoID string) []model.Job {
	return []model.Job{{ID: model.JobID(videoID, model.StageExtractAudio), VideoID: videoID, Status: model.JobQueued}}
}

func (p *recordingPipeline) ActiveRun(videoID string) (string, bool) {
	if p.active {
		return "run-" + videoID, true
	}
	return "", false
}

func (p *recordingPipeline) Retire(ctx context.Context, videoID string, remove func(context.Context) error) error {
	if p.active {
		return errs.Conflict("id", "run in progress")
	}
	if err := remove(ctx); err != nil {
		return err
	}
	p.retired = append(p.retired, videoID)
	return nil
}

type fakeSigner struct{}

func (fakeSigner) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	return "https://signed.example/" + key + "?ttl=" + ttl.String(), nil
}

func newService() (*services.VideoService, *store.MemoryBlobStore, *recordingPipeline) {
	blobs := store.NewMemoryBlobStore()
	pipeline := &recordingPipeline{}
	return &services.VideoService{
		Records:      store.NewMemoryRecordStore(),
		Blobs:        blobs,
		Pipeline:     pipeline,
		SignedURLTTL: 15 * time.Minute,
	}, blobs, pipeline
}

func validationStatus(t *testing.T, err error) (int, string) {
	t.Helper()
	var v *errs.ValidationError
	assert.That(t, errors.As(err, &v))
	assert.Equal(t, len(v.Details), 1)
	return v.Status, v.Details[0].Source
}

func TestUploadStoresVideoAndTriggersPipeline(t *testing.T) {
	ctx := context.Background()
	svc, blobs, pipeline := newService()
	content := []byte("fake video bytes, long enough to span more than one read")

	rec, runID, err := svc.Upload(ctx, "clips/"+test.DemoVideo, bytes.NewReader(content))
	assert.NoError(t, err)
	assert.Equal(t, rec.VideoFilename, test.DemoVideo)
	assert.Equal(t, rec.VideoObjectPath, model.VideoKey(rec.ID, test.DemoVideo))
	assert.Equal(t, runID, "run-"+rec.ID)
	assert.DeepEqual(t, pipeline.triggered, []string{rec.ID})
	assert.NotNil(t, rec.VideoUploadedAt)

	stored, err := store.ReadAll(ctx, blobs, rec.VideoObjectPath)
	assert.NoError(t, err)
	assert.DeepEqual(t, stored, content)

	got, err := svc.Get(ctx, rec.ID)
	assert.NoError(t, err)
	assert.Equal(t, got.ID, rec.ID)
}

func TestUploadRejectsOtherExtensions(t *testing.T) {
	svc, blobs, pipeline := newService()

	_, _, err := svc.Upload(context.Background(), "demo.mov", strings.NewReader("fake video bytes"))
	status, source := validationStatus(t, err)
	assert.Equal(t, status, http.StatusBadRequest)
	assert.Equal(t, source, "file")
	assert.Equal(t, blobs.Len(), 0)
	assert.Equal(t, len(pipeline.triggered), 0)
}

func TestUploadSniffsContent(t *testing.T) {
	svc, blobs, _ := newService()

	_, _, err := svc.Upload(context.Background(), "image.mp4", bytes.NewReader(pngHeader))
	status, source := validationStatus(t, err)
	assert.Equal(t, status, http.StatusBadRequest)
	assert.Equal(t, source, "file")
	assert.Equal(t, blobs.Len(), 0)

	_, _, err = svc.Upload(context.Background(), "empty.mp4", bytes.NewReader(nil))
	status, _ = validationStatus(t, err)
	assert.Equal(t, status, http.StatusBadRequest)
}

func TestUploadRejectsDuplicateFilename(t *testing.T) {
	ctx := context.Background()
	svc, blobs, _ := newService()

	_, _, err := svc.Upload(ctx, test.DemoVideo, strings.NewReader("first"))
	assert.NoError(t, err)
	_, _, err = svc.Upload(ctx, test.DemoVideo, strings.NewReader("second"))
	status, source := validationStatus(t, err)
	assert.Equal(t, status, http.StatusConflict)
	assert.Equal(t, source, "file")
	assert.Equal(t, blobs.Len(), 1)
}

func TestUploadKeepsRecordWhenPipelineFails(t *testing.T) {
	ctx := context.Background()
	svc, _, pipeline := newService()
	pipeline.err = errors.New("queue closed")

	rec, runID, err := svc.Upload(ctx, test.DemoVideo, strings.NewReader("bytes"))
	assert.Error(t, err)
	assert.NotNil(t, rec)
	assert.Equal(t, runID, "")

	_, err = svc.Get(ctx, rec.ID)
	assert.NoError(t, err)
}

func TestListEmpty(t *testing.T) {
	svc, _, _ := newService()
	list, err := svc.List(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, len(list), 0)
}

func TestDeleteRemovesEveryBlob(t *testing.T) {
	ctx := context.Background()
	svc, blobs, pipeline := newService()
	rec, _, err := svc.Upload(ctx, test.DemoVideo, strings.NewReader("bytes"))
	assert.NoError(t, err)

	audio := model.AudioKey(rec.ID)
	assert.NoError(t, store.PutBytes(ctx, blobs, audio, []byte("wav"), "audio/wav"))
	patch := model.NewPatch(model.StageExtractAudio)
	patch.AudioObjectPath = model.Set(audio)
	_, err = svc.Records.Upsert(ctx, rec.ID, patch.Complete(time.Now()))
	assert.NoError(t, err)

	// A chunk no segment references, left by an interrupted segment stage.
	orphan := model.ChunkKey(rec.ID, 0)
	assert.NoError(t, store.PutBytes(ctx, blobs, orphan, []byte("chunk"), "audio/wav"))
	assert.Equal(t, blobs.Len(), 3)

	assert.NoError(t, svc.Delete(ctx, rec.ID))
	assert.Equal(t, blobs.Len(), 0)
	assert.DeepEqual(t, pipeline.retired, []string{rec.ID})

	_, err = svc.Get(ctx, rec.ID)
	assert.That(t, errors.Is(err, errs.ErrNotFound))
	assert.That(t, errors.Is(svc.Delete(ctx, rec.ID), errs.ErrNotFound))
}

func TestDeleteRefusedWhileRunning(t *testing.T) {
	ctx := context.Background()
	svc, blobs, pipeline := newService()
	rec, _, err := svc.Upload(ctx, test.DemoVideo, strings.NewReader("bytes"))
	assert.NoError(t, err)

	pipeline.active = true
	status, source := validationStatus(t, svc.Delete(ctx, rec.ID))
	assert.Equal(t, status, http.StatusConflict)
	assert.Equal(t, source, "id")
	assert.Equal(t, blobs.Len(), 1)
	_, err = svc.Get(ctx, rec.ID)
	assert.NoError(t, err)

	pipeline.active = false
	assert.NoError(t, svc.Delete(ctx, rec.ID))
	assert.Equal(t, blobs.Len(), 0)
}

func TestJobsAndStream(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService()
	rec, _, err := svc.Upload(ctx, test.DemoVideo, strings.NewReader("bytes"))
	assert.NoError(t, err)

	jobs, err := svc.Jobs(ctx, rec.ID)
	assert.NoError(t, err)
	assert.Equal(t, len(jobs), 1)
	_, err = svc.Jobs(ctx, "missing")
	assert.That(t, errors.Is(err, errs.ErrNotFound))

	_, err = svc.StreamURL(ctx, rec.ID)
	status, _ := validationStatus(t, err)
	assert.Equal(t, status, http.StatusNotImplemented)

	svc.Signer = fakeSigner{}
	url, err := svc.StreamURL(ctx, rec.ID)
	assert.NoError(t, err)
	assert.Equal(t, url, "https://signed.example/"+rec.VideoObjectPath+"?ttl=15m0s")
}

func TestProcessRetriggers(t *testing.T) {
	ctx := context.Background()
	svc, _, pipeline := newService()
	rec, _, err := svc.Upload(ctx, test.DemoVideo, io.LimitReader(strings.NewReader("bytes"), 5))
	assert.NoError(t, err)

	runID, err := svc.Process(ctx, rec.ID)
	assert.NoError(t, err)
	assert.Equal(t, runID, "run-"+rec.ID)
	assert.Equal(t, len(pipeline.triggered), 2)
	assert.That(t, !svc.Running(rec.ID))
}
