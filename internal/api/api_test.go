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

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jaycherian/video-emotion-pipeline/internal/api"
	"github.com/jaycherian/video-emotion-pipeline/internal/cloud"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/progress"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/queue"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/services"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/store"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/workflow"
	test "github.com/jaycherian/video-emotion-pipeline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errorResponse struct {
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Source  string `json:"source"`
	} `json:"errors"`
}

type server struct {
	router *gin.Engine
	blobs  *store.MemoryBlobStore
	hub    *progress.Hub
	fakes  *test.Fakes
}

// newServer wires the full single-process stack on in-memory backends.
func newServer(t *testing.T, fakes *test.Fakes) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())

	records := store.NewMemoryRecordStore()
	blobs := store.NewMemoryBlobStore()
	hub := progress.NewHub(256)
	pipeline := cloud.Pipeline{
		ClassifierWorkers: 2,
		Defaults:          cloud.StageSettings{TimeoutSeconds: 10, MaxRetries: 1, BackoffSeconds: 0.01},
	}

	plan, err := workflow.Plan(nil)
	require.NoError(t, err)
	stages, err := workflow.BuildStages(workflow.Dependencies{
		Records:           records,
		Blobs:             blobs,
		Adapters:          fakes.Registry(),
		ClassifierWorkers: 2,
	}, plan)
	require.NoError(t, err)

	q := queue.NewMemoryQueue(64)
	scheduler := workflow.NewScheduler(q, hub)
	stopListening := scheduler.Listen(hub)
	orchestrator := workflow.NewOrchestrator(records, scheduler, hub, plan)
	pool := queue.NewWorkerPool(q, workflow.NewRunner(records, stages, hub, pipeline), hub, 2, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		stopListening()
		_ = q.Close()
	})

	videos := &services.VideoService{Records: records, Blobs: blobs, Pipeline: orchestrator, SignedURLTTL: time.Minute}
	return &server{
		router: api.NewRouter(api.Options{ServiceName: "test", Videos: videos, Hub: hub, MaxUploadBytes: 1 << 20}),
		blobs:  blobs,
		hub:    hub,
		fakes:  fakes,
	}
}

func (s *server) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/videos", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (s *server) upload(t *testing.T, filename string) map[string]any {
	t.Helper()
	w := s.do(uploadRequest(t, filename, []byte("fake video bytes")))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func decodeErrors(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	require.NotEmpty(t, out.Errors)
	return out
}

func TestHealthcheck(t *testing.T) {
	s := newServer(t, test.NewFakes())
	w := s.do(httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"online"}`, w.Body.String())

	w = s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUploadCreatesRecordAndRun(t *testing.T) {
	s := newServer(t, test.NewFakes())
	out := s.upload(t, test.DemoVideo)

	id, _ := out["id"].(string)
	require.NotEmpty(t, id)
	assert.NotEmpty(t, out["run_id"])
	assert.Equal(t, test.DemoVideo, out["video_filename"])
	assert.Equal(t, model.VideoKey(id, test.DemoVideo), out["video_object_path"])

	w := s.do(httptest.NewRequest(http.MethodGet, "/videos/"+id, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/videos", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Videos []map[string]any `json:"videos"`
		Total  int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
	assert.Len(t, list.Videos, 1)
}

func TestUploadRejectsMov(t *testing.T) {
	s := newServer(t, test.NewFakes())
	w := s.do(uploadRequest(t, "demo.mov", []byte("fake video bytes")))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeErrors(t, w)
	assert.Equal(t, "file", body.Errors[0].Source)
	assert.Equal(t, http.StatusBadRequest, body.Errors[0].Code)
}

func TestUploadRequiresFileField(t *testing.T) {
	s := newServer(t, test.NewFakes())
	req := httptest.NewRequest(http.MethodPost, "/videos", strings.NewReader("nope"))
	req.Header.Set("Content-Type", "text/plain")
	w := s.do(req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "file", decodeErrors(t, w).Errors[0].Source)
}

func TestUploadDuplicateIsConflict(t *testing.T) {
	s := newServer(t, test.NewFakes())
	s.upload(t, test.DemoVideo)

	w := s.do(uploadRequest(t, test.DemoVideo, []byte("other bytes")))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "file", decodeErrors(t, w).Errors[0].Source)
}

func TestListEmptyIsOK(t *testing.T) {
	s := newServer(t, test.NewFakes())
	w := s.do(httptest.NewRequest(http.MethodGet, "/videos", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"videos":[],"total":0}`, w.Body.String())
}

func TestUnknownVideoIsNotFound(t *testing.T) {
	s := newServer(t, test.NewFakes())
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/videos/missing", nil),
		httptest.NewRequest(http.MethodDelete, "/videos/missing", nil),
		httptest.NewRequest(http.MethodPost, "/videos/missing/process", nil),
		httptest.NewRequest(http.MethodGet, "/videos/missing/jobs", nil),
		httptest.NewRequest(http.MethodGet, "/videos/missing/stream", nil),
		httptest.NewRequest(http.MethodGet, "/ws/status/missing", nil),
	} {
		w := s.do(req)
		assert.Equal(t, http.StatusNotFound, w.Code, req.URL.Path)
	}
}

// waitForRun polls the job table until the latest run has no active job.
func (s *server) waitForRun(t *testing.T, id string) []model.Job {
	t.Helper()
	var jobs []model.Job
	require.Eventually(t, func() bool {
		w := s.do(httptest.NewRequest(http.MethodGet, "/videos/"+id+"/jobs", nil))
		if w.Code != http.StatusOK {
			return false
		}
		var body struct {
			Jobs []model.Job `json:"jobs"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			return false
		}
		jobs = body.Jobs
		for _, job := range jobs {
			if job.Status.Active() {
				return false
			}
		}
		return len(jobs) > 0
	}, 10*time.Second, 20*time.Millisecond)
	return jobs
}

func TestDeleteRemovesRecordAndBlobs(t *testing.T) {
	s := newServer(t, test.NewFakes())
	id := s.upload(t, test.DemoVideo)["id"].(string)
	jobs := s.waitForRun(t, id)
	for _, job := range jobs {
		assert.Equal(t, model.JobFinished, job.Status, job.ID)
	}
	assert.Greater(t, s.blobs.Len(), 2)

	w := s.do(httptest.NewRequest(http.MethodDelete, "/videos/"+id, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, s.blobs.Len())

	w = s.do(httptest.NewRequest(http.MethodGet, "/videos/"+id, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteWaitsForRunningPipeline(t *testing.T) {
	fakes := test.NewFakes()
	fakes.Media.SliceGate = make(chan struct{})
	s := newServer(t, fakes)
	id := s.upload(t, test.DemoVideo)["id"].(string)

	require.Eventually(t, func() bool {
		w := s.do(httptest.NewRequest(http.MethodGet, "/videos/"+id+"/jobs", nil))
		var body struct {
			Jobs []model.Job `json:"jobs"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			return false
		}
		for _, job := range body.Jobs {
			if job.Stage == model.StageSegmentAudio && job.Status == model.JobRunning {
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)

	sub := s.hub.Subscribe(id)
	defer sub.Close()

	w := s.do(httptest.NewRequest(http.MethodDelete, "/videos/"+id, nil))
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, "id", decodeErrors(t, w).Errors[0].Source)

	close(fakes.Media.SliceGate)
	s.waitForRun(t, id)

	w = s.do(httptest.NewRequest(http.MethodDelete, "/videos/"+id, nil))
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Equal(t, 0, s.blobs.Len())

	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-sub.C:
			if e.Terminal() && e.ErrorTag == model.ErrorTagDeleted {
				assert.Equal(t, model.EventFailed, e.Status)
				return
			}
		case <-timeout:
			t.Fatal("no deletion event")
		}
	}
}

func TestProcessResumesFinishedVideo(t *testing.T) {
	s := newServer(t, test.NewFakes())
	id := s.upload(t, test.DemoVideo)["id"].(string)
	s.waitForRun(t, id)

	w := s.do(httptest.NewRequest(http.MethodPost, "/videos/"+id+"/process", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	s.waitForRun(t, id)
	assert.EqualValues(t, 1, s.fakes.Transcriber.Calls.Load())
}

func TestStreamWithoutSignerIsNotImplemented(t *testing.T) {
	s := newServer(t, test.NewFakes())
	id := s.upload(t, test.DemoVideo)["id"].(string)

	w := s.do(httptest.NewRequest(http.MethodGet, "/videos/"+id+"/stream", nil))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, "storage", decodeErrors(t, w).Errors[0].Source)
}

func TestStatusSocketStreamsUntilTerminalEvent(t *testing.T) {
	fakes := test.NewFakes()
	fakes.Transcriber.Delay = 300 * time.Millisecond
	s := newServer(t, fakes)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	id := s.upload(t, test.DemoVideo)["id"].(string)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status/" + id
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	var frames []map[string]any
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		frames = append(frames, frame)
	}

	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, "snapshot", frames[0]["step"])
	assert.Equal(t, true, frames[0]["running"])
	last := frames[len(frames)-1]
	assert.Equal(t, model.PipelineStep, last["step"])
	assert.Equal(t, "finished", last["status"])

	steps := make(map[string]bool)
	for _, f := range frames {
		if f["status"] == "succeeded" {
			steps[f["step"].(string)] = true
		}
	}
	for _, stage := range []model.Stage{model.StageTranscribe, model.StageSegmentAudio, model.StageScoreAudio} {
		assert.True(t, steps[string(stage)], stage)
	}
}

func TestStatusSocketClosesAfterSnapshotWhenIdle(t *testing.T) {
	s := newServer(t, test.NewFakes())
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	id := s.upload(t, test.DemoVideo)["id"].(string)
	s.waitForRun(t, id)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status/" + id
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "snapshot", frame["step"])
	assert.Equal(t, false, frame["running"])
	stages, ok := frame["stages"].(map[string]any)
	require.True(t, ok)
	assert.NotNil(t, stages[string(model.StageScoreAudio)])
	assert.Nil(t, stages[string(model.StageSummarize)])

	err = conn.ReadJSON(&frame)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
}
