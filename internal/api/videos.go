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

// This file defines the /videos routes.
//
// Functions:
//   - VideoRouter: Registers the upload, list, get, delete, process, jobs and
//     stream endpoints on the given router.
//
// Every handler delegates to the VideoService and maps its errors through
// respondError, so status codes are decided in one place.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/services"
)

type videoHandlers struct {
	svc            *services.VideoService
	maxUploadBytes int64 // Request body limit of uploads; 0 disables it.
}

// uploadResponse is the created record with the id of its pipeline run.
type uploadResponse struct {
	*model.VideoRecord
	RunID string `json:"run_id"`
}

// VideoRouter sets up the routes for uploading, inspecting, processing and
// deleting videos.
func VideoRouter(r gin.IRouter, svc *services.VideoService, maxUploadBytes int64) {
	h := &videoHandlers{svc: svc, maxUploadBytes: maxUploadBytes}
	videos := r.Group("/videos")
	{
		videos.POST("", h.upload)
		videos.GET("", h.list)
		videos.GET("/:id", h.get)
		videos.DELETE("/:id", h.delete)
		videos.POST("/:id/process", h.process)
		videos.GET("/:id/jobs", h.jobs)
		videos.GET("/:id/stream", h.stream)
	}
}

// upload handles POST /videos. The multipart field "file" carries the video;
// the response is 201 with the record and the run id.
func (h *videoHandlers) upload(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortWith(c, http.StatusRequestEntityTooLarge, "file", "the file is too large")
			return
		}
		abortWith(c, http.StatusBadRequest, "file", "multipart field \"file\" is required")
		return
	}
	f, err := header.Open()
	if err != nil {
		respondError(c, err)
		return
	}
	defer f.Close()

	rec, runID, err := h.svc.Upload(c.Request.Context(), header.Filename, f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, uploadResponse{VideoRecord: rec, RunID: runID})
}

func (h *videoHandlers) list(c *gin.Context) {
	out, err := h.svc.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"videos": out, "total": len(out)})
}

func (h *videoHandlers) get(c *gin.Context) {
	rec, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// delete handles DELETE /videos/:id: 204 once the blobs and the record are
// gone, 409 while the pipeline of the video is running.
func (h *videoHandlers) delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// process handles POST /videos/:id/process and answers 202 with the run id.
func (h *videoHandlers) process(c *gin.Context) {
	id := c.Param("id")
	runID, err := h.svc.Process(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"video_id": id, "run_id": runID})
}

func (h *videoHandlers) jobs(c *gin.Context) {
	id := c.Param("id")
	jobs, err := h.svc.Jobs(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"video_id": id, "jobs": jobs})
}

// stream handles GET /videos/:id/stream with a signed URL of the video.
func (h *videoHandlers) stream(c *gin.Context) {
	url, err := h.svc.StreamURL(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}
