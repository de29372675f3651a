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

// This file implements the progress WebSocket.
//
// Logic Flow:
//  1. The record is looked up first so unknown ids get a plain 404.
//  2. The connection subscribes to the video's progress topic before the
//     snapshot is built, so no event between the two is lost.
//  3. A `snapshot` frame carries the stage timestamps and the current jobs.
//     When no run is in progress the socket closes right after it.
//  4. Every event is sent as one JSON frame. The socket closes after a
//     terminal `pipeline` event, or when the peer goes away.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/progress"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/services"
)

const writeWait = 10 * time.Second

type statusHandler struct {
	videos   *services.VideoService
	hub      *progress.Hub
	upgrader websocket.Upgrader
}

func newStatusHandler(videos *services.VideoService, hub *progress.Hub, origins []string) *statusHandler {
	return &statusHandler{
		videos: videos,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(origins) == 0 || origin == "" || slices.Contains(origins, origin)
			},
		},
	}
}

// Snapshot builds the frame describing the current state of a video.
func Snapshot(rec *model.VideoRecord, jobs []model.Job, running bool) model.Event {
	stages := make(map[string]any)
	for _, stage := range append([]model.Stage{model.StageUpload}, append(slices.Clone(model.CoreStages), model.OptionalStages...)...) {
		if at := rec.CompletedAt(stage); at != nil {
			stages[string(stage)] = at
		} else {
			stages[string(stage)] = nil
		}
	}
	e := model.Event{
		VideoID: rec.ID,
		Step:    string(model.EventSnapshot),
		Status:  model.EventSnapshot,
		Meta:    map[string]any{"stages": stages, "jobs": jobs, "running": running},
		At:      time.Now().UTC(),
	}
	if len(jobs) > 0 {
		e.RunID = jobs[0].RunID
	}
	return e
}

func (h *statusHandler) serve(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.videos.Get(ctx, id); err != nil {
		respondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(ctx, "websocket upgrade failed", "video_id", id, "error", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(id)
	defer sub.Close()

	rec, err := h.videos.Get(ctx, id)
	if err != nil {
		h.close(conn, websocket.CloseNormalClosure, "video deleted")
		return
	}
	jobs, _ := h.videos.Jobs(ctx, id)
	running := h.videos.Running(id)
	if err := h.write(conn, Snapshot(rec, jobs, running)); err != nil {
		return
	}
	if !running {
		h.close(conn, websocket.CloseNormalClosure, "no run in progress")
		return
	}

	// The reader only detects the peer going away.
	peerGone, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-peerGone.Done():
			slog.DebugContext(ctx, "status subscriber left", "video_id", id)
			return
		case e := <-sub.C:
			if err := h.write(conn, e); err != nil {
				slog.DebugContext(ctx, "failed to write status frame", "video_id", id, "error", err)
				return
			}
			if e.Terminal() {
				h.close(conn, websocket.CloseNormalClosure, string(e.Status))
				return
			}
		}
	}
}

func (h *statusHandler) write(conn *websocket.Conn, e model.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(e.Frame())
}

func (h *statusHandler) close(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
