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

package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/progress"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/services"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Options configures the router.
type Options struct {
	ServiceName    string
	Videos         *services.VideoService
	Hub            *progress.Hub
	CorsOrigins    []string // Empty allows every origin.
	MaxUploadBytes int64    // Zero means no limit.
}

// NewRouter builds the gin engine serving every route of the server.
func NewRouter(opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(opts.ServiceName))
	r.Use(corsMiddleware(opts.CorsOrigins))

	Dashboard(r)

	VideoRouter(r, opts.Videos, opts.MaxUploadBytes)

	status := newStatusHandler(opts.Videos, opts.Hub, opts.CorsOrigins)
	r.GET("/ws/status/:id", status.serve)
	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		return cors.Default()
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}
