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

// Package api defines the HTTP and WebSocket surface of the server.
// This file registers the operational endpoints used by load balancers and
// the metrics scraper.
//
// Functions:
//   - Dashboard: Registers `/healthcheck`, which reports that the process is
//     serving, and `/metrics`, which exposes the Prometheus job metrics.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dashboard configures the operational routes on r.
func Dashboard(r gin.IRouter) {
	r.GET("/healthcheck", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "online"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
