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

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jaycherian/video-emotion-pipeline/internal/api"
	"github.com/jaycherian/video-emotion-pipeline/internal/telemetry"
)

func main() {
	config := GetConfig()

	logs := telemetry.SetupLogging(config.Logging)
	defer logs.Close()
	slog.Info("Logging initialized", "role", config.Application.Role)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupOpenTelemetry(ctx, config)
	if err != nil {
		slog.Error("Failed to setup OpenTelemetry", "error", err)
		log.Fatal(err)
	}
	slog.Info("Tracing initialized", "exporter", config.Telemetry.Exporter)

	if err := InitState(ctx); err != nil {
		slog.Error("Failed to initialize state", "error", err)
		state.Close()
		os.Exit(1)
	}
	slog.Info("Initialized State")

	waitListeners := SetupListeners(ctx, stop)

	var srv *http.Server
	if state.serves() {
		gin.SetMode(gin.ReleaseMode)
		srv = &http.Server{
			Addr: config.Application.ListenAddress,
			Handler: api.NewRouter(api.Options{
				ServiceName:    config.Application.Name,
				Videos:         state.videos,
				Hub:            state.hub,
				CorsOrigins:    config.Application.CorsOrigins,
				MaxUploadBytes: config.Application.MaxUploadMB << 20,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("failed to listen", "error", err)
				stop()
			}
		}()
		slog.Info("Server ready", "address", config.Application.ListenAddress)
	}

	<-ctx.Done()
	slog.Info("Shutdown Server ...")

	// Requests get 5 seconds to finish. In-flight stages see the cancelled
	// context and stop.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server Shutdown Failed", "error", err)
		}
	}
	_ = waitListeners()
	state.Close()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Error("Failed to flush telemetry", "error", err)
	}
	slog.Info("Server exiting")
}
