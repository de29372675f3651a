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

// Package main contains the logic for starting the background loops of the
// process: the scheduler's event listener, the progress bridge and the worker
// pool.
//
// Functions:
//   - SetupListeners: Starts the loops the configured role needs and returns
//     a function that waits for them to exit.
package main

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// SetupListeners starts the background loops as goroutines tied to ctx. A
// loop that exits with an error calls fail so the process shuts down. The
// returned function blocks until every loop has exited.
func SetupListeners(ctx context.Context, fail func()) (wait func() error) {
	g, ctx := errgroup.WithContext(ctx)
	run := func(name string, loop func() error) {
		g.Go(func() error {
			err := loop()
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.ErrorContext(ctx, "background loop failed", "loop", name, "error", err)
				fail()
				return err
			}
			return nil
		})
	}

	if state.scheduler != nil {
		stop := state.scheduler.Listen(state.hub)
		g.Go(func() error {
			<-ctx.Done()
			stop()
			return nil
		})
	}

	// Progress events of remote workers flow into the local hub.
	if state.serves() && state.bridge != nil {
		run("progress-bridge", func() error {
			slog.InfoContext(ctx, "forwarding progress events", "subscription", state.config.Queue.Progress.Name)
			return state.bridge.Forward(ctx, state.hub)
		})
	}

	if state.pool != nil {
		run("worker-pool", func() error {
			return state.pool.Start(ctx)
		})
	}

	return g.Wait
}
