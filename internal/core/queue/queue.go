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

// Package queue carries stage tasks from the scheduler to the workers.
package queue

import (
	"context"
	"errors"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
)

// ErrClosed is returned when publishing on a closed queue.
var ErrClosed = errors.New("queue closed")

// Handler processes one task. A nil return acknowledges the task; an error
// asks the queue to redeliver it later.
type Handler func(ctx context.Context, task model.Task) error

// Queue is a task transport.
type Queue interface {
	Publish(ctx context.Context, task model.Task) error

	// Consume calls handler for delivered tasks with at most concurrency
	// calls in flight, until ctx is done or the queue is closed.
	Consume(ctx context.Context, concurrency int, handler Handler) error

	Close() error
}
