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

package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
)

// DefaultCapacity is the buffer size of a MemoryQueue.
const DefaultCapacity = 1024

// MemoryQueue is a buffered channel queue for single-process deployments.
type MemoryQueue struct {
	tasks     chan model.Task
	done      chan struct{} // Closed by Close.
	closeOnce sync.Once
}

// NewMemoryQueue returns a queue holding up to capacity pending tasks, or
// DefaultCapacity when capacity is not positive.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryQueue{
		tasks: make(chan model.Task, capacity),
		done:  make(chan struct{}),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, task model.Task) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.tasks <- task:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case task := <-q.tasks:
					if err := handler(ctx, task); err != nil {
						slog.WarnContext(ctx, "task handler asked for redelivery",
							"worker", worker, "job_id", task.JobID, "error", err)
						q.redeliver(ctx, task)
					}
				}
			}
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// redeliver puts a task back after a short pause, unless shutting down.
func (q *MemoryQueue) redeliver(ctx context.Context, task model.Task) {
	go func() {
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return
		case <-q.done:
			return
		}
		_ = q.Publish(ctx, task)
	}()
}

// Len is the number of buffered tasks.
func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
