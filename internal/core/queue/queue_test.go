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

package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/progress"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerFunc func(ctx context.Context, task model.Task) error

func (f runnerFunc) Run(ctx context.Context, task model.Task) error { return f(ctx, task) }

func task(videoID string, stage model.Stage) model.Task {
	return model.Task{JobID: model.JobID(videoID, stage), RunID: "run", VideoID: videoID, Stage: stage}
}

func TestMemoryQueueDeliversTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewMemoryQueue(8)
	defer q.Close()

	got := make(chan model.Task, 3)
	go func() {
		_ = q.Consume(ctx, 2, func(_ context.Context, task model.Task) error {
			got <- task
			return nil
		})
	}()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Publish(ctx, task(id, model.StageExtractAudio)))
	}
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case task := <-got:
			seen[task.VideoID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for task")
		}
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, seen)
}

func TestMemoryQueueRedeliversOnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewMemoryQueue(8)
	defer q.Close()

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, _ model.Task) error {
			if calls.Add(1) == 1 {
				return errors.New("shutting down")
			}
			close(done)
			return nil
		})
	}()
	require.NoError(t, q.Publish(ctx, task("a", model.StageExtractAudio)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not redelivered")
	}
	assert.EqualValues(t, 2, calls.Load())
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	q := queue.NewMemoryQueue(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Publish(context.Background(), task("a", model.StageExtractAudio)), queue.ErrClosed)
}

func TestWorkerPoolIgnoresDuplicateInFlight(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32

	runner := runnerFunc(func(ctx context.Context, task model.Task) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	})
	pool := queue.NewWorkerPool(queue.NewMemoryQueue(1), runner, progress.Discard{}, 2, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, pool.Handle(ctx, task("a", model.StageExtractAudio)))
	}()
	<-started
	assert.NoError(t, pool.Handle(ctx, task("a", model.StageExtractAudio)))
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, runs.Load())
}

func TestWorkerPoolLimitsStageConcurrency(t *testing.T) {
	ctx := context.Background()
	var current, peak atomic.Int32

	runner := runnerFunc(func(ctx context.Context, task model.Task) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return nil
	})
	limits := map[model.Stage]int{model.StageScoreAudio: 1}
	pool := queue.NewWorkerPool(queue.NewMemoryQueue(1), runner, progress.Discard{}, 4, limits)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, pool.Handle(ctx, task(id, model.StageScoreAudio)))
		}(id)
	}
	wg.Wait()
	assert.EqualValues(t, 1, peak.Load())
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	ctx := context.Background()
	hub := progress.NewHub(4)
	sub := hub.Subscribe("a")
	defer sub.Close()

	var calls atomic.Int32
	runner := runnerFunc(func(ctx context.Context, task model.Task) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})
	pool := queue.NewWorkerPool(queue.NewMemoryQueue(1), runner, hub, 1, nil)
	require.NoError(t, pool.Handle(ctx, task("a", model.StageTranscribe)))

	e := <-sub.C
	assert.Equal(t, model.EventFailed, e.Status)
	assert.Equal(t, model.StageTranscribe, e.Stage)
	assert.Equal(t, "internal", e.ErrorTag)

	// the job slot is free again
	require.NoError(t, pool.Handle(ctx, task("a", model.StageTranscribe)))
	assert.EqualValues(t, 2, calls.Load())
}

func TestWorkerPoolStartConsumesQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := queue.NewMemoryQueue(4)
	defer q.Close()

	done := make(chan model.Task, 1)
	pool := queue.NewWorkerPool(q, runnerFunc(func(_ context.Context, task model.Task) error {
		done <- task
		return nil
	}), progress.Discard{}, 1, nil)

	stopped := make(chan error, 1)
	go func() { stopped <- pool.Start(ctx) }()
	require.NoError(t, q.Publish(ctx, task("a", model.StageSegmentAudio)))

	select {
	case got := <-done:
		assert.Equal(t, model.StageSegmentAudio, got.Stage)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not run the task")
	}
	cancel()
	assert.ErrorIs(t, <-stopped, context.Canceled)
}
