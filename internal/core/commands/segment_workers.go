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

// This file holds the worker pool the per-segment commands fan their work
// out on.
//
// Logic Flow:
//  1. A buffered `jobs` channel receives one job per segment index.
//  2. A fixed number of `segmentWorker` goroutines drain the channel. Each
//     job runs in its own span so slow segments stand out in traces.
//  3. Workers stop picking up new work once the stage context is done; the
//     remaining jobs report the context error.
//  4. Results carry the index they belong to, so callers get errors back in
//     segment order regardless of completion order.
package commands

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SegmentFunc processes one segment.
type SegmentFunc func(ctx context.Context, index int) error

type segmentJob struct {
	index int             // Position of the segment in emotion_chunks.
	ctx   context.Context // Carries the job span.
	span  trace.Span
}

type segmentResult struct {
	index int
	err   error
}

// runSegmentJobs runs fn for every index with at most workers in flight and
// returns the errors indexed like indices.
func runSegmentJobs(ctx context.Context, tracer trace.Tracer, name string, indices []int, workers int, fn SegmentFunc) []error {
	if workers <= 0 {
		workers = 1
	}
	if workers > len(indices) {
		workers = len(indices)
	}

	var wg sync.WaitGroup
	jobs := make(chan *segmentJob, len(indices))
	results := make(chan *segmentResult, len(indices))

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go segmentWorker(jobs, results, fn, &wg)
	}

	position := make(map[int]int, len(indices))
	for pos, index := range indices {
		position[index] = pos
		jobCtx, span := tracer.Start(ctx, fmt.Sprintf("%s_segment_%d", name, index))
		span.SetAttributes(attribute.Int("segment", index))
		jobs <- &segmentJob{index: index, ctx: jobCtx, span: span}
	}
	close(jobs)
	wg.Wait()
	close(results)

	out := make([]error, len(indices))
	for r := range results {
		out[position[r.index]] = r.err
	}
	return out
}

func segmentWorker(jobs <-chan *segmentJob, results chan<- *segmentResult, fn SegmentFunc, wg *sync.WaitGroup) {
	defer wg.Done()
	for j := range jobs {
		err := j.ctx.Err()
		if err == nil {
			err = fn(j.ctx, j.index)
		}
		if err != nil {
			j.span.RecordError(err)
			j.span.SetStatus(codes.Error, err.Error())
		} else {
			j.span.SetStatus(codes.Ok, "")
		}
		j.span.End()
		results <- &segmentResult{index: j.index, err: err}
	}
}

// firstError returns how many jobs failed and the first error in order.
func firstError(all []error) (failed int, first error) {
	for _, err := range all {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		failed++
	}
	return failed, first
}

// allIndices returns 0..n-1.
func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
