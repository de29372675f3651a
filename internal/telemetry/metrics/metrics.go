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

// Package metrics holds the Prometheus collectors of the pipeline workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts stage executions by outcome.
	// Labels: stage, status (succeeded/failed/skipped_existing)
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emotion_pipeline_jobs_total",
			Help: "Total number of stage executions by stage and outcome",
		},
		[]string{"stage", "status"},
	)

	// StageDuration is the wall time of one stage execution including retries.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emotion_pipeline_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
		},
		[]string{"stage"},
	)

	// RetriesTotal counts retried attempts after a transient failure.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emotion_pipeline_retries_total",
			Help: "Total number of stage retries after transient failures",
		},
		[]string{"stage"},
	)

	// InFlight is the number of stage executions currently running.
	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "emotion_pipeline_jobs_in_flight",
			Help: "Stage executions currently running",
		},
	)
)

// RecordJob records the outcome and duration of a stage execution.
func RecordJob(stage string, status string, seconds float64) {
	JobsTotal.WithLabelValues(stage, status).Inc()
	StageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordRetry records one retry of stage.
func RecordRetry(stage string) {
	RetriesTotal.WithLabelValues(stage).Inc()
}
