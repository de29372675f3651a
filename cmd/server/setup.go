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

// Package main is the entry point of the video emotion pipeline server.
// This file loads the configuration and builds the process state: the cloud
// clients, the stores, the task queue, the progress hub and the pipeline
// components the configured role needs.
//
// Roles:
//   - all: HTTP API, scheduler and workers in one process.
//   - api: HTTP API and scheduler. Tasks leave through Pub/Sub and progress
//     events come back through the progress subscription.
//   - worker: Stage runners only. Progress events are published to Pub/Sub.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jaycherian/video-emotion-pipeline/internal/cloud"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/adapters"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/progress"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/queue"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/services"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/store"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/workflow"
)

// StateManager holds the shared components of the process. Components a role
// does not need stay nil.
type StateManager struct {
	config *cloud.Config
	cloud  *cloud.ServiceClients

	records store.RecordStore
	blobs   store.BlobStore
	signer  services.URLSigner

	queue  queue.Queue
	hub    *progress.Hub
	bridge *cloud.PubSubProgressBridge

	scheduler    *workflow.Scheduler
	orchestrator *workflow.Orchestrator
	pool         *queue.WorkerPool
	videos       *services.VideoService
}

var state = &StateManager{}

// SetupOS defaults the configuration location to ./configs and the runtime
// to "local" unless the environment already names them.
func SetupOS() (err error) {
	if os.Getenv(cloud.EnvConfigFilePrefix) == "" {
		if err = os.Setenv(cloud.EnvConfigFilePrefix, "configs"); err != nil {
			return err
		}
	}
	if os.Getenv(cloud.EnvConfigRuntime) == "" {
		err = os.Setenv(cloud.EnvConfigRuntime, "local")
	}
	return err
}

// GetConfig loads and validates the configuration once.
func GetConfig() *cloud.Config {
	if state.config == nil {
		if err := SetupOS(); err != nil {
			log.Fatalf("failed to setup environment: %v\n", err)
		}
		config := cloud.NewConfig()
		if err := cloud.LoadConfig(config); err != nil {
			log.Fatalf("failed to load configuration: %v\n", err)
		}
		if err := cloud.ValidateConfig(config); err != nil {
			log.Fatalf("%v\n", err)
		}
		state.config = config
	}
	return state.config
}

func (s *StateManager) serves() bool {
	return s.config.Application.Role != cloud.RoleWorker
}

func (s *StateManager) works() bool {
	return s.config.Application.Role != cloud.RoleAPI
}

// InitState builds every component the configured role needs.
func InitState(ctx context.Context) (err error) {
	config := GetConfig()
	state.config = config

	if state.cloud, err = cloud.NewCloudServiceClients(ctx, config); err != nil {
		return err
	}
	if err = setupStores(ctx, config); err != nil {
		return err
	}
	setupTransport(config)

	plan, err := workflow.Plan(config.Pipeline.OptionalStages)
	if err != nil {
		return err
	}

	if state.works() {
		if err = setupWorkers(config, plan); err != nil {
			return err
		}
	}
	if state.serves() {
		state.scheduler = workflow.NewScheduler(state.queue, state.hub)
		state.orchestrator = workflow.NewOrchestrator(state.records, state.scheduler, state.hub, plan)
		state.videos = &services.VideoService{
			Records:      state.records,
			Blobs:        state.blobs,
			Pipeline:     state.orchestrator,
			Signer:       state.signer,
			SignedURLTTL: time.Duration(config.Storage.SignedURLTTLMinutes) * time.Minute,
		}
	}
	return nil
}

func setupStores(ctx context.Context, config *cloud.Config) error {
	switch config.RecordStore.Kind {
	case "sqlite":
		records, err := store.NewSQLiteRecordStore(ctx, config.RecordStore.Path)
		if err != nil {
			return err
		}
		state.records = records
	default:
		state.records = store.NewMemoryRecordStore()
	}

	switch config.Storage.Kind {
	case "gcs":
		state.blobs = cloud.NewGCSBlobStore(state.cloud.StorageClient, config.Storage.Bucket)
		if state.cloud.IAMClient != nil {
			state.signer = cloud.NewIAMURLSigner(state.cloud.StorageClient, state.cloud.IAMClient,
				config.Storage.Bucket, config.Application.SignerServiceAccountEmail)
		}
	default:
		state.blobs = store.NewMemoryBlobStore()
	}
	return nil
}

func setupTransport(config *cloud.Config) {
	state.hub = progress.NewHub(progress.DefaultBuffer)
	if config.Queue.Kind != "pubsub" {
		state.queue = queue.NewMemoryQueue(config.Queue.Capacity)
		return
	}

	subscription := config.Queue.Tasks.Name
	if !state.works() {
		subscription = ""
	}
	state.queue = cloud.NewPubSubQueue(state.cloud.PubsubClient, config.Queue.Tasks.Topic, subscription)
	if config.Application.Role != cloud.RoleAll {
		state.bridge = cloud.NewPubSubProgressBridge(state.cloud.PubsubClient,
			config.Queue.Progress.Topic, config.Queue.Progress.Name)
	}
}

func setupWorkers(config *cloud.Config, plan []model.Stage) error {
	registry, err := newRegistry(config, state.cloud)
	if err != nil {
		return err
	}

	limits := make(map[model.Stage]int, len(plan))
	for _, stage := range plan {
		limits[stage] = config.Pipeline.Settings(string(stage)).Concurrency
	}
	stages, err := workflow.BuildStages(workflow.Dependencies{
		Records:           state.records,
		Blobs:             state.blobs,
		Adapters:          registry,
		ClassifierWorkers: config.Pipeline.ClassifierWorkers,
		SummaryPrompt:     config.PromptTemplates.SummaryPrompt,
	}, plan)
	if err != nil {
		return err
	}

	var events progress.Publisher = state.hub
	if state.bridge != nil {
		events = state.bridge
	}
	runner := workflow.NewRunner(state.records, stages, events, config.Pipeline)
	state.pool = queue.NewWorkerPool(state.queue, runner, events, config.Application.WorkerCount, limits)
	return nil
}

// newRegistry creates the stage collaborators. Model backed collaborators are
// only created when their agent model is configured; BuildStages reports the
// ones the plan needs but lacks.
func newRegistry(config *cloud.Config, clients *cloud.ServiceClients) (*adapters.Registry, error) {
	registry := &adapters.Registry{
		Media: adapters.NewFFmpeg(config.FFmpeg.Path),
		Transcriber: &adapters.WhisperCLI{
			Command:  config.Transcriber.Command,
			Args:     config.Transcriber.Args,
			Model:    config.Transcriber.Model,
			Language: config.Transcriber.Language,
		},
	}
	prompts := config.PromptTemplates

	if m, ok := clients.AgentModels[cloud.ModelClassifier]; ok {
		classifier, err := adapters.NewGeminiClassifier(m, prompts.ClassifyPrompt)
		if err != nil {
			return nil, fmt.Errorf("classifier: %w", err)
		}
		registry.Classifier = classifier
	}
	if m, ok := clients.AgentModels[cloud.ModelAudioEmotion]; ok {
		scorer, err := adapters.NewGeminiAudioScorer(m, prompts.AudioEmotionPrompt)
		if err != nil {
			return nil, fmt.Errorf("audio scorer: %w", err)
		}
		registry.AudioScorer = scorer
	}
	if m, ok := clients.AgentModels[cloud.ModelFaceEmotion]; ok {
		scorer, err := adapters.NewGeminiFaceScorer(m, prompts.FaceEmotionPrompt)
		if err != nil {
			return nil, fmt.Errorf("face scorer: %w", err)
		}
		registry.FaceScorer = scorer
	}
	if m, ok := clients.AgentModels[cloud.ModelSummary]; ok {
		summarizer, err := adapters.NewGeminiSummarizer(m)
		if err != nil {
			return nil, fmt.Errorf("summarizer: %w", err)
		}
		registry.Summarizer = summarizer
	}
	if clients.BiqQueryClient != nil {
		registry.Sink = adapters.NewBigQuerySink(clients.BiqQueryClient,
			config.BigQueryDataSource.DatasetName, config.BigQueryDataSource.SegmentTable)
	}
	return registry, nil
}

// Close releases the stores, the queue and the cloud clients.
func (s *StateManager) Close() {
	if s.queue != nil {
		_ = s.queue.Close()
	}
	if s.bridge != nil {
		_ = s.bridge.Close()
	}
	if s.records != nil {
		_ = s.records.Close()
	}
	if s.cloud != nil {
		s.cloud.Close()
	}
}
