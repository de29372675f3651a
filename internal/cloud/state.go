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

// Package cloud provides components for interacting with Google Cloud services.
// This file creates and holds the Google Cloud clients of the process. Only
// the clients the configuration asks for are created, so a local deployment
// (memory blobs, SQLite records, memory queue) runs without credentials.
package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"cloud.google.com/go/bigquery"
	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"google.golang.org/genai"
)

// ServiceClients is the container of every Google Cloud client and model
// wrapper. Fields are nil when the configuration does not need them.
type ServiceClients struct {
	StorageClient  *storage.Client
	PubsubClient   *pubsub.Client
	GenAIClient    *genai.Client
	BiqQueryClient *bigquery.Client
	IAMClient      *credentials.IamCredentialsClient
	AgentModels    map[string]*QuotaAwareGenerativeAIModel
}

// Close shuts down the client connections.
func (c *ServiceClients) Close() {
	if c.StorageClient != nil {
		_ = c.StorageClient.Close()
	}
	if c.PubsubClient != nil {
		_ = c.PubsubClient.Close()
	}
	if c.BiqQueryClient != nil {
		_ = c.BiqQueryClient.Close()
	}
	if c.IAMClient != nil {
		_ = c.IAMClient.Close()
	}
}

// NewCloudServiceClients creates the clients required by config.
func NewCloudServiceClients(ctx context.Context, config *Config) (_ *ServiceClients, err error) {
	cloud := &ServiceClients{AgentModels: make(map[string]*QuotaAwareGenerativeAIModel)}
	defer func() {
		if err != nil {
			cloud.Close()
		}
	}()

	if config.Storage.Kind == "gcs" {
		if cloud.StorageClient, err = storage.NewClient(ctx); err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		if config.Application.SignerServiceAccountEmail != "" {
			if cloud.IAMClient, err = credentials.NewIamCredentialsClient(ctx); err != nil {
				return nil, fmt.Errorf("failed to create iam credentials client: %w", err)
			}
		}
	}

	if config.Queue.Kind == "pubsub" {
		if cloud.PubsubClient, err = pubsub.NewClient(ctx, config.Application.GoogleProjectId); err != nil {
			return nil, fmt.Errorf("failed to create pubsub client: %w", err)
		}
	}

	if slices.Contains(config.Pipeline.OptionalStages, "export_analytics") {
		if cloud.BiqQueryClient, err = bigquery.NewClient(ctx, config.Application.GoogleProjectId); err != nil {
			return nil, fmt.Errorf("failed to create bigquery client: %w", err)
		}
	}

	if len(config.AgentModels) > 0 {
		slog.InfoContext(ctx, "creating genai client",
			"project", config.Application.GoogleProjectId, "location", config.Application.GoogleLocation)
		cloud.GenAIClient, err = genai.NewClient(ctx, &genai.ClientConfig{
			Project:  config.Application.GoogleProjectId,
			Location: config.Application.GoogleLocation,
			Backend:  genai.BackendVertexAI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create genai client: %w", err)
		}

		// Each agent model gets its own generation config and rate limiter.
		for amKey, values := range config.AgentModels {
			generation := &genai.GenerateContentConfig{
				Temperature:     genai.Ptr[float32](values.Temperature),
				TopP:            genai.Ptr[float32](values.TopP),
				TopK:            genai.Ptr[float32](values.TopK),
				MaxOutputTokens: values.MaxTokens,
				SafetySettings:  DefaultSafetySettings,
				Tools:           []*genai.Tool{},
			}
			if values.SystemInstructions != "" {
				generation.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: values.SystemInstructions}}}
			}
			if values.OutputFormat != "" {
				generation.ResponseMIMEType = values.OutputFormat
			}
			cloud.AgentModels[amKey] = NewQuotaAwareModel(generation, values.Model, cloud.GenAIClient.Models, values.RateLimit)
		}
	}

	return cloud, nil
}
