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

// Package cloud defines the application configuration, loaded from TOML
// files, and the adapters that talk to Google Cloud services.
//
// Structs:
//   - Config: The root of the configuration tree.
//   - StageSettings: Timeout, retry and concurrency budget of one pipeline stage.
//   - VertexAiLLMModel: Settings of one Gemini model used by an inference adapter.
//
// Functions:
//   - NewConfig: Builds a Config populated with defaults.
//   - ValidateConfig: Checks a loaded Config against its `validate` tags.
package cloud

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"google.golang.org/genai"
)

// DefaultSafetySettings lets every content category through. Transcripts of
// clinical interviews routinely trip the default thresholds.
var DefaultSafetySettings = []*genai.SafetySetting{
	{
		Category:  genai.HarmCategoryDangerousContent,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategoryHarassment,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategoryHateSpeech,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategorySexuallyExplicit,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
}

// Logical names of the agent models used by the inference adapters.
const (
	ModelClassifier   = "classifier"
	ModelAudioEmotion = "audio-emotion"
	ModelFaceEmotion  = "face-emotion"
	ModelSummary      = "summary"
)

// Process roles.
const (
	RoleAll    = "all"
	RoleAPI    = "api"
	RoleWorker = "worker"
)

// BigQueryDataSource is where the analytics export writes segment rows.
type BigQueryDataSource struct {
	DatasetName  string `toml:"dataset"`
	SegmentTable string `toml:"segment_table"`
}

// PromptTemplates holds the text/template sources of the model prompts.
type PromptTemplates struct {
	ClassifyPrompt     string `toml:"classify"`      // Rendered with {{ .TEXT }} and {{ .LABELS }}.
	AudioEmotionPrompt string `toml:"audio_emotion"` // Sent with the audio chunk.
	FaceEmotionPrompt  string `toml:"face_emotion"`  // Sent with the video frame, rendered with {{ .LABELS }}.
	SummaryPrompt      string `toml:"summary"`       // Ranges over {{ .TIMELINE }}.
}

// VertexAiLLMModel represents the configuration for a Vertex AI large language model (LLM).
type VertexAiLLMModel struct {
	Model              string  `toml:"model" validate:"required"`
	SystemInstructions string  `toml:"system_instructions"`
	Temperature        float32 `toml:"temperature"`
	TopP               float32 `toml:"top_p"`
	TopK               float32 `toml:"top_k"`
	MaxTokens          int32   `toml:"max_tokens"`
	OutputFormat       string  `toml:"output_format"`
	RateLimit          int     `toml:"rate_limit" validate:"gte=0"` // Burst of requests per second.
}

// TopicSubscription represents the configuration for a Pub/Sub topic subscription.
type TopicSubscription struct {
	Topic            string `toml:"topic"`
	Name             string `toml:"name"`
	DeadLetterTopic  string `toml:"dead_letter_topic"`
	TimeoutInSeconds int    `toml:"timeout_in_seconds"`
}

// Storage selects and configures the blob store.
type Storage struct {
	Kind                string `toml:"kind" validate:"oneof=gcs memory"`
	Bucket              string `toml:"bucket" validate:"required_if=Kind gcs"`
	SignedURLTTLMinutes int    `toml:"signed_url_ttl_minutes" validate:"gte=0"`
}

// RecordStore selects and configures the record store.
type RecordStore struct {
	Kind string `toml:"kind" validate:"oneof=sqlite memory"`
	Path string `toml:"path" validate:"required_if=Kind sqlite"`
}

// Queue selects the task and progress transport.
type Queue struct {
	Kind     string            `toml:"kind" validate:"oneof=memory pubsub"`
	Capacity int               `toml:"capacity" validate:"gte=0"`
	Tasks    TopicSubscription `toml:"tasks"`
	Progress TopicSubscription `toml:"progress"`
}

// StageSettings is the execution budget of one stage.
type StageSettings struct {
	TimeoutSeconds int     `toml:"timeout_seconds" validate:"gte=0"`
	MaxRetries     int     `toml:"max_retries" validate:"gte=0"`
	BackoffSeconds float64 `toml:"backoff_seconds" validate:"gte=0"`
	Concurrency    int     `toml:"concurrency" validate:"gte=0"`
}

// Timeout is the wall-clock budget of the stage, zero meaning none.
func (s StageSettings) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Backoff is the pause before retry attempt n (1-based): n² × backoff_seconds.
func (s StageSettings) Backoff(attempt int) time.Duration {
	return time.Duration(float64(attempt*attempt) * s.BackoffSeconds * float64(time.Second))
}

// Pipeline configures the stage plan.
type Pipeline struct {
	OptionalStages    []string                 `toml:"optional_stages" validate:"dive,oneof=analyze_faces summarize export_analytics"`
	ClassifierWorkers int                      `toml:"classifier_workers" validate:"gte=0"`
	Defaults          StageSettings            `toml:"defaults"`
	Stages            map[string]StageSettings `toml:"stages" validate:"dive"`
}

// Settings returns the budget of stage: the defaults overridden by the
// non-zero values of its own section.
func (p Pipeline) Settings(stage string) StageSettings {
	out := p.Defaults
	if s, ok := p.Stages[stage]; ok {
		if s.TimeoutSeconds > 0 {
			out.TimeoutSeconds = s.TimeoutSeconds
		}
		if s.MaxRetries > 0 {
			out.MaxRetries = s.MaxRetries
		}
		if s.BackoffSeconds > 0 {
			out.BackoffSeconds = s.BackoffSeconds
		}
		if s.Concurrency > 0 {
			out.Concurrency = s.Concurrency
		}
	}
	return out
}

// Transcriber configures the speech-to-text command line.
type Transcriber struct {
	Command  string   `toml:"command" validate:"required"`
	Args     []string `toml:"args"` // Leading arguments, e.g. ["-m", "whisper"].
	Model    string   `toml:"model"`
	Language string   `toml:"language"`
}

// FFmpeg configures the media tool.
type FFmpeg struct {
	Path string `toml:"path" validate:"required"`
}

// Logging configures the process log sink.
type Logging struct {
	Level      string `toml:"level" validate:"omitempty,oneof=debug info warn error"`
	File       string `toml:"file"` // Empty logs to stdout only.
	MaxSizeMB  int    `toml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `toml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `toml:"max_age_days" validate:"gte=0"`
	Compress   bool   `toml:"compress"`
}

// Telemetry selects the OpenTelemetry exporter.
type Telemetry struct {
	Exporter    string  `toml:"exporter" validate:"oneof=gcp none"`
	SampleRatio float64 `toml:"sample_ratio" validate:"gte=0,lte=1"` // Fraction of new traces recorded.
}

// Config represents the overall configuration for the application, loaded from TOML files.
type Config struct {
	Application struct {
		Name                      string   `toml:"name" validate:"required"`
		GoogleProjectId           string   `toml:"google_project_id"`
		GoogleLocation            string   `toml:"location"`
		Role                      string   `toml:"role" validate:"oneof=all api worker"`
		WorkerCount               int      `toml:"worker_count" validate:"gte=1"`
		ListenAddress             string   `toml:"listen_address"`
		CorsOrigins               []string `toml:"cors_origins"`
		SignerServiceAccountEmail string   `toml:"signer_service_account_email"`
		MaxUploadMB               int64    `toml:"max_upload_mb" validate:"gte=0"`
	} `toml:"application"`
	Storage            Storage                     `toml:"storage"`
	RecordStore        RecordStore                 `toml:"record_store"`
	Queue              Queue                       `toml:"queue"`
	Pipeline           Pipeline                    `toml:"pipeline"`
	BigQueryDataSource BigQueryDataSource          `toml:"big_query_data_source"`
	PromptTemplates    PromptTemplates             `toml:"prompt_templates"`
	AgentModels        map[string]VertexAiLLMModel `toml:"agent_models" validate:"dive"`
	Transcriber        Transcriber                 `toml:"transcriber"`
	FFmpeg             FFmpeg                      `toml:"ffmpeg"`
	Logging            Logging                     `toml:"logging"`
	Telemetry          Telemetry                   `toml:"telemetry"`
}

// NewConfig creates a Config holding the defaults that the TOML files overlay.
func NewConfig() *Config {
	c := &Config{
		Storage:     Storage{Kind: "memory", SignedURLTTLMinutes: 15},
		RecordStore: RecordStore{Kind: "memory"},
		Queue:       Queue{Kind: "memory", Capacity: 1024},
		Pipeline: Pipeline{
			ClassifierWorkers: 4,
			Defaults:          StageSettings{TimeoutSeconds: 900, MaxRetries: 2, BackoffSeconds: 2},
			Stages:            make(map[string]StageSettings),
		},
		AgentModels: make(map[string]VertexAiLLMModel),
		Transcriber: Transcriber{Command: "python3", Args: []string{"-m", "whisper"}, Model: "base"},
		FFmpeg:      FFmpeg{Path: "ffmpeg"},
		Logging:     Logging{Level: "info", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
		Telemetry:   Telemetry{Exporter: "none", SampleRatio: 1},
	}
	c.Application.Name = "video-emotion-pipeline"
	c.Application.Role = RoleAll
	c.Application.WorkerCount = 4
	c.Application.ListenAddress = ":8080"
	c.Application.MaxUploadMB = 2048
	return c
}

// ValidateConfig checks the configuration tags and the cross-field rules the
// tags cannot express.
func ValidateConfig(c *Config) error {
	if err := validator.New().Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msg := fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Namespace(), fe.Tag())
				if fe.Param() != "" {
					msg = fmt.Sprintf("%s (value: %s)", msg, fe.Param())
				}
				msgs = append(msgs, msg)
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Queue.Kind == "pubsub" {
		if c.Queue.Tasks.Topic == "" || c.Queue.Tasks.Name == "" {
			return fmt.Errorf("invalid configuration: queue.tasks topic and subscription are required for pubsub")
		}
		if c.Application.Role != RoleAll && (c.Queue.Progress.Topic == "" || c.Queue.Progress.Name == "") {
			return fmt.Errorf("invalid configuration: queue.progress topic and subscription are required when roles are split")
		}
	} else if c.Application.Role != RoleAll {
		return fmt.Errorf("invalid configuration: role %q needs the pubsub queue", c.Application.Role)
	}
	for name := range c.Pipeline.Stages {
		if !knownStage(name) {
			return fmt.Errorf("invalid configuration: unknown stage %q in pipeline.stages", name)
		}
	}
	return nil
}

func knownStage(name string) bool {
	switch name {
	case "extract_audio", "transcribe_and_classify", "segment_audio", "score_audio_emotion",
		"analyze_faces", "summarize", "export_analytics":
		return true
	}
	return false
}
