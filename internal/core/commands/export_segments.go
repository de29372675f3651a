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

// This file defines the command that exports the finished segments of a
// record to the analytics sink (a BigQuery table in production).
package commands

import (
	"log/slog"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/adapters"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/cor"
)

// ExportSegments hands the loaded record to the analytics sink.
type ExportSegments struct {
	cor.BaseCommand
	sink adapters.AnalyticsSink
}

func NewExportSegments(name string, sink adapters.AnalyticsSink) *ExportSegments {
	return &ExportSegments{BaseCommand: *cor.NewBaseCommand(name), sink: sink}
}

func (s *ExportSegments) IsExecutable(context cor.Context) bool {
	return hasStageState(context)
}

func (s *ExportSegments) Execute(context cor.Context) {
	rec := RecordFrom(context)

	rows, err := s.sink.Export(context.GetContext(), rec)
	if err != nil {
		slog.ErrorContext(context.GetContext(), "failed to export segments", "video_id", rec.ID, "error", err)
		s.Fail(context, storeError(s.GetName(), rec.ID, err))
		return
	}
	AddMeta(context, "rows", rows)
	s.Succeed(context)
	context.Add(s.GetOutputParam(), rows)
	slog.InfoContext(context.GetContext(), "segments exported", "video_id", rec.ID, "rows", rows)
}
