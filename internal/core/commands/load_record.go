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

package commands

import (
	"fmt"
	"log/slog"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/cor"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/store"
)

// LoadRecord reads the record named by the video id in the input parameter
// and starts an empty patch for the stage.
type LoadRecord struct {
	cor.BaseCommand
	records store.RecordStore
	stage   model.Stage // The stage the new patch belongs to.
}

func NewLoadRecord(name string, records store.RecordStore, stage model.Stage) *LoadRecord {
	return &LoadRecord{BaseCommand: *cor.NewBaseCommand(name), records: records, stage: stage}
}

func (c *LoadRecord) Execute(context cor.Context) {
	videoID, ok := context.Get(c.GetInputParam()).(string)
	if !ok || videoID == "" {
		c.Fail(context, fmt.Errorf("%s expects a video id as input", c.GetName()))
		return
	}
	rec, err := c.records.Find(context.GetContext(), videoID)
	if err != nil {
		c.Fail(context, storeError(c.GetName(), videoID, err))
		return
	}
	slog.DebugContext(context.GetContext(), "record loaded", "video_id", videoID, "stage", c.stage)
	context.Add(CtxVideoID, videoID)
	context.Add(CtxRecord, rec)
	context.Add(CtxPatch, model.NewPatch(c.stage))
	c.Succeed(context)
	context.Add(c.GetOutputParam(), rec)
}
