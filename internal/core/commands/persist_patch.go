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
	"log/slog"
	"time"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/cor"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/store"
)

// PersistPatch stamps the stage completion time on the patch and merges it
// into the record with one Upsert. The updated record replaces the loaded one
// on the context.
type PersistPatch struct {
	cor.BaseCommand
	records store.RecordStore
	now     func() time.Time // Clock for the completion timestamp.
}

func NewPersistPatch(name string, records store.RecordStore) *PersistPatch {
	return &PersistPatch{BaseCommand: *cor.NewBaseCommand(name), records: records, now: time.Now}
}

func (c *PersistPatch) IsExecutable(context cor.Context) bool {
	return hasStageState(context)
}

func (c *PersistPatch) Execute(context cor.Context) {
	rec := RecordFrom(context)
	patch := PatchFrom(context).Complete(c.now())

	updated, err := c.records.Upsert(context.GetContext(), rec.ID, patch)
	if err != nil {
		c.Fail(context, storeError(c.GetName(), rec.ID, err))
		return
	}
	slog.InfoContext(context.GetContext(), "stage output persisted", "video_id", rec.ID, "stage", patch.Stage, "segments", len(patch.Segments))
	context.Add(CtxRecord, updated)
	c.Succeed(context)
	context.Add(c.GetOutputParam(), updated)
}
