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

// This file defines the command that uploads a local file produced by a stage
// into the blob store and records the key on the stage patch.
package commands

import (
	"fmt"
	"log/slog"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/cor"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/store"
)

// PatchFunc records a stored blob key on the stage patch.
type PatchFunc func(patch *model.Patch, key string)

// SetAudioObject records the key of the normalized audio.
func SetAudioObject(patch *model.Patch, key string) {
	patch.AudioObjectPath = model.Set(key)
}

// StoreBlob uploads the file in the input parameter under a key derived from
// the record.
type StoreBlob struct {
	cor.BaseCommand
	blobs       store.BlobStore
	key         KeyFunc   // Derives the destination key from the record.
	contentType string    // Content type stored with the blob.
	apply       PatchFunc // Records the key on the patch; may be nil.
}

func NewStoreBlob(name string, blobs store.BlobStore, key KeyFunc, contentType string, apply PatchFunc) *StoreBlob {
	return &StoreBlob{
		BaseCommand: *cor.NewBaseCommand(name),
		blobs:       blobs,
		key:         key,
		contentType: contentType,
		apply:       apply,
	}
}

func (c *StoreBlob) IsExecutable(context cor.Context) bool {
	return hasStageState(context) && context.Get(c.GetInputParam()) != nil
}

func (c *StoreBlob) Execute(context cor.Context) {
	path := context.Get(c.GetInputParam()).(string)
	rec := RecordFrom(context)
	key := c.key(rec)

	if err := store.PutFile(context.GetContext(), c.blobs, key, path, c.contentType); err != nil {
		c.Fail(context, storeError(c.GetName(), rec.ID, fmt.Errorf("upload %s: %w", key, err)))
		return
	}
	if c.apply != nil {
		c.apply(PatchFrom(context), key)
	}
	slog.InfoContext(context.GetContext(), "blob stored", "video_id", rec.ID, "key", key)
	c.Succeed(context)
	context.Add(c.GetOutputParam(), key)
}
