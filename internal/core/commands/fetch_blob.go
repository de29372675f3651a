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

// This file defines the command that downloads a blob of the loaded record to
// a local temporary file.
//
// Logic Flow:
// Media tools work on local files while stage inputs live in the blob store.
//
//  1. Resolves the blob key from the record with the configured key function.
//  2. Streams the blob into a new temporary file.
//  3. Tracks the file on the context so Close removes it on every exit path.
//  4. Places the local path in the output parameter for the next command.
package commands

import (
	"fmt"
	"log/slog"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/cor"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/store"
)

// KeyFunc picks a blob key from a record.
type KeyFunc func(rec *model.VideoRecord) string

// VideoObject is the key of the uploaded video.
func VideoObject(rec *model.VideoRecord) string {
	return rec.VideoObjectPath
}

// AudioObject is the key of the normalized audio, or "" before extract_audio.
func AudioObject(rec *model.VideoRecord) string {
	if rec.AudioObjectPath == nil {
		return ""
	}
	return *rec.AudioObjectPath
}

// FetchBlob downloads a blob of the loaded record to a temporary file.
type FetchBlob struct {
	cor.BaseCommand
	blobs          store.BlobStore // The store the blob is read from.
	key            KeyFunc         // Picks the blob key from the loaded record.
	tempFilePrefix string          // Prefix of the local temporary file.
}

// NewFetchBlob is the constructor for the FetchBlob command.
//
// Inputs:
//   - name: The command name used for logging and telemetry.
//   - blobs: The blob store to read from.
//   - key: Resolves the blob key from the record; an empty key fails the
//     command as a precondition.
//   - tempFilePrefix: The prefix of the temporary file the blob is written to.
//
// Outputs:
//   - *FetchBlob: The new command. The local path is placed in its output
//     parameter.

func NewFetchBlob(name string, blobs store.BlobStore, key KeyFunc, tempFilePrefix string) *FetchBlob {
	return &FetchBlob{
		BaseCommand:    *cor.NewBaseCommand(name),
		blobs:          blobs,
		key:            key,
		tempFilePrefix: tempFilePrefix,
	}
}

func (c *FetchBlob) IsExecutable(context cor.Context) bool {
	return hasStageState(context)
}

func (c *FetchBlob) Execute(context cor.Context) {
	rec := RecordFrom(context)
	key := c.key(rec)
	if key == "" {
		c.Fail(context, errs.Precondition(c.GetName(), rec.ID, "no blob key on record"))
		return
	}

	path, written, err := store.DownloadTemp(context.GetContext(), c.blobs, key, c.tempFilePrefix+"*")
	if err != nil {
		c.Fail(context, storeError(c.GetName(), rec.ID, fmt.Errorf("download %s: %w", key, err)))
		return
	}
	context.AddTempFile(path)
	slog.InfoContext(context.GetContext(), "blob downloaded", "video_id", rec.ID, "key", key, "file", path, "bytes", written)
	c.Succeed(context)
	context.Add(c.GetOutputParam(), path)
}
