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

// Package store defines the persistence contracts of the pipeline and their
// local implementations.
//
// The RecordStore holds one VideoRecord per upload and merges stage output
// through Upsert. The BlobStore holds the video, audio and audio chunk bytes
// under the keys defined in the model package. Both are consumed through
// interfaces so that stages run against SQLite or Google Cloud Storage in
// production and against in-memory fakes in tests.
package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
)

// RecordStore persists VideoRecords.
type RecordStore interface {
	// Create inserts a new record. It fails with errs.ErrDuplicate when
	// another record already uses the same video filename.
	Create(ctx context.Context, rec *model.VideoRecord) error

	// Find returns the record with the given id, or errs.ErrNotFound.
	Find(ctx context.Context, id string) (*model.VideoRecord, error)

	// List returns every record, oldest first.
	List(ctx context.Context) ([]*model.VideoRecord, error)

	// Upsert merges patch into the stored record atomically and returns the
	// result. Fields the patch leaves unset are untouched.
	Upsert(ctx context.Context, id string, patch *model.Patch) (*model.VideoRecord, error)

	// Delete removes the record, or fails with errs.ErrNotFound.
	Delete(ctx context.Context, id string) error

	Close() error
}

// BlobStore is a key/value byte store.
type BlobStore interface {
	// Put writes the content of r under key, replacing any previous value.
	Put(ctx context.Context, key string, r io.Reader, contentType string) error

	// Get opens the blob under key, or fails with errs.ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ReadAll fetches a whole blob into memory.
func ReadAll(ctx context.Context, blobs BlobStore, key string) ([]byte, error) {
	rc, err := blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// PutBytes writes data under key.
func PutBytes(ctx context.Context, blobs BlobStore, key string, data []byte, contentType string) error {
	return blobs.Put(ctx, key, bytes.NewReader(data), contentType)
}

// PutFile uploads a local file under key.
func PutFile(ctx context.Context, blobs BlobStore, key string, path string, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return blobs.Put(ctx, key, f, contentType)
}

// DownloadTemp copies a blob into a new temporary file and returns its path.
// The caller owns the file.
func DownloadTemp(ctx context.Context, blobs BlobStore, key string, pattern string) (string, int64, error) {
	rc, err := blobs.Get(ctx, key)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()

	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", 0, fmt.Errorf("could not create temp file: %w", err)
	}
	written, err := io.Copy(f, rc)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", written, fmt.Errorf("copy %s to %s after %d bytes: %w", key, f.Name(), written, err)
	}
	return f.Name(), written, nil
}
