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

// This file holds the in-memory RecordStore and BlobStore. They back the
// "memory" storage and record_store kinds and every test that needs a store.
// Records are cloned on the way in and out, so callers never share state with
// the store.
package store

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
)

// MemoryRecordStore keeps records in process memory.
type MemoryRecordStore struct {
	mu         sync.RWMutex
	records    map[string]*model.VideoRecord // Keyed by record id.
	byFilename map[string]string             // Filename to id; enforces unique filenames.
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records:    make(map[string]*model.VideoRecord),
		byFilename: make(map[string]string),
	}
}

// Create stores a copy of rec. A taken id or filename is errs.ErrDuplicate.
func (s *MemoryRecordStore) Create(_ context.Context, rec *model.VideoRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byFilename[rec.VideoFilename]; ok {
		return errs.ErrDuplicate
	}
	if _, ok := s.records[rec.ID]; ok {
		return errs.ErrDuplicate
	}
	s.records[rec.ID] = rec.Clone()
	s.byFilename[rec.VideoFilename] = rec.ID
	return nil
}

func (s *MemoryRecordStore) Find(_ context.Context, id string) (*model.VideoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryRecordStore) List(_ context.Context) ([]*model.VideoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.VideoRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Upsert merges patch into the stored record under the write lock.
func (s *MemoryRecordStore) Upsert(_ context.Context, id string, patch *model.Patch) (*model.VideoRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	updated, err := patch.Apply(rec)
	if err != nil {
		return nil, err
	}
	s.records[id] = updated
	return updated.Clone(), nil
}

func (s *MemoryRecordStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return errs.ErrNotFound
	}
	delete(s.byFilename, rec.VideoFilename)
	delete(s.records, id)
	return nil
}

func (s *MemoryRecordStore) Close() error {
	return nil
}

// MemoryBlobStore keeps blobs in process memory.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte // Keyed by object key; content types are not kept.
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Put(ctx context.Context, key string, r io.Reader, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = data
	return nil
}

func (m *MemoryBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryBlobStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

// List returns the keys under prefix, sorted.
func (m *MemoryBlobStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0)
	for k := range m.blobs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Exists reports whether key is stored. It is a test helper.
func (m *MemoryBlobStore) Exists(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[key]
	return ok
}

// Len is the number of stored blobs.
func (m *MemoryBlobStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
