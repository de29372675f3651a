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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
	_ "modernc.org/sqlite"
)

// createRecordsSQL creates the records table. The document column holds the
// JSON encoded VideoRecord; the other columns exist for the uniqueness
// constraint and for ordering.
const createRecordsSQL = `
CREATE TABLE IF NOT EXISTS video_records (
	id TEXT PRIMARY KEY,
	video_filename TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	document TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_video_records_created_at ON video_records(created_at);
`

// SQLiteRecordStore keeps each VideoRecord as a JSON document in a SQLite
// table. The filename column carries the uniqueness constraint.
type SQLiteRecordStore struct {
	db *sql.DB // Limited to one open connection.
}

// NewSQLiteRecordStore opens (or creates) the database at path.
func NewSQLiteRecordStore(ctx context.Context, path string) (*SQLiteRecordStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers, which keeps the read-modify-write
	// in Upsert free of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, createRecordsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &SQLiteRecordStore{db: db}, nil
}

// Create inserts rec. A filename that is already taken is errs.ErrDuplicate.
func (s *SQLiteRecordStore) Create(ctx context.Context, rec *model.VideoRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
	}
	now := time.Now().UTC().UnixNano()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO video_records (id, video_filename, created_at, updated_at, document) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.VideoFilename, rec.CreatedAt.UTC().UnixNano(), now, string(doc))
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrDuplicate
		}
		return fmt.Errorf("failed to save record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteRecordStore) Find(ctx context.Context, id string) (*model.VideoRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT document FROM video_records WHERE id = ?`, id)
	return scanRecord(row)
}

// List returns every record ordered by creation time.
func (s *SQLiteRecordStore) List(ctx context.Context) ([]*model.VideoRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM video_records ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	out := make([]*model.VideoRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return out, nil
}

// Upsert reads the document, applies patch and writes it back in one
// transaction.
//
// Inputs:
//   - ctx: The context for the transaction.
//   - id: The record to update.
//   - patch: The fields to set. Absent fields are untouched.
//
// Outputs:
//   - The updated record, errs.ErrNotFound for an unknown id, or the error of
//     patch.Apply (model.ErrSegmentsLocked, model.ErrInvalidPatch).
func (s *SQLiteRecordStore) Upsert(ctx context.Context, id string, patch *model.Patch) (*model.VideoRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin upsert of %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanRecord(tx.QueryRowContext(ctx, `SELECT document FROM video_records WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	updated, err := patch.Apply(current)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE video_records SET document = ?, updated_at = ? WHERE id = ?`,
		string(doc), time.Now().UTC().UnixNano(), id); err != nil {
		return nil, fmt.Errorf("failed to update record %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit record %s: %w", id, err)
	}
	return updated, nil
}

// Delete removes the record; an unknown id is errs.ErrNotFound.
func (s *SQLiteRecordStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM video_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *SQLiteRecordStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord decodes the document column of one row.
func scanRecord(row rowScanner) (*model.VideoRecord, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	rec := &model.VideoRecord{}
	if err := json.Unmarshal([]byte(doc), rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	if rec.EmotionChunks == nil {
		rec.EmotionChunks = make([]model.EmotionSegment, 0)
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
