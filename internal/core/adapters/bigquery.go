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

package adapters

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/model"
)

// SegmentRow is the analytics row of one emotion segment.
type SegmentRow struct {
	VideoID       string    `bigquery:"video_id"`
	VideoFilename string    `bigquery:"video_filename"`
	SegmentIndex  int       `bigquery:"segment_index"`
	StartSeconds  float64   `bigquery:"start_seconds"`
	EndSeconds    float64   `bigquery:"end_seconds"`
	Text          string    `bigquery:"text"`
	Emotion       string    `bigquery:"emotion"`
	EmotionScore  float64   `bigquery:"emotion_score"`
	Arousal       float64   `bigquery:"arousal"`
	Dominance     float64   `bigquery:"dominance"`
	Valence       float64   `bigquery:"valence"`
	HasVAD        bool      `bigquery:"has_vad"`
	FaceEmotion   string    `bigquery:"face_emotion"`
	FaceScore     float64   `bigquery:"face_score"`
	ExportedAt    time.Time `bigquery:"exported_at"`
}

// SegmentRows flattens the segments of rec into rows.
func SegmentRows(rec *model.VideoRecord, at time.Time) []SegmentRow {
	rows := make([]SegmentRow, 0, len(rec.EmotionChunks))
	for i, seg := range rec.EmotionChunks {
		row := SegmentRow{
			VideoID:       rec.ID,
			VideoFilename: rec.VideoFilename,
			SegmentIndex:  i,
			StartSeconds:  seg.Timestamp.Start(),
			EndSeconds:    seg.Timestamp.End(),
			Text:          seg.Text,
			Emotion:       string(seg.Emotion),
			EmotionScore:  seg.EmotionScore,
			ExportedAt:    at,
		}
		if seg.VADScore != nil {
			row.HasVAD = true
			row.Arousal = seg.VADScore.Arousal
			row.Dominance = seg.VADScore.Dominance
			row.Valence = seg.VADScore.Valence
		}
		for label, p := range seg.FaceEmotions {
			if p > row.FaceScore || (p == row.FaceScore && label < row.FaceEmotion) {
				row.FaceEmotion, row.FaceScore = label, p
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// BigQuerySink streams segment rows into a BigQuery table. Rows carry an
// insert id per video and segment so a re-export is deduplicated.
type BigQuerySink struct {
	client  *bigquery.Client
	dataset string
	table   string
}

func NewBigQuerySink(client *bigquery.Client, dataset string, table string) *BigQuerySink {
	return &BigQuerySink{client: client, dataset: dataset, table: table}
}

func (s *BigQuerySink) Export(ctx context.Context, rec *model.VideoRecord) (int, error) {
	rows := SegmentRows(rec, time.Now().UTC())
	if len(rows) == 0 {
		return 0, nil
	}
	savers := make([]*bigquery.StructSaver, 0, len(rows))
	for _, row := range rows {
		savers = append(savers, &bigquery.StructSaver{
			Struct:   row,
			InsertID: fmt.Sprintf("%s-%d", row.VideoID, row.SegmentIndex),
		})
	}
	i := s.client.Dataset(s.dataset).Table(s.table).Inserter()
	if err := i.Put(ctx, savers); err != nil {
		return 0, errs.Transient("bigquery-export", fmt.Errorf("bigquery insert failed for video %s: %w", rec.ID, err))
	}
	return len(rows), nil
}
