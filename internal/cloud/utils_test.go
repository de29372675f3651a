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

package cloud_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jaycherian/video-emotion-pipeline/internal/cloud"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"google.golang.org/genai"
)

type scriptedModel struct {
	errs  []error
	text  string
	calls int
}

func (m *scriptedModel) GenerateContent(_ context.Context, _ []*genai.Content) (*genai.GenerateContentResponse, error) {
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: m.text}}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5},
	}, nil
}

func generate(ctx context.Context, m cloud.GenerativeModel) (string, error) {
	c := noop.Int64Counter{}
	return cloud.GenerateMultiModalResponse(ctx, c, c, c, 0, m, cloud.UserContent(cloud.NewTextPart("hi")))
}

func TestGenerateStripsCodeFence(t *testing.T) {
	m := &scriptedModel{text: "```json\n{\"label\":\"joy\"}\n```"}
	out, err := generate(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, `{"label":"joy"}`, out)
}

func TestGenerateRetriesQuotaErrors(t *testing.T) {
	cloud.RetryDelay = time.Millisecond
	m := &scriptedModel{
		errs: []error{genai.APIError{Code: 429}, genai.APIError{Code: 503}},
		text: "ok",
	}
	out, err := generate(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, m.calls)
}

func TestGenerateDoesNotRetryClientErrors(t *testing.T) {
	cloud.RetryDelay = time.Millisecond
	m := &scriptedModel{errs: []error{genai.APIError{Code: 400}}}
	_, err := generate(context.Background(), m)
	require.Error(t, err)
	assert.Equal(t, 1, m.calls)
}

func TestClassifyModelError(t *testing.T) {
	assert.Nil(t, cloud.ClassifyModelError("op", nil))
	assert.Equal(t, errs.KindTransient, errs.KindOf(cloud.ClassifyModelError("op", genai.APIError{Code: 429})))
	assert.Equal(t, errs.KindModel, errs.KindOf(cloud.ClassifyModelError("op", genai.APIError{Code: 400})))
	assert.Equal(t, errs.KindModel, errs.KindOf(cloud.ClassifyModelError("op", errors.New("garbage"))))
	assert.Equal(t, errs.KindTimeout, errs.KindOf(cloud.ClassifyModelError("op", context.DeadlineExceeded)))
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, "x", cloud.StripCodeFence("```\nx\n```"))
	assert.Equal(t, "plain", cloud.StripCodeFence("  plain "))
}
