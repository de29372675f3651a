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

// Package cloud contains data structures and utilities for interacting with Google Cloud services.
// This file implements the blob store on Google Cloud Storage and the V4
// signed URLs used to stream uploaded videos to browsers.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/iam/credentials/apiv1/credentialspb"
	"cloud.google.com/go/storage"
	"github.com/jaycherian/video-emotion-pipeline/internal/core/errs"
	"google.golang.org/api/iterator"
)

// GCSBlobStore keeps blobs as objects in a single bucket, keyed by object name.
type GCSBlobStore struct {
	client *storage.Client
	bucket string // Name of the bucket holding every blob.
}

// NewGCSBlobStore returns a store over bucket.
func NewGCSBlobStore(client *storage.Client, bucket string) *GCSBlobStore {
	return &GCSBlobStore{client: client, bucket: bucket}
}

func (g *GCSBlobStore) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return errs.Transient("gcs-put", fmt.Errorf("write gs://%s/%s: %w", g.bucket, key, err))
	}
	if err := w.Close(); err != nil {
		return errs.Transient("gcs-put", fmt.Errorf("close gs://%s/%s: %w", g.bucket, key, err))
	}
	return nil
}

func (g *GCSBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, errs.ErrNotFound
		}
		return nil, errs.Transient("gcs-get", fmt.Errorf("read gs://%s/%s: %w", g.bucket, key, err))
	}
	return rc, nil
}

func (g *GCSBlobStore) Delete(ctx context.Context, key string) error {
	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return errs.Transient("gcs-delete", fmt.Errorf("delete gs://%s/%s: %w", g.bucket, key, err))
	}
	return nil
}

func (g *GCSBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	out := make([]string, 0)
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errs.Transient("gcs-list", fmt.Errorf("list gs://%s/%s: %w", g.bucket, prefix, err))
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

// IAMURLSigner signs V4 GET URLs for objects of a GCS bucket through the IAM
// Credentials API, so no service account key has to be present locally.
type IAMURLSigner struct {
	storage     *storage.Client
	iam         *credentials.IamCredentialsClient // Signs the URL bytes remotely.
	bucket      string
	signerEmail string // The service account the URLs are signed as.
}

func NewIAMURLSigner(storageClient *storage.Client, iamClient *credentials.IamCredentialsClient, bucket string, signerEmail string) *IAMURLSigner {
	return &IAMURLSigner{storage: storageClient, iam: iamClient, bucket: bucket, signerEmail: signerEmail}
}

// SignedURL returns a URL granting GET on key until ttl elapses.
func (s *IAMURLSigner) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         "GET",
		Expires:        time.Now().Add(ttl),
		GoogleAccessID: s.signerEmail,
		SignBytes: func(b []byte) ([]byte, error) {
			req := &credentialspb.SignBlobRequest{
				Name:    fmt.Sprintf("projects/-/serviceAccounts/%s", s.signerEmail),
				Payload: b,
			}
			resp, err := s.iam.SignBlob(ctx, req)
			if err != nil {
				return nil, fmt.Errorf("IAMClient.SignBlob: %w", err)
			}
			return resp.SignedBlob, nil
		},
	}
	u, err := s.storage.Bucket(s.bucket).SignedURL(key, opts)
	if err != nil {
		return "", fmt.Errorf("Bucket(%q).SignedURL(%q): %w", s.bucket, key, err)
	}
	return u, nil
}
