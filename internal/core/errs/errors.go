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

// Package errs defines the error taxonomy shared by the HTTP surface, the
// stage commands and the pipeline runner.
//
// Every failure that crosses a package boundary is either a *ValidationError
// (client input, surfaced synchronously as a 4xx response) or an *Error
// carrying a Kind. The Kind drives the retry policy of the worker pool:
//   - KindPrecondition: a required upstream field is missing. Never retried.
//   - KindTransient: storage, queue or network I/O. Retried with backoff.
//   - KindModel: an inference collaborator failed or returned garbage. Never retried.
//   - KindTimeout: the stage exceeded its wall-clock budget. Never retried.
//   - KindInternal: everything else. Never retried.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotFound is returned by stores when a record or blob does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned by the record store when the video filename is already taken.
	ErrDuplicate = errors.New("duplicate")
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindPrecondition Kind = "precondition"
	KindTransient    Kind = "transient"
	KindModel        Kind = "model"
	KindTimeout      Kind = "timeout"
	KindInternal     Kind = "internal"
)

// Error is a classified failure raised while executing a stage.
type Error struct {
	Kind    Kind   // The failure class; drives retries.
	Op      string // The operation that failed, usually a command name.
	VideoID string // The record the operation worked on, if any.
	Stage   string // The pipeline stage, if any.
	Err     error  // The underlying cause.
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.VideoID != "" {
		fmt.Fprintf(&b, " [video=%s", e.VideoID)
		if e.Stage != "" {
			fmt.Fprintf(&b, " stage=%s", e.Stage)
		}
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Precondition reports that a stage found a required upstream field missing.
func Precondition(op string, videoID string, format string, args ...any) error {
	return &Error{Kind: KindPrecondition, Op: op, VideoID: videoID, Err: fmt.Errorf(format, args...)}
}

// Transient wraps an I/O failure that may succeed when retried.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Model wraps a failure of an inference collaborator.
func Model(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindModel, Op: op, Err: err}
}

// Internal wraps a failure that is none of the above.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// WithStage annotates err with the video and stage it occurred in. Errors
// that are not classified yet become KindInternal, or KindTimeout when the
// stage deadline expired.
func WithStage(err error, videoID string, stage string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		out := *e
		if out.VideoID == "" {
			out.VideoID = videoID
		}
		if out.Stage == "" {
			out.Stage = stage
		}
		return &out
	}
	kind := KindInternal
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, VideoID: videoID, Stage: stage, Err: err}
}

// KindOf returns the Kind of err. Deadline expiry always wins so that a
// transient failure caused by the stage budget running out is not retried.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var v *ValidationError
	if errors.As(err, &v) {
		return KindValidation
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Tag is the short error tag published with failed progress events.
func Tag(err error) string {
	return string(KindOf(err))
}

// Retryable reports whether the worker pool may retry err.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Detail is one entry of a validation error response.
type Detail struct {
	Code    int    `json:"code"`             // The HTTP status code for the error.
	Message string `json:"message"`          // A human readable description.
	Source  string `json:"source,omitempty"` // The offending field or operation, e.g. "file".
}

// ValidationError is a client input error. It never enters the pipeline.
type ValidationError struct {
	Status  int
	Details []Detail
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		msgs = append(msgs, d.Message)
	}
	return fmt.Sprintf("validation failed (%d): %s", e.Status, strings.Join(msgs, "; "))
}

// Invalid builds a single-detail validation error.
func Invalid(status int, source string, message string) *ValidationError {
	return &ValidationError{
		Status:  status,
		Details: []Detail{{Code: status, Message: message, Source: source}},
	}
}

// BadRequest is a 400 validation error.
func BadRequest(source string, message string) *ValidationError {
	return Invalid(http.StatusBadRequest, source, message)
}

// Conflict is a 409 validation error.
func Conflict(source string, message string) *ValidationError {
	return Invalid(http.StatusConflict, source, message)
}
