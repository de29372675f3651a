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

// Package cor (Chain of Responsibility) provides the building blocks every
// pipeline stage is assembled from. A stage is a Chain of Commands sharing one
// Context: the context carries the video id, the loaded record, the patch
// under construction, temporary files and the errors raised so far.
package cor

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CtxIn and CtxOut are the keys a BaseChain pipes between commands.
const (
	// CtxIn holds the primary input of a command. A chain copies the previous
	// command's CtxOut here before running the next command.
	CtxIn = "__IN__"
	// CtxOut holds the primary output of a command.
	CtxOut = "__OUT__"
)

// Context is the shared state of one chain execution.
type Context interface {
	// SetContext sets the Go context carrying cancellation, the stage deadline
	// and the current trace span.
	SetContext(context context.Context)

	// GetContext returns the Go context.
	GetContext() context.Context

	// Add stores a value under key.
	Add(key string, value interface{}) Context

	// AddError records an error raised by the command named key.
	AddError(key string, err error)

	// GetErrors returns the collected errors keyed by command name.
	GetErrors() map[string]error

	// Err joins the collected errors in the order they were raised, or
	// returns nil when there are none.
	Err() error

	// Get returns the value stored under key, or nil.
	Get(key string) interface{}

	// Remove deletes key.
	Remove(key string)

	// HasErrors reports whether any command failed.
	HasErrors() bool

	// AddTempFile tracks a local file to delete in Close.
	AddTempFile(file string)

	// GetTempFiles lists the tracked temporary files.
	GetTempFiles() []string

	// Close deletes every tracked temporary file. Callers defer it right after
	// creating the context so cleanup runs on every exit path.
	Close()
}

// Executable is anything with an Execute step.
type Executable interface {
	Execute(context Context)
}

// Command is an atomic unit of work within a chain.
type Command interface {
	Executable

	// GetName returns the command name used for spans, metrics and error keys.
	GetName() string

	// GetInputParam returns the context key of the command's primary input.
	GetInputParam() string

	// GetOutputParam returns the context key of the command's primary output.
	GetOutputParam() string

	// IsExecutable reports whether the context holds what the command needs.
	IsExecutable(context Context) bool

	GetTracer() trace.Tracer
	GetMeter() metric.Meter
	GetSuccessCounter() metric.Int64Counter
	GetErrorCounter() metric.Int64Counter
}

// Chain is an ordered list of commands that is itself a Command.
type Chain interface {
	Command

	// ContinueOnFailure makes the chain keep running after a command fails.
	ContinueOnFailure(bool) Chain

	// AddCommand appends a command.
	AddCommand(command Command) Chain
}
