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

package cor_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jaycherian/video-emotion-pipeline/internal/core/cor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCommand struct {
	cor.BaseCommand
	runs *[]string
	out  interface{}
	err  error
}

func newRecording(name string, runs *[]string, out interface{}, err error) *recordingCommand {
	return &recordingCommand{BaseCommand: *cor.NewBaseCommand(name), runs: runs, out: out, err: err}
}

func (r *recordingCommand) IsExecutable(context cor.Context) bool {
	return context.GetContext() != nil
}

func (r *recordingCommand) Execute(context cor.Context) {
	*r.runs = append(*r.runs, r.GetName())
	if r.err != nil {
		r.Fail(context, r.err)
		return
	}
	if r.out != nil {
		context.Add(cor.CtxOut, r.out)
	}
	r.Succeed(context)
}

func newContext(ctx context.Context) cor.Context {
	chainCtx := cor.NewBaseContext()
	chainCtx.SetContext(ctx)
	return chainCtx
}

func TestChainPipesOutputToInput(t *testing.T) {
	var runs []string
	chain := cor.NewBaseChain("pipe")
	chain.AddCommand(newRecording("first", &runs, "value", nil))

	chainCtx := newContext(context.Background())
	chain.Execute(chainCtx)

	assert.False(t, chainCtx.HasErrors())
	assert.Equal(t, "value", chainCtx.Get(cor.CtxIn))
	assert.Nil(t, chainCtx.Get(cor.CtxOut))
}

func TestChainStopsOnFailure(t *testing.T) {
	var runs []string
	boom := errors.New("boom")
	chain := cor.NewBaseChain("stops")
	chain.AddCommand(newRecording("a", &runs, nil, nil)).
		AddCommand(newRecording("b", &runs, nil, boom)).
		AddCommand(newRecording("c", &runs, nil, nil))

	chainCtx := newContext(context.Background())
	chain.Execute(chainCtx)

	assert.Equal(t, []string{"a", "b"}, runs)
	assert.ErrorIs(t, chainCtx.Err(), boom)
	assert.Contains(t, chainCtx.GetErrors(), "b")
}

func TestChainContinueOnFailure(t *testing.T) {
	var runs []string
	chain := cor.NewBaseChain("continues")
	chain.ContinueOnFailure(true).
		AddCommand(newRecording("a", &runs, nil, errors.New("first"))).
		AddCommand(newRecording("b", &runs, nil, errors.New("second")))

	chainCtx := newContext(context.Background())
	chain.Execute(chainCtx)

	assert.Equal(t, []string{"a", "b"}, runs)
	assert.EqualError(t, chainCtx.Err(), "first\nsecond")
}

func TestChainHonorsCancellation(t *testing.T) {
	var runs []string
	chain := cor.NewBaseChain("cancelled")
	chain.AddCommand(newRecording("a", &runs, nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chainCtx := newContext(ctx)
	chain.Execute(chainCtx)

	assert.Empty(t, runs)
	assert.ErrorIs(t, chainCtx.Err(), context.Canceled)
}

func TestChainRecordsNonExecutableCommand(t *testing.T) {
	chainCtx := newContext(context.Background())
	base := &inputCommand{BaseCommand: *cor.NewBaseCommand("needs-input")}
	strict := cor.NewBaseChain("strict")
	strict.AddCommand(base)
	strict.Execute(chainCtx)

	assert.True(t, chainCtx.HasErrors())
	assert.False(t, base.ran)
}

type inputCommand struct {
	cor.BaseCommand
	ran bool
}

func (i *inputCommand) Execute(_ cor.Context) {
	i.ran = true
}

func TestContextCloseRemovesTempFiles(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "cor-")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	chainCtx := cor.NewBaseContext()
	chainCtx.AddTempFile(f.Name())
	chainCtx.AddTempFile(f.Name() + ".missing")
	chainCtx.Close()

	_, err = os.Stat(f.Name())
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, chainCtx.GetTempFiles())
}

func TestContextErrJoinsSameCommand(t *testing.T) {
	chainCtx := cor.NewBaseContext()
	assert.NoError(t, chainCtx.Err())

	chainCtx.AddError("a", errors.New("one"))
	chainCtx.AddError("a", errors.New("two"))
	chainCtx.AddError("b", nil)

	assert.Len(t, chainCtx.GetErrors(), 1)
	assert.EqualError(t, chainCtx.Err(), "one\ntwo")
}
