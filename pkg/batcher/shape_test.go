/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package batcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shapedRequest(id string, inputs ...*InputTensor) *Request {
	return &Request{ID: id, BatchSize: 1, Inputs: inputs}
}

func TestRequiredEqualInputsInitializeMissingInput(t *testing.T) {
	var descriptor RequiredEqualInputs
	req := shapedRequest("a", &InputTensor{Name: "input0", Shape: []int64{1, 4}})

	err := descriptor.Initialize(req, map[string]bool{"input1": true}, false)
	require.Error(t, err)
	assert.False(t, descriptor.Initialized())
}

func TestRequiredEqualInputsShapeEnforcement(t *testing.T) {
	enforce := map[string]bool{"input0": true, "skipped": false}
	var descriptor RequiredEqualInputs
	first := shapedRequest("first",
		&InputTensor{Name: "input0", Shape: []int64{1, 4}},
		&InputTensor{Name: "skipped", Shape: []int64{1}},
	)
	require.NoError(t, descriptor.Initialize(first, enforce, false))
	require.True(t, descriptor.Initialized())

	tests := []struct {
		name  string
		req   *Request
		equal bool
	}{
		{
			name:  "matching shape",
			req:   shapedRequest("b", &InputTensor{Name: "input0", Shape: []int64{1, 4}}),
			equal: true,
		},
		{
			name:  "different shape",
			req:   shapedRequest("c", &InputTensor{Name: "input0", Shape: []int64{1, 8}}),
			equal: false,
		},
		{
			name:  "different rank",
			req:   shapedRequest("d", &InputTensor{Name: "input0", Shape: []int64{4}}),
			equal: false,
		},
		{
			name:  "missing enforced input",
			req:   shapedRequest("e", &InputTensor{Name: "other", Shape: []int64{1, 4}}),
			equal: false,
		},
		{
			name: "unenforced input may differ",
			req: shapedRequest("f",
				&InputTensor{Name: "input0", Shape: []int64{1, 4}},
				&InputTensor{Name: "skipped", Shape: []int64{9, 9}},
			),
			equal: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.equal, descriptor.HasEqualInputs(tt.req))
		})
	}
}

func TestRequiredEqualInputsOptionalPresence(t *testing.T) {
	var descriptor RequiredEqualInputs
	first := shapedRequest("first",
		&InputTensor{Name: "input0", Shape: []int64{1, 4}},
		&InputTensor{Name: "opt", Shape: []int64{2}},
	)
	require.NoError(t, descriptor.Initialize(first, nil, true))

	// Both present with equal shapes.
	assert.True(t, descriptor.HasEqualInputs(shapedRequest("b",
		&InputTensor{Name: "input0", Shape: []int64{1, 4}},
		&InputTensor{Name: "opt", Shape: []int64{2}},
	)))
	// Optional input absent from the candidate.
	assert.False(t, descriptor.HasEqualInputs(shapedRequest("c",
		&InputTensor{Name: "input0", Shape: []int64{1, 4}},
	)))
	// Candidate carries an input the first request did not.
	assert.False(t, descriptor.HasEqualInputs(shapedRequest("d",
		&InputTensor{Name: "input0", Shape: []int64{1, 4}},
		&InputTensor{Name: "opt", Shape: []int64{2}},
		&InputTensor{Name: "extra", Shape: []int64{1}},
	)))
}
