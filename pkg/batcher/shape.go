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

import "fmt"

// RequiredEqualInputs captures the expected shape (and presence) of the
// inputs of the first request of a batch. Subsequent requests must match to
// join the batch.
type RequiredEqualInputs struct {
	inputs           map[string]*InputTensor
	hasOptionalInput bool
	initialized      bool
}

// Initialize builds the descriptor from the first request of the batch. The
// enforceEqual set names the tensors whose shapes must match exactly; when
// the model has optional inputs, presence of every input must match too.
func (r *RequiredEqualInputs) Initialize(req *Request, enforceEqual map[string]bool, hasOptionalInput bool) error {
	r.inputs = make(map[string]*InputTensor)
	r.hasOptionalInput = hasOptionalInput
	r.initialized = false
	for name, enforce := range enforceEqual {
		if !enforce {
			continue
		}
		in := req.Input(name)
		if in == nil {
			return fmt.Errorf("unable to find shape-enforced input '%s' in request %s", name, req.ID)
		}
		r.inputs[name] = in
	}
	if hasOptionalInput {
		for _, in := range req.Inputs {
			r.inputs[in.Name] = in
		}
	}
	r.initialized = true
	return nil
}

// Initialized reports whether the descriptor has been built.
func (r *RequiredEqualInputs) Initialized() bool { return r.initialized }

// HasEqualInputs reports whether the request can join the batch the
// descriptor was built from: every captured input must be present with an
// identical shape, and with optional inputs the request must not carry
// inputs absent from the first request.
func (r *RequiredEqualInputs) HasEqualInputs(req *Request) bool {
	if !r.initialized {
		return false
	}
	for name, ref := range r.inputs {
		in := req.Input(name)
		if in == nil {
			return false
		}
		if !equalShape(ref.Shape, in.Shape) {
			return false
		}
	}
	if r.hasOptionalInput {
		for _, in := range req.Inputs {
			if _, ok := r.inputs[in.Name]; !ok {
				return false
			}
		}
	}
	return true
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
