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

package cache

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash"

	"github.com/matrixinfer-ai/infer-batcher/pkg/batcher"
)

// HashRequest derives the content-addressed cache key of a request from its
// declared batch size and its input tensors (name, shape, and raw data),
// independent of input ordering. Two requests with identical inputs always
// hash to the same key.
func HashRequest(req *batcher.Request) (string, error) {
	digest := xxhash.New()
	var scratch [8]byte

	binary.LittleEndian.PutUint64(scratch[:], uint64(req.BatchSize))
	if _, err := digest.Write(scratch[:]); err != nil {
		return "", err
	}

	inputs := make([]*batcher.InputTensor, len(req.Inputs))
	copy(inputs, req.Inputs)
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Name < inputs[j].Name })

	for _, in := range inputs {
		if _, err := digest.Write([]byte(in.Name)); err != nil {
			return "", err
		}
		for _, dim := range in.Shape {
			binary.LittleEndian.PutUint64(scratch[:], uint64(dim))
			if _, err := digest.Write(scratch[:]); err != nil {
				return "", err
			}
		}
		if _, err := digest.Write(in.Data); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%016x", digest.Sum64()), nil
}
