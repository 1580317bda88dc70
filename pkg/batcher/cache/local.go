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

// Package cache provides response cache backends for the dynamic batch
// scheduler: an in-process LRU and a redis-backed store. Both derive keys
// with HashRequest.
package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/matrixinfer-ai/infer-batcher/pkg/batcher"
)

// Local is an in-process LRU response cache.
type Local struct {
	entries *lru.Cache[string, *batcher.InferenceResponse]
}

var _ batcher.ResponseCache = &Local{}

// NewLocal creates a local response cache holding up to size entries.
func NewLocal(size int) (*Local, error) {
	entries, err := lru.New[string, *batcher.InferenceResponse](size)
	if err != nil {
		return nil, err
	}
	return &Local{entries: entries}, nil
}

// Hash derives the cache key of a request.
func (c *Local) Hash(req *batcher.Request) (string, error) {
	return HashRequest(req)
}

// Lookup returns the cached response for key, or nil on a miss.
func (c *Local) Lookup(key string) (*batcher.InferenceResponse, error) {
	resp, ok := c.entries.Get(key)
	if !ok {
		return nil, nil
	}
	return resp, nil
}

// Insert stores the response under key. Inserting an existing key returns
// ErrAlreadyExists; error responses are never cached.
func (c *Local) Insert(resp *batcher.InferenceResponse, key string) error {
	if resp.Err != nil {
		return fmt.Errorf("refusing to cache error response for key %s", key)
	}
	if c.entries.Contains(key) {
		return batcher.ErrAlreadyExists
	}
	c.entries.Add(key, resp)
	return nil
}

// Len returns the number of cached responses.
func (c *Local) Len() int { return c.entries.Len() }
