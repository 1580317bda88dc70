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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixinfer-ai/infer-batcher/pkg/batcher"
)

func setupRedisCache(t *testing.T) *Redis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c, err := NewRedis(RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisCacheRoundTrip(t *testing.T) {
	c := setupRedisCache(t)

	key, err := c.Hash(hashedRequest("redis-round-trip"))
	require.NoError(t, err)

	missed, err := c.Lookup(key)
	require.NoError(t, err)
	assert.Nil(t, missed)

	resp := &batcher.InferenceResponse{
		RequestID: "req",
		Outputs: []*batcher.OutputTensor{
			{Name: "output0", Shape: []int64{1, 4}, Data: []byte("result")},
		},
	}
	require.NoError(t, c.Insert(resp, key))

	found, err := c.Lookup(key)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "req", found.RequestID)
	require.Len(t, found.Outputs, 1)
	assert.Equal(t, []byte("result"), found.Outputs[0].Data)
}

func TestRedisCacheInsertIsIdempotent(t *testing.T) {
	c := setupRedisCache(t)

	resp := &batcher.InferenceResponse{RequestID: "req"}
	require.NoError(t, c.Insert(resp, "key"))
	assert.ErrorIs(t, c.Insert(resp, "key"), batcher.ErrAlreadyExists)
}

func TestRedisCacheConnectError(t *testing.T) {
	_, err := NewRedis(RedisConfig{Address: "127.0.0.1:1"})
	require.Error(t, err)
}
