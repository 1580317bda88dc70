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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/matrixinfer-ai/infer-batcher/pkg/batcher"
)

const redisKeyPrefix = "infer-batcher:response:"

// RedisConfig configures the redis-backed response cache.
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	// TTLSeconds bounds the lifetime of cached responses; 0 keeps them
	// until evicted by redis.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// Redis is a response cache shared across scheduler processes through a
// redis instance.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

var _ batcher.ResponseCache = &Redis{}

// NewRedis connects to redis and verifies the connection.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pong, err := client.Ping(context.Background()).Result()
	if err != nil {
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	klog.V(1).Infof("Connected to redis response cache: %s", pong)
	return &Redis{
		client: client,
		ttl:    time.Duration(cfg.TTLSeconds) * time.Second,
	}, nil
}

// Hash derives the cache key of a request.
func (c *Redis) Hash(req *batcher.Request) (string, error) {
	return HashRequest(req)
}

// Lookup returns the cached response for key, or nil on a miss.
func (c *Redis) Lookup(key string) (*batcher.InferenceResponse, error) {
	data, err := c.client.Get(context.Background(), redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	resp := &batcher.InferenceResponse{}
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, fmt.Errorf("corrupt cached response for key %s: %w", key, err)
	}
	return resp, nil
}

// Insert stores the response under key unless the key is already present.
func (c *Redis) Insert(resp *batcher.InferenceResponse, key string) error {
	if resp.Err != nil {
		return fmt.Errorf("refusing to cache error response for key %s", key)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	ok, err := c.client.SetNX(context.Background(), redisKeyPrefix+key, data, c.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return batcher.ErrAlreadyExists
	}
	return nil
}

// Close releases the redis connection.
func (c *Redis) Close() error { return c.client.Close() }
