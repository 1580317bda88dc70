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
	"fmt"
	"os"
	"strconv"

	"sigs.k8s.io/yaml"
)

// delaySchedulerEnv holds an integer count; when set, the batcher worker
// forms no batch until the queue holds at least that many requests. Used by
// tests and debugging.
const delaySchedulerEnv = "TRITONSERVER_DELAY_SCHEDULER"

// Config is the immutable scheduler configuration.
type Config struct {
	ModelName string `json:"model_name"`

	// DynamicBatchingEnabled turns batch formation on. When false every
	// request is handed to the rate limiter as a one-request payload.
	DynamicBatchingEnabled bool `json:"dynamic_batching_enabled"`

	// MaxBatchSize caps the total declared batch size of a payload. Values
	// below 1 are normalized to 1.
	MaxBatchSize int `json:"max_batch_size"`

	// PreferredBatchSizes are sizes that yield optimal backend throughput;
	// sealing at one of them is favored over waiting further.
	PreferredBatchSizes []int `json:"preferred_batch_sizes,omitempty"`

	// MaxQueueDelayMicroseconds bounds how long the oldest queued request
	// may wait for the batch to grow; 0 means no delay is allowed.
	MaxQueueDelayMicroseconds uint64 `json:"max_queue_delay_microseconds,omitempty"`

	PreserveOrdering     bool `json:"preserve_ordering,omitempty"`
	ResponseCacheEnabled bool `json:"response_cache_enabled,omitempty"`

	// EnforceEqualShapeTensors names the inputs whose shapes must match
	// across all requests of a batch.
	EnforceEqualShapeTensors map[string]bool `json:"enforce_equal_shape_tensors,omitempty"`

	// HasOptionalInput forces input examination during batch formation when
	// the model declares optional inputs.
	HasOptionalInput bool `json:"has_optional_input,omitempty"`

	PriorityLevels        uint32                 `json:"priority_levels,omitempty"`
	DefaultQueuePolicy    QueuePolicy            `json:"default_queue_policy,omitempty"`
	PriorityQueuePolicies map[uint32]QueuePolicy `json:"priority_queue_policies,omitempty"`

	// Nice is applied to the batcher worker thread on supported platforms.
	Nice int `json:"nice,omitempty"`
}

// Validate normalizes and checks the configuration.
func (c *Config) Validate() error {
	if c.ModelName == "" {
		return fmt.Errorf("model_name must be set")
	}
	if c.MaxBatchSize < 1 {
		c.MaxBatchSize = 1
	}
	for _, s := range c.PreferredBatchSizes {
		if s <= 0 {
			return fmt.Errorf("preferred batch size must be positive, got %d", s)
		}
		if s > c.MaxBatchSize {
			return fmt.Errorf("preferred batch size %d exceeds max batch size %d", s, c.MaxBatchSize)
		}
	}
	policies := []QueuePolicy{c.DefaultQueuePolicy}
	for _, p := range c.PriorityQueuePolicies {
		policies = append(policies, p)
	}
	for _, p := range policies {
		switch p.OverflowAction {
		case "", OverflowReject, OverflowDelay:
		default:
			return fmt.Errorf("unknown overflow action %q", p.OverflowAction)
		}
	}
	return nil
}

// LoadConfig reads and validates a yaml configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// delaySchedulerCount reads the delay-scheduler gate from the environment.
func delaySchedulerCount() int {
	v := os.Getenv(delaySchedulerEnv)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
