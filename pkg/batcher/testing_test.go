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
	"sync"
	"testing"
	"time"
)

// fakeRateLimiter executes payloads synchronously at EnqueuePayload time and
// records what it ran. Slot availability is controllable.
type fakeRateLimiter struct {
	mu            sync.Mutex
	slotAvailable bool
	execute       func(*Payload)
	payloads      []*Payload
	dispatchTimes []time.Time
}

func newFakeRateLimiter() *fakeRateLimiter {
	f := &fakeRateLimiter{slotAvailable: true}
	f.execute = func(p *Payload) {
		for _, req := range p.Requests() {
			req.SendResponse(&InferenceResponse{RequestID: req.ID}, ResponseFlagFinal)
		}
	}
	return f
}

func (f *fakeRateLimiter) GetPayload(op PayloadOperation, instance *ModelInstance) *Payload {
	return NewPayload(op, instance)
}

func (f *fakeRateLimiter) PayloadSlotAvailable(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slotAvailable
}

func (f *fakeRateLimiter) setSlotAvailable(available bool) {
	f.mu.Lock()
	f.slotAvailable = available
	f.mu.Unlock()
}

func (f *fakeRateLimiter) EnqueuePayload(_ string, p *Payload) error {
	f.mu.Lock()
	f.payloads = append(f.payloads, p)
	f.dispatchTimes = append(f.dispatchTimes, time.Now())
	execute := f.execute
	f.mu.Unlock()

	em := p.ExecMutex()
	em.Lock()
	p.SetState(PayloadStateExecuting)
	em.Unlock()

	if execute != nil {
		execute(p)
	}

	em.Lock()
	p.SetState(PayloadStateReleased)
	em.Unlock()
	if cb := p.Callback(); cb != nil {
		cb()
	}
	return nil
}

// batches returns the request IDs of every dispatched payload.
func (f *fakeRateLimiter) batches() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, 0, len(f.payloads))
	for _, p := range f.payloads {
		var ids []string
		for _, req := range p.Requests() {
			ids = append(ids, req.ID)
		}
		out = append(out, ids)
	}
	return out
}

func (f *fakeRateLimiter) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

// fakeCache is a map-backed ResponseCache keyed by input names and data.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*InferenceResponse
	hashFn  func(*Request) (string, error)
}

func newFakeCache() *fakeCache {
	c := &fakeCache{entries: make(map[string]*InferenceResponse)}
	c.hashFn = func(req *Request) (string, error) {
		key := ""
		for _, in := range req.Inputs {
			key += in.Name + "/" + string(in.Data) + ";"
		}
		return key, nil
	}
	return c
}

func (c *fakeCache) Hash(req *Request) (string, error) { return c.hashFn(req) }

func (c *fakeCache) Lookup(key string) (*InferenceResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key], nil
}

func (c *fakeCache) Insert(resp *InferenceResponse, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return ErrAlreadyExists
	}
	c.entries[key] = resp
	return nil
}

func defaultTestConfig() Config {
	return Config{
		ModelName:                 "test-model",
		DynamicBatchingEnabled:    true,
		MaxBatchSize:              16,
		PreferredBatchSizes:       []int{4, 8},
		MaxQueueDelayMicroseconds: 10_000,
	}
}

// newFormationScheduler builds a scheduler whose worker never runs, so tests
// can drive getDynamicBatch directly under the scheduler mutex.
func newFormationScheduler(t *testing.T, cfg Config, limiter RateLimiter, opts ...Option) *DynamicBatchScheduler {
	t.Helper()
	cfg.DynamicBatchingEnabled = false
	s, err := New(cfg, limiter, opts...)
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}
	s.dynamicBatchingEnabled = true
	s.newPayload()
	return s
}

// formBatch runs one formation pass the way the worker does.
func formBatch(s *DynamicBatchScheduler) (time.Duration, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	em := s.currPayload.ExecMutex()
	em.Lock()
	defer em.Unlock()
	wait := s.getDynamicBatch()
	return wait, s.queue.PendingBatchCount()
}
