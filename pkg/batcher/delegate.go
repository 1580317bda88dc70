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
	"errors"
	"time"

	"k8s.io/klog/v2"

	"github.com/matrixinfer-ai/infer-batcher/pkg/batcher/metrics"
)

// responsePair is one response of a request together with its flags and the
// client callback that ultimately receives it.
type responsePair struct {
	resp  *InferenceResponse
	flags uint32
	send  ResponseFunc
}

// completionSlot accumulates the responses of one delegated request. The Nth
// slot corresponds to the Nth delegated request in submission order.
type completionSlot struct {
	pairs []responsePair
}

// delegateResponse allocates the request's completion slot and installs the
// delegator that performs cache insertion and, when ordering is required,
// ordered release of responses.
func (s *DynamicBatchScheduler) delegateResponse(req *Request) {
	s.completionQueueMu.Lock()
	slot := &completionSlot{}
	s.completionQueue.PushBack(slot)
	s.completionQueueMu.Unlock()

	key := req.cacheKey
	keySet := req.cacheKeySet
	lookupStart := req.cacheLookupStart
	lookupEnd := req.cacheLookupEnd
	send := req.dispatch

	req.delegator = func(resp *InferenceResponse, flags uint32) {
		if s.responseCacheEnabled {
			if !keySet {
				klog.Errorf("Request cache key was not set correctly.")
			}
			// Insertion happens here because a miss needs the backend to
			// have computed the response first.
			insertStart := time.Now()
			err := s.cache.Insert(resp, key)
			insertDuration := time.Since(insertStart)

			if !errors.Is(err, ErrAlreadyExists) {
				lookupDuration := lookupEnd.Sub(lookupStart)
				if lookupDuration < 0 {
					lookupDuration = 0
					klog.Errorf("Request cache lookup duration was not set correctly.")
				}
				metrics.CacheMisses.WithLabelValues(s.modelName).Inc()
				metrics.CacheMissDuration.WithLabelValues(s.modelName).
					Observe((lookupDuration + insertDuration).Seconds())
				if err != nil {
					klog.Errorf("Failed to insert key [%s] into response cache: %v", key, err)
				}
			}
		}

		if s.preserveOrdering {
			s.completionQueueMu.Lock()
			slot.pairs = append(slot.pairs, responsePair{resp: resp, flags: flags, send: send})
			s.completionQueueMu.Unlock()
			s.finalizeResponses()
		} else {
			send(resp, flags)
		}
	}
}

// cacheLookup hashes the request into its cache key and looks it up,
// capturing lookup timestamps. It returns the cached response on a hit and
// nil on a miss or error; cache errors are logged, never surfaced.
func (s *DynamicBatchScheduler) cacheLookup(req *Request) *InferenceResponse {
	if !req.cacheKeySet {
		key, err := s.cache.Hash(req)
		if err != nil {
			klog.Errorf("Failed to hash request: %v", err)
			return nil
		}
		req.cacheKey = key
		req.cacheKeySet = true
	}

	req.cacheLookupStart = time.Now()
	resp, err := s.cache.Lookup(req.cacheKey)
	req.cacheLookupEnd = time.Now()
	if err != nil {
		klog.Errorf("Failed to lookup key [%s] in response cache: %v", req.cacheKey, err)
		return nil
	}
	if resp == nil {
		return nil
	}
	metrics.CacheHits.WithLabelValues(s.modelName).Inc()
	return resp
}

// finalizeResponses releases completed responses in submission order as far
// as possible. The finalize mutex serializes drains; the completion queue
// mutex is released before dispatching so callbacks never run under it.
func (s *DynamicBatchScheduler) finalizeResponses() {
	s.finalizeMu.Lock()
	defer s.finalizeMu.Unlock()

	var ready []responsePair
	s.completionQueueMu.Lock()
	for s.completionQueue.Len() > 0 && len(s.completionQueue.Front().pairs) > 0 {
		slot := s.completionQueue.Front()
		complete := false
		for _, pair := range slot.pairs {
			// The FINAL flag is only set on the last response of a request.
			complete = pair.flags&ResponseFlagFinal != 0
			ready = append(ready, pair)
		}
		if complete {
			s.completionQueue.PopFront()
		} else {
			// The request streams further responses; keep its slot so they
			// stay in order.
			slot.pairs = nil
		}
	}
	s.completionQueueMu.Unlock()

	for _, pair := range ready {
		pair.send(pair.resp, pair.flags)
	}
}
