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

import "k8s.io/klog/v2"

// Custom batching hook invocation. Hook errors are logged and otherwise
// ignored; the boolean returned by Include is honored either way.

func (s *DynamicBatchScheduler) customBatchEnabled() bool {
	return s.customBatcher != nil
}

// customBatchInit installs fresh custom-batching state on the current
// payload. Callers hold mu.
func (s *DynamicBatchScheduler) customBatchInit() {
	if !s.customBatchEnabled() {
		return
	}
	state, err := s.customBatcher.Init()
	if err != nil {
		klog.Errorf("Custom batching initialization function failed for model %s: %v", s.modelName, err)
	}
	s.currPayload.SetUserState(state)
}

// customBatchIncl queries whether the candidate request may join the batch.
func (s *DynamicBatchScheduler) customBatchIncl(req *Request) bool {
	include, err := s.customBatcher.Include(req, s.currPayload.UserState())
	if err != nil {
		klog.Errorf("Custom batching include function failed for model %s: %v", s.modelName, err)
	}
	return include
}

// customBatchFini tears down the payload's custom-batching state and zeroes
// the slot.
func (s *DynamicBatchScheduler) customBatchFini() {
	if !s.customBatchEnabled() || s.currPayload.UserState() == nil {
		return
	}
	if err := s.customBatcher.Fini(s.currPayload.UserState()); err != nil {
		klog.Errorf("Custom batching finalization function failed for model %s: %v", s.modelName, err)
	}
	s.currPayload.SetUserState(nil)
}
