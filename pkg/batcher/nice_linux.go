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
	"syscall"

	"k8s.io/klog/v2"
)

// setWorkerNice renices the calling thread. The worker goroutine locks its
// OS thread first so the priority sticks to it alone.
func setWorkerNice(nice int, modelName string) {
	tid := syscall.Gettid()
	if err := syscall.Setpriority(syscall.PRIO_PROCESS, tid, nice); err == nil {
		klog.V(1).Infof("Starting dynamic-batcher thread for %s at nice %d...", modelName, nice)
	} else {
		klog.V(1).Infof("Starting dynamic-batcher thread for %s at default nice (requested nice %d failed)...",
			modelName, nice)
	}
}
