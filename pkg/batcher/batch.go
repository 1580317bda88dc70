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

import "time"

// getDynamicBatch scans the queue at the cursor and decides how to grow the
// pending batch. It returns 0 to seal and dispatch now, or a positive wait
// after which the decision is reassessed. Callers hold mu and the current
// payload's exec mutex, and the queue is non-empty.
//
// Requests are examined in priority order. Hitting a preferred batch size
// seals immediately unless the queue delay is already exceeded; exceeding
// the maximum batch size or a shape mismatch is a hard stop.
func (s *DynamicBatchScheduler) getDynamicBatch() time.Duration {
	sendNow := false

	// If the previous pending batch was not executed, rescan the queue from
	// the start to find the ideal batch.
	if !s.queue.IsCursorValid() {
		s.queue.ResetCursor()
		s.pendingBatchSize = 0
		if s.customBatchEnabled() {
			s.customBatchFini()
			s.customBatchInit()
		}
	}
	bestPreferredBatchSize := 0
	s.queuedBatchSize -= int(s.queue.ApplyPolicyAtCursor())

	// With optional inputs or enforced shapes the inputs of every candidate
	// must be examined.
	checkInput := len(s.enforceEqualShape) > 0 || s.hasOptionalInput
	payloadBatchSize := s.currPayload.BatchSize()

	for !s.queue.CursorEnd() {
		req := s.queue.RequestAtCursor()
		batchSize := int(req.effectiveBatchSize())

		if payloadBatchSize+s.queue.PendingBatchCount() == 0 {
			// This request starts a new batch; capture its shapes.
			if checkInput {
				if err := s.currPayload.MutableRequiredEqualInputs().
					Initialize(req, s.enforceEqualShape, s.hasOptionalInput); err != nil {
					sendNow = true
					break
				}
			}
		} else {
			// Adding this request would overshoot every preferred size; mark
			// the cursor so the batch can be rewound here, but keep scanning
			// to observe delay and timeout effects.
			if s.maxPreferredBatchSize > 0 &&
				payloadBatchSize+s.pendingBatchSize+batchSize > s.maxPreferredBatchSize &&
				bestPreferredBatchSize == 0 {
				bestPreferredBatchSize = s.pendingBatchSize
				s.queue.MarkCursor()
				s.payloadSaturated = true
			}
			if payloadBatchSize+s.pendingBatchSize+batchSize > s.maxBatchSize {
				sendNow = true
				break
			}
			// A shape disagreement seals the pending batch as it is.
			if checkInput && !s.currPayload.MutableRequiredEqualInputs().HasEqualInputs(req) {
				s.currPayload.MarkSaturated()
				sendNow = true
				break
			}
		}

		if s.customBatchEnabled() && !s.customBatchIncl(req) {
			s.currPayload.MarkSaturated()
			sendNow = true
			break
		}

		s.pendingBatchSize += batchSize
		s.queue.AdvanceCursor()
		s.queuedBatchSize -= int(s.queue.ApplyPolicyAtCursor())

		if s.preferredBatchSizes[s.pendingBatchSize+payloadBatchSize] {
			bestPreferredBatchSize = s.pendingBatchSize
			s.queue.MarkCursor()
		}
	}

	now := time.Now()
	var delay time.Duration
	if oldest := s.queue.OldestEnqueueTime(); !oldest.IsZero() {
		delay = now.Sub(oldest)
	}
	delayIsExceeded := s.maxQueueDelay != 0 && delay >= s.maxQueueDelay

	// A preferred batch size was reached and the queue delay still permits
	// waiting for more: execute exactly that batch.
	if bestPreferredBatchSize != 0 && !delayIsExceeded {
		if s.maxQueueDelay == 0 {
			s.payloadSaturated = true
		}
		s.pendingBatchSize = bestPreferredBatchSize
		s.queue.SetCursorToMark()
		return 0
	}

	// Every queued request expired under a REJECT policy; nothing to
	// execute, the caller picks up the rejections.
	if s.queue.PendingBatchCount() == 0 {
		return 0
	}

	if sendNow || (s.maxPreferredBatchSize > 0 &&
		payloadBatchSize+s.pendingBatchSize >= s.maxPreferredBatchSize) {
		s.payloadSaturated = true
		return 0
	}

	if delayIsExceeded || s.maxQueueDelay == 0 {
		return 0
	}

	// Record the batch size at which an incoming request is worth waking
	// the batcher for.
	s.nextPreferredBatchSize = 0
	for _, size := range s.preferredSorted {
		if size > s.pendingBatchSize+payloadBatchSize {
			s.nextPreferredBatchSize = size
			break
		}
	}
	if s.nextPreferredBatchSize == 0 && len(s.preferredSorted) > 0 {
		s.nextPreferredBatchSize = s.preferredSorted[0]
	}
	if s.nextPreferredBatchSize != 0 {
		s.nextPreferredBatchSize -= payloadBatchSize
	}

	// A growable payload that is not at a preferred size is started rather
	// than held: the model instance should pick up the largest available
	// batch even when it is not preferred.
	if !s.payloadSaturated && payloadBatchSize != 0 &&
		!s.preferredBatchSizes[payloadBatchSize] {
		return 0
	}

	wait := s.maxQueueDelay - delay
	// Clamp the wait by the closest per-request timeout so an invalidated
	// pending batch is reset promptly.
	if closest := s.queue.ClosestTimeout(); !closest.IsZero() {
		if !now.After(closest) {
			if d := closest.Sub(now); d < wait {
				wait = d
			}
		} else {
			// A pending request already timed out; force a near-immediate
			// revisit to run the rejection path.
			wait = time.Microsecond
		}
	}
	return wait
}
