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

// Package batcher implements a dynamic batch scheduler for inference
// serving: per-client requests for a single model are briefly queued and
// assembled into batches a model instance can execute as one call, without
// violating per-request latency budgets.
package batcher

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"k8s.io/klog/v2"

	"github.com/matrixinfer-ai/infer-batcher/pkg/batcher/metrics"
)

// RateLimiter owns execution slots and ultimately drives backend inference.
// The scheduler hands sealed payloads to it and asks it for slot
// availability when deciding whether to wake the batcher.
type RateLimiter interface {
	GetPayload(op PayloadOperation, instance *ModelInstance) *Payload
	EnqueuePayload(model string, payload *Payload) error
	PayloadSlotAvailable(model string) bool
}

// ResponseCache is a content-addressed store of inference responses. A nil
// response with a nil error from Lookup is a miss. Insert returns
// ErrAlreadyExists when the key is present, which marks an idempotent hit.
type ResponseCache interface {
	Hash(req *Request) (string, error)
	Lookup(key string) (*InferenceResponse, error)
	Insert(resp *InferenceResponse, key string) error
}

// CustomBatcher lets a model narrow batch membership beyond size and shape.
// Init runs at new-payload time and returns opaque per-payload state,
// Include is queried per candidate request during the scan, and Fini runs
// before payload dispatch and on cursor reset.
type CustomBatcher interface {
	Init() (any, error)
	Include(req *Request, state any) (bool, error)
	Fini(state any) error
}

// Option configures optional scheduler collaborators.
type Option func(*DynamicBatchScheduler)

// WithResponseCache enables the response cache backend. It only takes effect
// when the configuration also sets response_cache_enabled.
func WithResponseCache(c ResponseCache) Option {
	return func(s *DynamicBatchScheduler) { s.cache = c }
}

// WithCustomBatcher installs the custom batching hooks.
func WithCustomBatcher(b CustomBatcher) Option {
	return func(s *DynamicBatchScheduler) { s.customBatcher = b }
}

// WithModelInstance pins the model instance payloads are formed for.
func WithModelInstance(mi *ModelInstance) Option {
	return func(s *DynamicBatchScheduler) { s.modelInstance = mi }
}

const defaultIdleWait = 500 * time.Millisecond

// DynamicBatchScheduler accepts per-client inference requests for a single
// model and, by briefly queueing them, assembles batches a model instance
// can execute as one call.
type DynamicBatchScheduler struct {
	modelName     string
	modelInstance *ModelInstance

	dynamicBatchingEnabled bool
	maxBatchSize           int
	preferredBatchSizes    map[int]bool
	preferredSorted        []int
	maxPreferredBatchSize  int
	maxQueueDelay          time.Duration
	preserveOrdering       bool
	responseCacheEnabled   bool
	enforceEqualShape      map[string]bool
	hasOptionalInput       bool

	rateLimiter   RateLimiter
	cache         ResponseCache
	customBatcher CustomBatcher

	// mu guards the queue and the mutable batching state below. It sits
	// below finalizeMu and above the payload exec mutex in the lock order.
	mu   sync.Mutex
	cond *sync.Cond

	queue                  *PriorityQueue
	queuedBatchSize        int
	pendingBatchSize       int
	nextPreferredBatchSize int
	payloadSaturated       bool
	currPayload            *Payload

	stop atomic.Bool
	exit atomic.Bool
	done chan struct{}

	finalizeMu        sync.Mutex
	completionQueueMu sync.Mutex
	completionQueue   deque.Deque[*completionSlot]
}

// New builds the scheduler and, when dynamic batching is enabled, starts the
// batcher worker.
func New(cfg Config, limiter RateLimiter, opts ...Option) (*DynamicBatchScheduler, error) {
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter must be provided")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &DynamicBatchScheduler{
		modelName:              cfg.ModelName,
		dynamicBatchingEnabled: cfg.DynamicBatchingEnabled,
		maxBatchSize:           cfg.MaxBatchSize,
		preferredBatchSizes:    make(map[int]bool, len(cfg.PreferredBatchSizes)),
		maxQueueDelay:          time.Duration(cfg.MaxQueueDelayMicroseconds) * time.Microsecond,
		preserveOrdering:       cfg.PreserveOrdering,
		enforceEqualShape:      cfg.EnforceEqualShapeTensors,
		hasOptionalInput:       cfg.HasOptionalInput,
		rateLimiter:            limiter,
		queue:                  NewPriorityQueue(cfg.DefaultQueuePolicy, cfg.PriorityLevels, cfg.PriorityQueuePolicies),
		done:                   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, size := range cfg.PreferredBatchSizes {
		if !s.preferredBatchSizes[size] {
			s.preferredBatchSizes[size] = true
			s.preferredSorted = append(s.preferredSorted, size)
		}
		if size > s.maxPreferredBatchSize {
			s.maxPreferredBatchSize = size
		}
	}
	sort.Ints(s.preferredSorted)
	for _, o := range opts {
		o(s)
	}
	s.responseCacheEnabled = cfg.ResponseCacheEnabled && s.cache != nil
	if s.dynamicBatchingEnabled {
		s.newPayload()
		go s.batcherLoop(cfg.Nice)
	} else {
		close(s.done)
	}
	return s, nil
}

// ModelName returns the model this scheduler batches for.
func (s *DynamicBatchScheduler) ModelName() string { return s.modelName }

// Stop makes Enqueue reject new requests with ErrUnavailable. In-flight
// payloads complete normally.
func (s *DynamicBatchScheduler) Stop() { s.stop.Store(true) }

// Shutdown stops accepting requests, signals the worker to exit, and waits
// for it. Queued requests are abandoned with the queue.
func (s *DynamicBatchScheduler) Shutdown() {
	s.stop.Store(true)
	s.exit.Store(true)
	s.cond.Broadcast()
	<-s.done
}

// Enqueue accepts a request for scheduling. On success the scheduler takes
// ownership; responses arrive through the request's OnResponse callback.
func (s *DynamicBatchScheduler) Enqueue(req *Request) error {
	if s.stop.Load() {
		metrics.RecordRejection(s.modelName, metrics.ReasonStopped)
		return fmt.Errorf("%w: scheduler for model %s has stopped", ErrUnavailable, s.modelName)
	}
	// The queue timer starts here unless an outer batcher already started
	// it; the batcher timer is always (re)captured.
	if req.queueStart.IsZero() {
		req.queueStart = time.Now()
	}
	req.batcherStart = time.Now()

	if s.responseCacheEnabled {
		if cached := s.cacheLookup(req); cached != nil {
			if s.preserveOrdering {
				s.delegateResponse(req)
			}
			req.SendResponse(cached, ResponseFlagFinal)
			return nil
		}
	}

	if !s.dynamicBatchingEnabled {
		if s.preserveOrdering || s.responseCacheEnabled {
			s.delegateResponse(req)
		}
		payload := s.rateLimiter.GetPayload(PayloadOperationInferRun, nil)
		payload.AddRequest(req)
		payload.SetState(PayloadStateReady)
		return s.rateLimiter.EnqueuePayload(s.modelName, payload)
	}

	wake := true
	s.mu.Lock()
	s.queuedBatchSize += int(req.effectiveBatchSize())
	evicted, err := s.queue.Enqueue(req.Priority, req)
	if err != nil {
		s.queuedBatchSize -= int(req.effectiveBatchSize())
		s.mu.Unlock()
		metrics.RecordRejection(s.modelName, metrics.ReasonOverflow)
		return err
	}
	s.queuedBatchSize -= int(evicted)
	metrics.PendingRequests.WithLabelValues(s.modelName).Set(float64(s.queue.Size()))

	// Wake the batcher only when a payload slot exists; without shape
	// checks we additionally require the queue to have grown enough to
	// matter, reducing spurious wakeups.
	wake = s.rateLimiter.PayloadSlotAvailable(s.modelName)
	if len(s.enforceEqualShape) == 0 {
		em := s.currPayload.ExecMutex()
		em.Lock()
		state := s.currPayload.GetState()
		em.Unlock()
		wake = wake && (s.payloadSaturated || isStaleState(state) ||
			s.queuedBatchSize >= s.nextPreferredBatchSize)
	}
	s.mu.Unlock()

	if wake {
		s.cond.Signal()
	}
	return nil
}

// newPayload allocates a fresh payload from the rate limiter and
// re-initializes custom batching state. Callers hold mu.
func (s *DynamicBatchScheduler) newPayload() {
	s.currPayload = s.rateLimiter.GetPayload(PayloadOperationInferRun, s.modelInstance)
	s.payloadSaturated = false
	s.customBatchInit()
}

// condWaitTimeout waits on the condition variable for at most d. Callers
// hold mu. Spurious wakeups are fine; the loop re-checks its state.
func (s *DynamicBatchScheduler) condWaitTimeout(d time.Duration) {
	t := time.AfterFunc(d, s.cond.Broadcast)
	s.cond.Wait()
	t.Stop()
}

// batcherLoop is the single background worker driving batch formation.
func (s *DynamicBatchScheduler) batcherLoop(nice int) {
	defer close(s.done)

	// The nice value only sticks when the goroutine stays on one thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	setWorkerNice(nice, s.modelName)

	delayCnt := delaySchedulerCount()
	if delayCnt > 0 {
		klog.V(1).Infof("Delaying batcher thread for %s until %d queued requests...", s.modelName, delayCnt)
	}

	for !s.exit.Load() {
		var rejected [][]*Request
		var wait time.Duration

		s.mu.Lock()
		em := s.currPayload.ExecMutex()
		em.Lock()
		if s.payloadSaturated || isStaleState(s.currPayload.GetState()) {
			s.newPayload()
			s.nextPreferredBatchSize = 0
		}
		em.Unlock()

		if delayCnt > 0 {
			if s.queue.Size() >= delayCnt {
				delayCnt = 0
			} else {
				wait = 10 * time.Millisecond
			}
			klog.V(1).Infof("Delaying batcher thread %s until %d queued requests, current total = %d",
				s.modelName, delayCnt, s.queue.Size())
		} else if s.queue.Empty() {
			wait = defaultIdleWait
		} else {
			if s.payloadSaturated {
				s.mu.Unlock()
				continue
			}
			for !s.exit.Load() && !s.rateLimiter.PayloadSlotAvailable(s.modelName) {
				s.cond.Wait()
			}
			if s.exit.Load() {
				s.mu.Unlock()
				break
			}

			em := s.currPayload.ExecMutex()
			em.Lock()
			if isStaleState(s.currPayload.GetState()) {
				em.Unlock()
				s.mu.Unlock()
				continue
			}
			wait = s.getDynamicBatch()
			rejected = s.queue.ReleaseRejectedRequests()

			pendingCount := s.queue.PendingBatchCount()
			if wait == 0 && pendingCount != 0 {
				s.currPayload.ReserveRequests(pendingCount)
				now := time.Now()
				for i := 0; i < pendingCount; i++ {
					req, err := s.queue.Dequeue()
					if err != nil {
						// The queue disagrees with the pending batch count.
						// Send whatever has been added and reset.
						klog.Errorf("Failed to retrieve request from scheduler queue for model %s: %v",
							s.modelName, err)
						s.queue.ResetCursor()
						s.queuedBatchSize = 0
						s.pendingBatchSize = 0
						break
					}
					if s.preserveOrdering || s.responseCacheEnabled {
						s.delegateResponse(req)
					}
					metrics.RecordQueueDuration(s.modelName, now.Sub(req.batcherStart))
					s.currPayload.AddRequest(req)
				}
				if s.currPayload.GetState() == PayloadStateUninitialized {
					s.currPayload.SetState(PayloadStateReady)
				}
				s.queuedBatchSize -= s.pendingBatchSize
				s.pendingBatchSize = 0
				metrics.PendingRequests.WithLabelValues(s.modelName).Set(float64(s.queue.Size()))
			}
			em.Unlock()
		}

		if wait > 0 {
			s.condWaitTimeout(wait)
		}
		s.mu.Unlock()

		if s.currPayload.GetState() == PayloadStateReady {
			s.currPayload.SetCallback(s.cond.Signal)
			em := s.currPayload.ExecMutex()
			em.Lock()
			s.customBatchFini()
			em.Unlock()
			metrics.RecordDispatch(s.modelName, s.currPayload.BatchSize())
			if err := s.rateLimiter.EnqueuePayload(s.modelName, s.currPayload); err != nil {
				klog.Errorf("Failed to enqueue payload for model %s: %v", s.modelName, err)
			}
		}

		for _, level := range rejected {
			for _, req := range level {
				metrics.RecordRejection(s.modelName, metrics.ReasonTimeout)
				req.respondError(ErrTimeoutExpired)
			}
		}
	}
	klog.V(1).Infof("Stopping dynamic-batcher thread for %s...", s.modelName)
}
