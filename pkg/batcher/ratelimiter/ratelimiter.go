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

// Package ratelimiter provides the default in-process admission controller
// for sealed payloads: a fixed number of execution slots per model with
// optional token-bucket pacing of payload starts.
package ratelimiter

import (
	"context"
	"fmt"
	"sync"

	"github.com/gammazero/deque"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/matrixinfer-ai/infer-batcher/pkg/batcher"
)

// ExecuteFn runs one payload on the backend. It is invoked with the payload
// in the EXECUTING state and must not retain the request slice.
type ExecuteFn func(payload *batcher.Payload)

// Config tunes the local rate limiter.
type Config struct {
	// SlotsPerModel is the number of payloads a model may have in flight;
	// values below 1 are normalized to 1.
	SlotsPerModel int `json:"slots_per_model,omitempty"`
	// PayloadsPerSecond paces payload starts; 0 disables pacing.
	PayloadsPerSecond float64 `json:"payloads_per_second,omitempty"`
	// Burst is the pacing burst size; values below 1 are normalized to 1.
	Burst int `json:"burst,omitempty"`
}

type queuedPayload struct {
	model   string
	payload *batcher.Payload
}

// Local implements batcher.RateLimiter with in-process slots. Payloads are
// started in arrival order as slots free up.
type Local struct {
	execute ExecuteFn
	slots   int
	limiter *rate.Limiter

	mu      sync.Mutex
	cond    *sync.Cond
	inUse   map[string]int
	pending deque.Deque[queuedPayload]
	closed  bool
	done    chan struct{}
}

var _ batcher.RateLimiter = &Local{}

// NewLocal builds the rate limiter and starts its dispatcher.
func NewLocal(cfg Config, execute ExecuteFn) *Local {
	slots := cfg.SlotsPerModel
	if slots < 1 {
		slots = 1
	}
	var limiter *rate.Limiter
	if cfg.PayloadsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.PayloadsPerSecond), burst)
	}
	l := &Local{
		execute: execute,
		slots:   slots,
		limiter: limiter,
		inUse:   make(map[string]int),
		done:    make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.dispatch()
	return l
}

// GetPayload allocates an empty payload for the scheduler to fill.
func (l *Local) GetPayload(op batcher.PayloadOperation, instance *batcher.ModelInstance) *batcher.Payload {
	return batcher.NewPayload(op, instance)
}

// PayloadSlotAvailable reports whether the model can start another payload.
func (l *Local) PayloadSlotAvailable(model string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse[model] < l.slots
}

// EnqueuePayload admits a sealed payload for execution.
func (l *Local) EnqueuePayload(model string, payload *batcher.Payload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("rate limiter is shut down")
	}
	l.pending.PushBack(queuedPayload{model: model, payload: payload})
	l.cond.Signal()
	return nil
}

// dispatch starts pending payloads as slots free up, in arrival order.
func (l *Local) dispatch() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for !l.closed && (l.pending.Len() == 0 || l.inUse[l.headModel()] >= l.slots) {
			l.cond.Wait()
		}
		if l.closed && l.pending.Len() == 0 {
			l.mu.Unlock()
			return
		}
		qp := l.pending.PopFront()
		l.inUse[qp.model]++
		l.mu.Unlock()

		if l.limiter != nil {
			if err := l.limiter.Wait(context.Background()); err != nil {
				klog.Errorf("Payload pacing wait failed: %v", err)
			}
		}
		go l.run(qp)
	}
}

// headModel returns the model of the frontmost pending payload. Callers
// hold mu with a non-empty queue, except as the degenerate "" key.
func (l *Local) headModel() string {
	if l.pending.Len() == 0 {
		return ""
	}
	return l.pending.Front().model
}

// run executes one payload and releases its slot.
func (l *Local) run(qp queuedPayload) {
	p := qp.payload
	em := p.ExecMutex()
	em.Lock()
	p.SetState(batcher.PayloadStateExecuting)
	em.Unlock()

	l.execute(p)

	em.Lock()
	p.SetState(batcher.PayloadStateReleased)
	em.Unlock()

	l.mu.Lock()
	l.inUse[qp.model]--
	l.cond.Signal()
	l.mu.Unlock()

	if cb := p.Callback(); cb != nil {
		cb()
	}
}

// Close stops admitting payloads and waits for the dispatcher. Payloads
// already started complete normally.
func (l *Local) Close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
	<-l.done
}
