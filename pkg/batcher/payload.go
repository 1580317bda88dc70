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

import "sync"

// PayloadState tracks the lifecycle of a forming or dispatched batch.
type PayloadState int

const (
	PayloadStateUninitialized PayloadState = iota
	PayloadStateReady
	PayloadStateExecuting
	PayloadStateReleased
)

func (s PayloadState) String() string {
	switch s {
	case PayloadStateUninitialized:
		return "UNINITIALIZED"
	case PayloadStateReady:
		return "READY"
	case PayloadStateExecuting:
		return "EXECUTING"
	case PayloadStateReleased:
		return "RELEASED"
	default:
		return "UNKNOWN"
	}
}

// isStaleState reports whether a payload may no longer be modified; the
// scheduler allocates a fresh payload instead.
func isStaleState(s PayloadState) bool {
	return s == PayloadStateExecuting || s == PayloadStateReleased
}

// PayloadOperation tells the rate limiter what a payload carries.
type PayloadOperation int

const (
	PayloadOperationInferRun PayloadOperation = iota
	PayloadOperationExit
)

// ModelInstance identifies the model instance a payload is formed for. The
// scheduler treats it as opaque routing information for the rate limiter.
type ModelInstance struct {
	Name  string
	Index int
}

// Payload is a batch in formation or ready for execution. The scheduler owns
// it until handoff to the rate limiter; afterwards state transitions are
// driven by the rate limiter under the payload's exec mutex.
type Payload struct {
	op       PayloadOperation
	instance *ModelInstance

	execMu sync.Mutex

	// The fields below are guarded by execMu once the payload is shared with
	// the rate limiter.
	state     PayloadState
	requests  []*Request
	batchSize int
	saturated bool
	callback  func()

	requiredEqualInputs RequiredEqualInputs
	userState           any
}

// NewPayload creates an empty payload in the UNINITIALIZED state.
func NewPayload(op PayloadOperation, instance *ModelInstance) *Payload {
	return &Payload{op: op, instance: instance}
}

// Operation returns the payload's operation kind.
func (p *Payload) Operation() PayloadOperation { return p.op }

// Instance returns the model instance the payload was formed for, if any.
func (p *Payload) Instance() *ModelInstance { return p.instance }

// ExecMutex returns the payload-local execution mutex. It is the innermost
// lock: backend callbacks update payload state under it without blocking the
// scheduler's enqueue path.
func (p *Payload) ExecMutex() *sync.Mutex { return &p.execMu }

// AddRequest appends a request to the batch.
func (p *Payload) AddRequest(req *Request) {
	p.requests = append(p.requests, req)
	p.batchSize += int(req.effectiveBatchSize())
}

// Requests returns the batched requests in admission order.
func (p *Payload) Requests() []*Request { return p.requests }

// BatchSize returns the sum of the declared batch sizes of the requests.
func (p *Payload) BatchSize() int { return p.batchSize }

// ReserveRequests pre-sizes the request list for n upcoming additions.
func (p *Payload) ReserveRequests(n int) {
	if cap(p.requests)-len(p.requests) < n {
		grown := make([]*Request, len(p.requests), len(p.requests)+n)
		copy(grown, p.requests)
		p.requests = grown
	}
}

// GetState returns the payload state. Callers hold ExecMutex when the
// payload is shared.
func (p *Payload) GetState() PayloadState { return p.state }

// SetState transitions the payload state. Callers hold ExecMutex when the
// payload is shared.
func (p *Payload) SetState(s PayloadState) { p.state = s }

// MarkSaturated flags the payload as unable to accept further requests.
func (p *Payload) MarkSaturated() { p.saturated = true }

// Saturated reports whether the payload was marked saturated.
func (p *Payload) Saturated() bool { return p.saturated }

// MutableRequiredEqualInputs exposes the shape descriptor used to enforce
// equal input shapes across the batch.
func (p *Payload) MutableRequiredEqualInputs() *RequiredEqualInputs {
	return &p.requiredEqualInputs
}

// UserState returns the custom-batching state installed at Init time.
func (p *Payload) UserState() any { return p.userState }

// SetUserState installs or clears the custom-batching state.
func (p *Payload) SetUserState(s any) { p.userState = s }

// SetCallback installs the function the rate limiter invokes once the
// payload transitions out of EXECUTING.
func (p *Payload) SetCallback(fn func()) { p.callback = fn }

// Callback returns the installed release callback, or nil.
func (p *Payload) Callback() func() { return p.callback }
