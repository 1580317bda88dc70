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

package app

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/matrixinfer-ai/infer-batcher/pkg/batcher"
)

type inferRequest struct {
	ID        string                 `json:"id,omitempty"`
	Priority  uint32                 `json:"priority,omitempty"`
	BatchSize uint32                 `json:"batch_size,omitempty"`
	TimeoutMs int64                  `json:"timeout_ms,omitempty"`
	Inputs    []*batcher.InputTensor `json:"inputs"`
}

type inferResponse struct {
	ID      string                  `json:"id"`
	Outputs []*batcher.OutputTensor `json:"outputs,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

func newRouter(sched *batcher.DynamicBatchScheduler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET("/metrics", gin.WrapH(wrapPrometheus()))
	router.POST("/v1/models/:model/infer", func(c *gin.Context) {
		handleInfer(c, sched)
	})
	return router
}

func handleInfer(c *gin.Context, sched *batcher.DynamicBatchScheduler) {
	body := &inferRequest{}
	if err := c.ShouldBindJSON(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if c.Param("model") != sched.ModelName() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown model"})
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}

	final := make(chan *batcher.InferenceResponse, 1)
	req := &batcher.Request{
		ID:        body.ID,
		Priority:  body.Priority,
		BatchSize: body.BatchSize,
		Inputs:    body.Inputs,
		Timeout:   time.Duration(body.TimeoutMs) * time.Millisecond,
		OnResponse: func(resp *batcher.InferenceResponse, flags uint32) {
			if flags&batcher.ResponseFlagFinal != 0 {
				final <- resp
			}
		},
	}

	if err := sched.Enqueue(req); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, batcher.ErrUnavailable):
			status = http.StatusServiceUnavailable
		case errors.Is(err, batcher.ErrOverflow):
			status = http.StatusTooManyRequests
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	resp := <-final
	out := inferResponse{ID: resp.RequestID, Outputs: resp.Outputs}
	if resp.Err != nil {
		out.Error = resp.Err.Error()
		c.JSON(http.StatusGatewayTimeout, out)
		return
	}
	c.JSON(http.StatusOK, out)
}
