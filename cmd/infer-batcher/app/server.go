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
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/matrixinfer-ai/infer-batcher/pkg/batcher"
	"github.com/matrixinfer-ai/infer-batcher/pkg/batcher/cache"
	"github.com/matrixinfer-ai/infer-batcher/pkg/batcher/ratelimiter"
)

type options struct {
	configPath string
	addr       string
	slots      int
	cacheSize  int
	redisAddr  string
}

// NewBatcherCommand builds the infer-batcher daemon command.
func NewBatcherCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "infer-batcher",
		Short: "Dynamic batch scheduler daemon for inference serving",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "config.yaml", "Path to the scheduler configuration file")
	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "Listen address of the HTTP surface")
	cmd.Flags().IntVar(&opts.slots, "slots", 2, "Execution slots per model")
	cmd.Flags().IntVar(&opts.cacheSize, "cache-size", 1024, "Capacity of the local response cache")
	cmd.Flags().StringVar(&opts.redisAddr, "redis-addr", "", "Use a redis response cache at this address instead of the local one")

	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	cmd.Flags().AddGoFlagSet(fs)
	return cmd
}

func run(opts *options) error {
	cfg, err := batcher.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}

	// The loopback executor echoes inputs back as outputs. A real backend
	// connector replaces it behind the same ExecuteFn contract.
	limiter := ratelimiter.NewLocal(ratelimiter.Config{SlotsPerModel: opts.slots}, loopbackExecute)
	defer limiter.Close()

	schedOpts := []batcher.Option{}
	if cfg.ResponseCacheEnabled {
		respCache, err := newResponseCache(opts)
		if err != nil {
			return err
		}
		schedOpts = append(schedOpts, batcher.WithResponseCache(respCache))
	}
	sched, err := batcher.New(*cfg, limiter, schedOpts...)
	if err != nil {
		return err
	}
	defer sched.Shutdown()

	router := newRouter(sched)
	server := &http.Server{Addr: opts.addr, Handler: router}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalCh
		klog.Infof("Shutting down infer-batcher...")
		_ = server.Close()
	}()

	klog.Infof("infer-batcher serving model %s on %s", sched.ModelName(), opts.addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func newResponseCache(opts *options) (batcher.ResponseCache, error) {
	if opts.redisAddr != "" {
		return cache.NewRedis(cache.RedisConfig{Address: opts.redisAddr})
	}
	return cache.NewLocal(opts.cacheSize)
}

// loopbackExecute is the stand-in backend: each request's inputs are echoed
// back as its outputs.
func loopbackExecute(payload *batcher.Payload) {
	for _, req := range payload.Requests() {
		outputs := make([]*batcher.OutputTensor, 0, len(req.Inputs))
		for _, in := range req.Inputs {
			outputs = append(outputs, &batcher.OutputTensor{Name: in.Name, Shape: in.Shape, Data: in.Data})
		}
		req.SendResponse(&batcher.InferenceResponse{RequestID: req.ID, Outputs: outputs}, batcher.ResponseFlagFinal)
	}
}

func wrapPrometheus() http.Handler { return promhttp.Handler() }
