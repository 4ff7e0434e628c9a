// Package fanout drives the dispatcher over a payload batch with a fixed
// number of workers and hands the ordered results to the recorder.
package fanout

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/core"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/recorder"
	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/types"
)

const DefaultWorkers = 3

// ProgressFunc is called after each dispatch completes. It may be called
// from several workers at once.
type ProgressFunc func(done, total int)

type Engine struct {
	dispatcher core.Dispatcher
	recorder   *recorder.Recorder
	telemetry  core.Telemetry
	logger     *logger.Logger
	workers    int
	progress   ProgressFunc
}

type Option func(*Engine)

func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) { e.progress = fn }
}

func WithTelemetry(t core.Telemetry) Option {
	return func(e *Engine) { e.telemetry = t }
}

func WithLogger(log *logger.Logger) Option {
	return func(e *Engine) { e.logger = log.WithComponent("fanout") }
}

func New(dispatcher core.Dispatcher, rec *recorder.Recorder, opts ...Option) *Engine {
	e := &Engine{
		dispatcher: dispatcher,
		recorder:   rec,
		logger:     logger.NewNop(),
		workers:    DefaultWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch sends every payload to endpoint. results[i] always belongs to
// payloads[i]. A failed dispatch does not stop the batch.
func (e *Engine) Dispatch(ctx context.Context, payloads []types.Payload, endpoint types.Endpoint) []types.DispatchResult {
	results := make([]types.DispatchResult, len(payloads))
	if len(payloads) == 0 {
		return results
	}

	tasks := make(chan int, len(payloads))
	for i := range payloads {
		tasks <- i
	}
	close(tasks)

	workers := e.workers
	if workers > len(payloads) {
		workers = len(payloads)
	}

	total := len(payloads)
	var done int64
	g := new(errgroup.Group)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := range tasks {
				p := payloads[i]
				results[i] = e.dispatcher.Dispatch(ctx, types.Request{
					Method:  p.Method,
					URL:     JoinURL(endpoint.BaseURL, p.URL),
					Headers: p.Headers,
					Body:    p.Data,
				})
				if e.telemetry != nil {
					e.telemetry.RecordDispatch(ctx, endpoint.Name, results[i])
				}
				n := atomic.AddInt64(&done, 1)
				if e.progress != nil {
					e.progress(int(n), total)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// FanOut dispatches one test case against one endpoint and records the
// outcome.
func (e *Engine) FanOut(ctx context.Context, tc types.TestCase, payloads []types.Payload, endpoint types.Endpoint) ([]types.ResultRecord, error) {
	start := time.Now()
	log := e.logger.WithWAF(endpoint.Name).WithFields("dataset", tc.Dataset, "test_name", tc.Name)
	log.Debugw("Starting fan-out", "payloads", len(payloads), "workers", e.workers)

	if e.telemetry != nil {
		e.telemetry.RecordFanOut(ctx, endpoint.Name, tc.Dataset, len(payloads))
	}

	results := e.Dispatch(ctx, payloads, endpoint)

	records, err := e.recorder.Record(ctx, payloads, endpoint, results, tc.Name, tc.Dataset)
	if err != nil {
		return nil, err
	}

	var blocked, failed int
	for _, r := range results {
		switch r.Outcome() {
		case types.OutcomeBlocked:
			blocked++
		case types.OutcomeFailed:
			failed++
		}
	}
	log.Infow("Fan-out completed",
		"payloads", len(payloads),
		"blocked", blocked,
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return records, nil
}

// JoinURL appends a payload path to a base URL as plain concatenation, so
// payload bytes reach the WAF untouched. A base ending in "/" yields "//" at
// the seam; registry validation warns about such bases.
func JoinURL(base, path string) string {
	return base + path
}
