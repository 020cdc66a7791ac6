// Package metrics batches per-function app metrics toward an external
// producer, typically a message-queue topic consumed by the analytics
// pipeline. Flushing is best-effort: a failed flush is logged and dropped,
// never fatal to the execution path that recorded the metric.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/hogpipe"
	"github.com/deepnoodle-ai/hogpipe/slogger"
)

// Metric kinds classify counter names for downstream aggregation.
const (
	KindSuccess = "success"
	KindFailure = "failure"
	KindOther   = "other"
)

// AppMetric is one named counter observation attributed to a function.
type AppMetric struct {
	TeamID     int       `json:"team_id"`
	FunctionID string    `json:"function_id"`
	Kind       string    `json:"kind"`
	Name       string    `json:"name"`
	Count      int       `json:"count"`
	Timestamp  time.Time `json:"timestamp"`
}

// Producer delivers a batch of metrics to the external sink.
type Producer interface {
	Produce(ctx context.Context, metrics []AppMetric) error
}

// FromResult converts an invocation result's counters into metrics.
func FromResult(result *hogpipe.InvocationResult, at time.Time) []AppMetric {
	if result == nil || result.Invocation == nil {
		return nil
	}
	inv := result.Invocation
	functionID := inv.FunctionID
	if functionID == "" {
		functionID = inv.FlowID
	}
	var metrics []AppMetric
	for name, count := range result.Metrics {
		metrics = append(metrics, AppMetric{
			TeamID:     inv.TeamID,
			FunctionID: functionID,
			Kind:       kindOf(name),
			Name:       name,
			Count:      count,
			Timestamp:  at,
		})
	}
	return metrics
}

func kindOf(name string) string {
	switch name {
	case hogpipe.MetricSucceeded:
		return KindSuccess
	case hogpipe.MetricFailed, hogpipe.MetricFilteringFailed, hogpipe.MetricMaxAsyncStepsReached:
		return KindFailure
	default:
		return KindOther
	}
}

// FlusherOptions configures a Flusher.
type FlusherOptions struct {
	Producer Producer
	Logger   slogger.Logger

	// BufferSize triggers a flush when the buffer reaches it.
	BufferSize int

	// FlushInterval triggers a flush periodically regardless of buffer fill.
	FlushInterval time.Duration

	Now func() time.Time
}

// Flusher buffers metrics and flushes them by size or interval. Close drains
// the buffer before returning.
type Flusher struct {
	producer Producer
	logger   slogger.Logger
	size     int
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	buffer []AppMetric
	closed bool

	stop chan struct{}
	done chan struct{}
}

// NewFlusher creates a Flusher and starts its background flush loop.
func NewFlusher(opts FlusherOptions) (*Flusher, error) {
	if opts.Producer == nil {
		return nil, fmt.Errorf("producer is required")
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	f := &Flusher{
		producer: opts.Producer,
		logger:   opts.Logger,
		size:     opts.BufferSize,
		interval: opts.FlushInterval,
		now:      opts.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go f.loop()
	return f, nil
}

// Record buffers one metric. A full buffer flushes inline.
func (f *Flusher) Record(metric AppMetric) {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = f.now()
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.buffer = append(f.buffer, metric)
	full := len(f.buffer) >= f.size
	f.mu.Unlock()
	if full {
		f.Flush(context.Background())
	}
}

// RecordResult buffers all counters from one invocation result.
func (f *Flusher) RecordResult(result *hogpipe.InvocationResult) {
	for _, metric := range FromResult(result, f.now()) {
		f.Record(metric)
	}
}

// Flush delivers the buffered metrics now. Delivery failures are logged and
// the batch dropped; the execution path never blocks on the sink.
func (f *Flusher) Flush(ctx context.Context) {
	f.mu.Lock()
	batch := f.buffer
	f.buffer = nil
	f.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := f.producer.Produce(ctx, batch); err != nil {
		f.logger.Warn("failed to flush app metrics", "count", len(batch), "error", err)
	}
}

// Close stops the flush loop and drains the buffer.
func (f *Flusher) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	close(f.stop)
	<-f.done
}

func (f *Flusher) loop() {
	defer close(f.done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.Flush(context.Background())
		case <-f.stop:
			f.Flush(context.Background())
			return
		}
	}
}
