package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/hogpipe"
	"github.com/stretchr/testify/require"
)

type captureProducer struct {
	mu      sync.Mutex
	batches [][]AppMetric
	err     error
}

func (p *captureProducer) Produce(ctx context.Context, metrics []AppMetric) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	batch := make([]AppMetric, len(metrics))
	copy(batch, metrics)
	p.batches = append(p.batches, batch)
	return nil
}

func (p *captureProducer) all() []AppMetric {
	p.mu.Lock()
	defer p.mu.Unlock()
	var all []AppMetric
	for _, batch := range p.batches {
		all = append(all, batch...)
	}
	return all
}

func TestFlusherFlushesWhenFull(t *testing.T) {
	producer := &captureProducer{}
	flusher, err := NewFlusher(FlusherOptions{
		Producer:      producer,
		BufferSize:    3,
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)
	defer flusher.Close()

	for i := 0; i < 2; i++ {
		flusher.Record(AppMetric{TeamID: 1, FunctionID: "fn-1", Name: hogpipe.MetricSucceeded, Count: 1})
	}
	require.Empty(t, producer.all())

	flusher.Record(AppMetric{TeamID: 1, FunctionID: "fn-1", Name: hogpipe.MetricSucceeded, Count: 1})
	require.Len(t, producer.all(), 3)
}

func TestFlusherFlushesOnInterval(t *testing.T) {
	producer := &captureProducer{}
	flusher, err := NewFlusher(FlusherOptions{
		Producer:      producer,
		BufferSize:    1000,
		FlushInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer flusher.Close()

	flusher.Record(AppMetric{TeamID: 1, FunctionID: "fn-1", Name: hogpipe.MetricFiltered, Count: 1})
	require.Eventually(t, func() bool {
		return len(producer.all()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCloseDrainsBuffer(t *testing.T) {
	producer := &captureProducer{}
	flusher, err := NewFlusher(FlusherOptions{
		Producer:      producer,
		BufferSize:    1000,
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)

	flusher.Record(AppMetric{TeamID: 1, FunctionID: "fn-1", Name: hogpipe.MetricSucceeded, Count: 1})
	flusher.Close()
	require.Len(t, producer.all(), 1)

	// Records after close are dropped, not panics.
	flusher.Record(AppMetric{TeamID: 1, FunctionID: "fn-1", Name: hogpipe.MetricSucceeded, Count: 1})
	flusher.Close()
	require.Len(t, producer.all(), 1)
}

func TestFlushFailureIsNonFatal(t *testing.T) {
	producer := &captureProducer{err: errors.New("broker down")}
	flusher, err := NewFlusher(FlusherOptions{
		Producer:      producer,
		BufferSize:    1,
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)
	defer flusher.Close()

	flusher.Record(AppMetric{TeamID: 1, FunctionID: "fn-1", Name: hogpipe.MetricFailed, Count: 1})

	// The sink recovers and later metrics still flow.
	producer.mu.Lock()
	producer.err = nil
	producer.mu.Unlock()
	flusher.Record(AppMetric{TeamID: 1, FunctionID: "fn-1", Name: hogpipe.MetricSucceeded, Count: 1})
	require.Len(t, producer.all(), 1)
	require.Equal(t, hogpipe.MetricSucceeded, producer.all()[0].Name)
}

func TestFromResult(t *testing.T) {
	inv := hogpipe.NewInvocation(hogpipe.InvocationOptions{TeamID: 7, FunctionID: "fn-9"})
	result := hogpipe.NewInvocationResult(inv)
	result.Count(hogpipe.MetricSucceeded)
	result.Count(hogpipe.MetricFiltered)
	result.Count(hogpipe.MetricMaxAsyncStepsReached)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	metrics := FromResult(result, at)
	require.Len(t, metrics, 3)

	kinds := map[string]string{}
	for _, metric := range metrics {
		require.Equal(t, 7, metric.TeamID)
		require.Equal(t, "fn-9", metric.FunctionID)
		require.Equal(t, at, metric.Timestamp)
		kinds[metric.Name] = metric.Kind
	}
	require.Equal(t, KindSuccess, kinds[hogpipe.MetricSucceeded])
	require.Equal(t, KindOther, kinds[hogpipe.MetricFiltered])
	require.Equal(t, KindFailure, kinds[hogpipe.MetricMaxAsyncStepsReached])
}

func TestFromResultForFlows(t *testing.T) {
	inv := hogpipe.NewInvocation(hogpipe.InvocationOptions{TeamID: 7, FlowID: "flow-1"})
	result := hogpipe.NewInvocationResult(inv)
	result.Count(hogpipe.MetricSucceeded)

	metrics := FromResult(result, time.Now())
	require.Len(t, metrics, 1)
	require.Equal(t, "flow-1", metrics[0].FunctionID)
}
