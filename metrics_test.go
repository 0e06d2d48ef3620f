package relayer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	ctx := context.Background()

	snapshot := m.Snapshot()
	assert.Len(t, snapshot, len(m.Names()))
	for _, name := range m.Names() {
		assert.Zero(t, snapshot[name], name)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Inc(ctx, CounterVerifySuccess, attribute.String("subject_type", "CLAIM"))
		}()
	}
	wg.Wait()
	m.Inc(ctx, CounterThresholdMet)
	m.Inc(ctx, "not_a_counter")

	snapshot = m.Snapshot()
	assert.EqualValues(t, 50, snapshot[CounterVerifySuccess])
	assert.EqualValues(t, 1, snapshot[CounterThresholdMet])
	assert.NotContains(t, snapshot, "not_a_counter")
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() { m.Inc(context.Background(), CounterExecutionFail) })
}

func TestMetricsNamesSorted(t *testing.T) {
	names := NewMetrics().Names()
	assert.IsNonDecreasing(t, names)
	assert.Contains(t, names, CounterEpochTick)
}
