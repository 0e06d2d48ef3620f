package relayer

import (
	"context"
	"sort"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Counter names exported both to OpenTelemetry and through Snapshot.
const (
	CounterRequestsTotal          = "requests_total"
	CounterRequestsClaimAttest    = "requests_claim_attest"
	CounterRequestsIntentAttest   = "requests_intent_attest"
	CounterVerifySuccess          = "verify_success"
	CounterVerifyFail             = "verify_fail"
	CounterDuplicateRejected      = "duplicate_rejected"
	CounterThresholdMet           = "threshold_met"
	CounterOnchainSubmitSuccess   = "onchain_submit_success"
	CounterOnchainSubmitFail      = "onchain_submit_fail"
	CounterExecutionSuccess       = "execution_success"
	CounterExecutionFail          = "execution_fail"
	CounterExecutionPreflightFail = "execution_preflight_fail"
	CounterEpochTick              = "epoch_tick_result"
)

var counterNames = []string{
	CounterRequestsTotal,
	CounterRequestsClaimAttest,
	CounterRequestsIntentAttest,
	CounterVerifySuccess,
	CounterVerifyFail,
	CounterDuplicateRejected,
	CounterThresholdMet,
	CounterOnchainSubmitSuccess,
	CounterOnchainSubmitFail,
	CounterExecutionSuccess,
	CounterExecutionFail,
	CounterExecutionPreflightFail,
	CounterEpochTick,
}

// Metrics counts relayer outcomes. Every increment goes to the global meter
// provider and to a process local tally that backs Snapshot.
type Metrics struct {
	meter    metric.Meter
	counters map[string]metric.Int64Counter
	local    *xsync.Map[string, *xsync.Counter]
}

func NewMetrics() *Metrics {
	m := &Metrics{
		meter:    otel.Meter("openfunderse.relayer"),
		counters: make(map[string]metric.Int64Counter, len(counterNames)),
		local:    xsync.NewMap[string, *xsync.Counter](),
	}
	for _, name := range counterNames {
		m.local.Store(name, xsync.NewCounter())
		c, err := m.meter.Int64Counter("relayer."+name, metric.WithUnit("{event}"))
		if err != nil {
			logrus.WithError(err).Warnf("failed to create counter %s", name)
			continue
		}
		m.counters[name] = c
	}
	return m
}

// Inc adds one to the named counter.
func (m *Metrics) Inc(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	if c, ok := m.counters[name]; ok {
		c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if counter, ok := m.local.Load(name); ok {
		counter.Inc()
	}
}

// Snapshot returns the process local value of every counter.
func (m *Metrics) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(counterNames))
	for _, name := range counterNames {
		out[name] = 0
	}
	m.local.Range(func(name string, c *xsync.Counter) bool {
		out[name] = c.Value()
		return true
	})
	return out
}

// Names lists the counters in a stable order.
func (m *Metrics) Names() []string {
	names := append([]string(nil), counterNames...)
	sort.Strings(names)
	return names
}
