package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsWithPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	m.Sent.Inc()
	m.Sent.Inc()
	m.QueueJobs.WithLabelValues("delayed").Set(4)
	m.JobFailures.WithLabelValues("true").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Sent))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.QueueJobs.WithLabelValues("delayed")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "dispatch_engine_dispatches_sent_total")
	assert.Contains(t, names, "dispatch_engine_queue_jobs")

	// a second set on another registry must not panic on duplicate registration
	assert.NotPanics(t, func() { NewMetricsWith(prometheus.NewRegistry()) })
}
