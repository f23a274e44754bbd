package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics(reg)

	m.IncStage("sponsor", "ok")
	m.IncStage("sponsor", "ok")
	m.IncStage("submit", "error")
	m.IncSponsorRequest("unavailable")
	m.ObserveSponsorAttempts(2)
	m.ObserveStageDuration("sign", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.stageTotal.WithLabelValues("sponsor", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageTotal.WithLabelValues("submit", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sponsorRequests.WithLabelValues("unavailable")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "ap_userop_stage_total")
	assert.Contains(t, names, "ap_sponsor_attempts")
	assert.Contains(t, names, "ap_userop_stage_duration_seconds")
}

func TestEnsureRecorder(t *testing.T) {
	assert.Equal(t, NoopMetrics{}, EnsureRecorder(nil))

	m := NewPipelineMetrics(prometheus.NewRegistry())
	assert.Same(t, m, EnsureRecorder(m))
}
