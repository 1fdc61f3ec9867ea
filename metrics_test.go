package docindex

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs, err := NewPrometheusObserver(reg, prometheus.Labels{"partition": "p0"})
	require.NoError(t, err)

	p := openOnline(t, t.TempDir(), t.TempDir(), WithMetrics(obs))
	require.NoError(t, p.BuildDocument(addDoc("a", 1)))
	require.NoError(t, p.BuildDocument(addDoc("b", 2)))
	require.Error(t, p.BuildDocument(addDoc("", 3)))
	require.NoError(t, p.DumpSegment(t.Context()))

	_, err = p.Reopen(t.Context(), false, 0)
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(obs.builds.WithLabelValues("add", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.builds.WithLabelValues("add", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.dumps.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.dumpedDocs))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.readers))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.reopens.WithLabelValues("NO_NEED_REOPEN", "OK")))

	// A second observer with the same labels cannot register.
	_, err = NewPrometheusObserver(reg, prometheus.Labels{"partition": "p0"})
	assert.Error(t, err)
}
