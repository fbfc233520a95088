package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/grafana/sharedcache/blobcache"
)

func TestRecorderIncrementsLabeledCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorder(reg)

	rec.RecordHit(blobcache.CacheKey{Namespace: "traces"})
	rec.RecordHit(blobcache.CacheKey{Namespace: "traces"})
	rec.RecordMiss(blobcache.CacheKey{Namespace: "traces"})
	rec.RecordEviction(blobcache.CacheKey{Namespace: "traces"})
	rec.RecordDecay(3)

	m := &dto.Metric{}
	require.NoError(t, rec.Hits.WithLabelValues("traces").Write(m))
	require.Equal(t, float64(2), m.GetCounter().GetValue())

	m = &dto.Metric{}
	require.NoError(t, rec.RegionsDecayed.Write(m))
	require.Equal(t, float64(3), m.GetCounter().GetValue())
}
