package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.BatchInitiated()
	m.ChunkUploaded(10)
	m.Commit("ok")
	m.Fragment(200)
	m.SetState(1, 2)
	m.ObserveRequest("GET", "/assets", 200, time.Millisecond)
}

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.BatchInitiated()
	m.BatchInitiated()
	m.ChunkUploaded(5)
	m.ChunkUploaded(7)
	m.Commit("ok")
	m.Commit("empty commit")
	m.Fragment(404)
	m.BatchesExpired(0)
	m.BatchesExpired(3)
	m.SetState(4, 99)

	require.Equal(t, 2.0, testutil.ToFloat64(m.batchesInitiated))
	require.Equal(t, 12.0, testutil.ToFloat64(m.chunkBytes))
	require.Equal(t, 1.0, testutil.ToFloat64(m.commits.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.fragments.WithLabelValues("4xx")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.batchesExpired))
	require.Equal(t, 4.0, testutil.ToFloat64(m.assets))
	require.Equal(t, 99.0, testutil.ToFloat64(m.bufferedBytes))
}
