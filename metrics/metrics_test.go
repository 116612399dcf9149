package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecord(t *testing.T) {
	registry := prometheus.NewRegistry()
	Register(registry)

	before := testutil.ToFloat64(collectiveCalls.WithLabelValues("bcast", "flat"))
	RecordCall("bcast", "flat", 100)
	RecordCall("bcast", "flat", 28)
	require.Equal(t, before+2, testutil.ToFloat64(collectiveCalls.WithLabelValues("bcast", "flat")))

	RecordDegradation("reduce", "scratch")
	require.GreaterOrEqual(t, testutil.ToFloat64(degradations.WithLabelValues("reduce", "scratch")), 1.0)

	SetRegionBytes(4096)
	require.Equal(t, 4096.0, testutil.ToFloat64(regionBytes))

	count, err := testutil.GatherAndCount(registry, "shmcoll_collective_calls_total")
	require.NoError(t, err)
	require.GreaterOrEqual(t, count, 1)
}
