package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Delivered.Inc()
	m.Dropped.WithLabelValues("ttl").Add(2)
	m.StoredPayloads.Set(3)

	require.Equal(t, 1.0, testutil.ToFloat64(m.Delivered))
	require.Equal(t, 2.0, testutil.ToFloat64(m.Dropped.WithLabelValues("ttl")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.StoredPayloads))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := NewNop(), NewNop()
	a.Rebroadcasts.Inc()
	require.Equal(t, 0.0, testutil.ToFloat64(b.Rebroadcasts))
}
