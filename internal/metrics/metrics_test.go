package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegisterOnPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.Invocations.WithLabelValues("machine:getAll", "ok").Inc()
	c.Rejected.WithLabelValues("unknown_channel").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Invocations.WithLabelValues("machine:getAll", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Rejected.WithLabelValues("unknown_channel")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// A second set on a fresh registry must not panic.
	New(prometheus.NewRegistry())
}
