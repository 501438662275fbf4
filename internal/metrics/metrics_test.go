package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { Register(reg) })

	before := testutil.ToFloat64(hitsIngestedTotal)
	IncHitIngested()
	IncHitIngested()
	assert.Equal(t, before+2, testutil.ToFloat64(hitsIngestedTotal))

	IncConfigApply("reload")
	assert.GreaterOrEqual(t, testutil.ToFloat64(configAppliesTotal.WithLabelValues("reload")), 1.0)

	IncCertRequest("http", "success")
	assert.GreaterOrEqual(t, testutil.ToFloat64(certRequestsTotal.WithLabelValues("http", "success")), 1.0)
}
