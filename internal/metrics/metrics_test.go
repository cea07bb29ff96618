package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, m *Metrics) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestCollectorsRegistered(t *testing.T) {
	m := New()
	m.PricePoints.WithLabelValues("uniswap-v3").Add(3)
	m.Executions.WithLabelValues("success").Inc()
	m.TradingAllowed.Set(1)
	m.StageLatency.Observe(0.002)

	families := gather(t, m)
	pp := families["arbflow_price_points_total"]
	require.NotNil(t, pp)
	require.Len(t, pp.Metric, 1)
	assert.Equal(t, 3.0, pp.Metric[0].GetCounter().GetValue())
	assert.Equal(t, "uniswap-v3", pp.Metric[0].GetLabel()[0].GetValue())

	assert.Equal(t, 1.0, families["arbflow_trading_allowed"].Metric[0].GetGauge().GetValue())
	assert.EqualValues(t, 1, families["arbflow_pipeline_stage_seconds"].Metric[0].GetHistogram().GetSampleCount())
}

func TestRegistriesIsolated(t *testing.T) {
	a, b := New(), New()
	a.Opportunities.WithLabelValues("price_arbitrage").Inc()

	fa := gather(t, a)["arbflow_opportunities_total"]
	require.NotNil(t, fa)
	assert.Equal(t, 1.0, fa.Metric[0].GetCounter().GetValue())

	fb := gather(t, b)["arbflow_opportunities_total"]
	assert.Nil(t, fb, "label children never observed stay unexported")
}
