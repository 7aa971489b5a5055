package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	other := New(reg)
	require.NoError(t, other.Register(), "duplicate collectors on the same registry are tolerated")
}

func TestMetrics_RecordsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NoError(t, m.Register())

	m.IncEventApplied("gateway", "GUILD_CREATE")
	m.IncEventApplied("gateway", "GUILD_CREATE")
	m.IncEventDropped("feed", "unknown")
	m.IncDelivery("sent")
	m.IncDeduplicated()
	m.AddCacheExpired(3)
	m.AddCacheExpired(0)
	m.SetSubscriptions(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsApplied.WithLabelValues("gateway", "GUILD_CREATE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped.WithLabelValues("feed", "unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deduplicated))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.cacheExpired))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.subscriptions))
}

func TestMetrics_ShardStatusIsExclusive(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NoError(t, m.Register())

	all := []string{"connecting", "identified", "resuming"}
	m.SetShardStatus(3, "connecting", all)
	m.SetShardStatus(3, "identified", all)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.shardStatus.WithLabelValues("3", "connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.shardStatus.WithLabelValues("3", "identified")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.shardStatus.WithLabelValues("3", "resuming")))
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	require.NoError(t, m.Register())

	assert.NotPanics(t, func() {
		m.SetCacheEntries(1)
		m.IncVersionConflict()
		m.ObserveRateWait("global", time.Second)
		m.IncRateRejected("route", "max_wait")
		m.IncDeliveryRetry()
		m.IncShardReconnect(0, "resume")
		m.ObserveHeartbeat(0, time.Millisecond)
		m.IncFeedReconnect()
	})
}
