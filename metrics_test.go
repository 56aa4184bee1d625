package binder

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	fakeclock "k8s.io/utils/clock/testing"

	"github.com/ngrok/binder/internal/client"
	"github.com/ngrok/binder/internal/proto"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := newTestDriver(WithMetrics(reg))
	m := d.metrics
	sm := newServiceManager(t, d, 1)
	cl := openTestProc(t, d, 2)
	require.Equal(t, 2.0, testutil.ToFloat64(m.Processes()))

	cl.write(1, cl.call(0, 1, 0, nil))
	cl.expect(1, proto.BRTransactionComplete)
	sm.expect(1, proto.BRTransaction)
	sm.write(1, sm.reply(0, nil))
	cl.expect(1, proto.BRReply)
	cl.write(1, cl.call(0, 2, proto.FlagOneway, nil))
	cl.write(1, cl.call(5, 3, 0, nil))

	require.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues("sync")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues("reply")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues("oneway")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues("failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("transaction_complete")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("reply")))

	cl.write(1, client.RequestDeath(0, 1))
	require.NoError(t, sm.conn.Close())
	require.Equal(t, 1.0, testutil.ToFloat64(m.DeathNotices))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Processes()))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.NotZero(t, n)
}

func TestRoundTripHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	clock := fakeclock.NewFakeClock(time.Now())
	d := newTestDriver(WithMetrics(reg), WithClock(clock))
	sm := newServiceManager(t, d, 1)
	cl := openTestProc(t, d, 2)

	cl.write(1, cl.call(0, 1, 0, nil))
	sm.expect(1, proto.BRTransaction)
	clock.Step(time.Second)
	sm.write(1, sm.reply(0, nil))

	expected := `
# HELP binder_transaction_round_trip_seconds Time from a synchronous call being submitted to its reply
# TYPE binder_transaction_round_trip_seconds histogram
binder_transaction_round_trip_seconds_bucket{le="0.0001"} 0
binder_transaction_round_trip_seconds_bucket{le="0.0005"} 0
binder_transaction_round_trip_seconds_bucket{le="0.001"} 0
binder_transaction_round_trip_seconds_bucket{le="0.005"} 0
binder_transaction_round_trip_seconds_bucket{le="0.01"} 0
binder_transaction_round_trip_seconds_bucket{le="0.05"} 0
binder_transaction_round_trip_seconds_bucket{le="0.1"} 0
binder_transaction_round_trip_seconds_bucket{le="0.5"} 0
binder_transaction_round_trip_seconds_bucket{le="1"} 1
binder_transaction_round_trip_seconds_bucket{le="5"} 1
binder_transaction_round_trip_seconds_bucket{le="+Inf"} 1
binder_transaction_round_trip_seconds_sum 1
binder_transaction_round_trip_seconds_count 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "binder_transaction_round_trip_seconds"))
}
