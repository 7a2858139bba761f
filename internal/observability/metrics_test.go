package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(scanOutcomeCounter.WithLabelValues("duplicate-scan"))
	RecordScanOutcome("duplicate-scan")
	RecordScanOutcome("duplicate-scan")
	require.Equal(t, before+2, testutil.ToFloat64(scanOutcomeCounter.WithLabelValues("duplicate-scan")))

	overflows := testutil.ToFloat64(feedOverflowCounter)
	RecordFeedOverflow()
	require.Equal(t, overflows+1, testutil.ToFloat64(feedOverflowCounter))

	SetFeedSubscribers(7)
	require.Equal(t, float64(7), testutil.ToFloat64(feedSubscribersGauge))

	RecordInvariantViolation("single_active_event")
	require.GreaterOrEqual(t, testutil.ToFloat64(invariantCounter.WithLabelValues("single_active_event")), float64(1))
}
