package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://Example.com/path":     "example.com",
		"example.com/path":             "example.com",
		"example.com:8080":             "example.com",
		"https://t.me/joinchat/AAAA":   "t.me",
		"http://%":                     "unknown",
		"":                             "unknown",
		"wa.me/22990000000?text=bonus": "wa.me",
	}
	for in, want := range cases {
		require.Equal(t, want, SanitizeSite(in), in)
	}
}

func TestPipelineCounters(t *testing.T) {
	Init()
	Init()

	failed := testutil.ToFloat64(tasksTotal.WithLabelValues("FAILED", "INVALID_TASK_ID"))
	completed := testutil.ToFloat64(tasksTotal.WithLabelValues("COMPLETED", "none"))
	ObserveTask("FAILED", "INVALID_TASK_ID")
	ObserveTask("COMPLETED", "")
	require.InDelta(t, failed+1, testutil.ToFloat64(tasksTotal.WithLabelValues("FAILED", "INVALID_TASK_ID")), 0)
	require.InDelta(t, completed+1, testutil.ToFloat64(tasksTotal.WithLabelValues("COMPLETED", "none")), 0)

	bytesBefore := testutil.ToFloat64(captureBytesTotal.WithLabelValues("phish.example"))
	ObserveCapture("headless", "https://phish.example/login", 2*time.Second, 2048)
	ObserveCapture("headless", "https://phish.example/login", time.Second, 0)
	require.InDelta(t, bytesBefore+2048, testutil.ToFloat64(captureBytesTotal.WithLabelValues("phish.example")), 0)

	ObserveResult("alerted")
	ObserveResult("alerted")
	require.GreaterOrEqual(t, testutil.ToFloat64(resultsTotal.WithLabelValues("alerted")), 2.0)

	ObserveReportSealed("pdf")
	require.GreaterOrEqual(t, testutil.ToFloat64(reportsSealedTotal.WithLabelValues("pdf")), 1.0)

	ObserveDispatch("BLOCK_NUMBER", "EXECUTED")
	require.GreaterOrEqual(t, testutil.ToFloat64(dispatchTransitionsTotal.WithLabelValues("BLOCK_NUMBER", "EXECUTED")), 1.0)

	ObserveQueueReconnect("consumer")
	require.GreaterOrEqual(t, testutil.ToFloat64(queueReconnectsTotal.WithLabelValues("consumer")), 1.0)
}

func TestGaugesAndHistograms(t *testing.T) {
	Init()

	before := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	IncActiveWorkers()
	require.InDelta(t, before+2, testutil.ToFloat64(activeWorkers), 0)
	DecActiveWorkers()
	DecActiveWorkers()
	require.InDelta(t, before, testutil.ToFloat64(activeWorkers), 0)

	ObserveRiskScore(85)
	require.Positive(t, testutil.CollectAndCount(riskScore))

	ObserveRateLimitDelay("bit.ly", 300*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(rateLimitDelaySeconds))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, seed := range []string{"http://example.com", "https://t.me/joinchat", "wa.me/22990000000"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
