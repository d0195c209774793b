package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if purgesTotal == nil || preloadStartsTotal == nil || lifecycleOutcomesTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	before := testutil.ToFloat64(purgesTotal.WithLabelValues("all", "success"))
	ObservePurge("all", "success")
	if got := testutil.ToFloat64(purgesTotal.WithLabelValues("all", "success")); got != before+1 {
		t.Errorf("expected purge counter %v, got %v", before+1, got)
	}

	before = testutil.ToFloat64(preloadStartsTotal.WithLabelValues("mobile", "started"))
	ObservePreloadStart("mobile", "started")
	if got := testutil.ToFloat64(preloadStartsTotal.WithLabelValues("mobile", "started")); got != before+1 {
		t.Errorf("expected preload start counter %v, got %v", before+1, got)
	}

	before = testutil.ToFloat64(lifecycleOutcomesTotal.WithLabelValues("aborted"))
	ObserveLifecycle("aborted")
	if got := testutil.ToFloat64(lifecycleOutcomesTotal.WithLabelValues("aborted")); got != before+1 {
		t.Errorf("expected lifecycle counter %v, got %v", before+1, got)
	}

	before = testutil.ToFloat64(warmupRequestsTotal.WithLabelValues("desktop", "200"))
	ObserveWarmup("desktop", 200)
	if got := testutil.ToFloat64(warmupRequestsTotal.WithLabelValues("desktop", "200")); got != before+1 {
		t.Errorf("expected warmup counter %v, got %v", before+1, got)
	}

	ObserveEstimate("fallback")
	ObservePreloadDuration(90 * time.Second)
	ObservePreloadDuration(0)
	if n := testutil.CollectAndCount(preloadDurationSeconds); n != 1 {
		t.Errorf("expected one duration histogram, got %d", n)
	}
}
