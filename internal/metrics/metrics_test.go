package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCallSettled(t *testing.T) {
	before := testutil.ToFloat64(callsTotal.WithLabelValues(KindScript, OutcomeSuccess))
	CallSettled(KindScript, OutcomeSuccess, 20*time.Millisecond)
	CallSettled(KindScript, OutcomeSuccess, 0)
	if got := testutil.ToFloat64(callsTotal.WithLabelValues(KindScript, OutcomeSuccess)); got != before+2 {
		t.Errorf("calls = %v, want %v", got, before+2)
	}
}

func TestLiveUnits(t *testing.T) {
	g := liveUnits.WithLabelValues(KindNative)
	before := testutil.ToFloat64(g)
	UnitStarted(KindNative)
	UnitStarted(KindNative)
	UnitStopped(KindNative)
	if got := testutil.ToFloat64(g); got != before+1 {
		t.Errorf("live = %v, want %v", got, before+1)
	}
}

func TestCacheLookup(t *testing.T) {
	hits := testutil.ToFloat64(cacheLookups.WithLabelValues("hit"))
	misses := testutil.ToFloat64(cacheLookups.WithLabelValues("miss"))
	CacheLookup(true)
	CacheLookup(false)
	CacheLookup(false)
	if got := testutil.ToFloat64(cacheLookups.WithLabelValues("hit")); got != hits+1 {
		t.Errorf("hits = %v", got)
	}
	if got := testutil.ToFloat64(cacheLookups.WithLabelValues("miss")); got != misses+2 {
		t.Errorf("misses = %v", got)
	}
}
