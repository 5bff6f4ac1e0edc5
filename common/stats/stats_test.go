package stats

import (
	"encoding/json"
	"testing"
)

func TestScopedCounter(t *testing.T) {
	stat := DefaultStatsReceiver()
	stat.Scope("store").Counter("reserveConflicts").Inc(1)
	stat.Scope("store").Counter("reserveConflicts").Inc(2)

	if count := stat.Scope("store").Counter("reserveConflicts").Count(); count != 3 {
		t.Fatalf("expected scoped counter to accumulate to 3, got %d", count)
	}
}

func TestScopeScrubsSlashes(t *testing.T) {
	stat := DefaultStatsReceiver()
	stat.Scope("a/b").Counter("c").Inc(1)

	rendered := map[string]interface{}{}
	if err := json.Unmarshal(stat.Render(), &rendered); err != nil {
		t.Fatalf("render did not produce valid JSON: %v", err)
	}
	if _, ok := rendered["a_SLASH_b/c"]; !ok {
		t.Fatalf("expected scrubbed name a_SLASH_b/c in %v", rendered)
	}
}

func TestRenderIncludesGaugeAndLatency(t *testing.T) {
	stat := DefaultStatsReceiver()
	stat.Gauge("activeWorkers").Update(2)
	stat.Latency("acquireLatency_ms").Time().Stop()

	rendered := map[string]interface{}{}
	if err := json.Unmarshal(stat.Render(), &rendered); err != nil {
		t.Fatalf("render did not produce valid JSON: %v", err)
	}
	if _, ok := rendered["activeWorkers"]; !ok {
		t.Fatalf("expected gauge in rendered output: %v", rendered)
	}
	if _, ok := rendered["acquireLatency_ms"]; !ok {
		t.Fatalf("expected latency histogram in rendered output: %v", rendered)
	}
}

func TestNilReceiverIsInert(t *testing.T) {
	stat := NilStatsReceiver()
	stat.Counter("anything").Inc(5)
	if stat.Counter("anything").Count() != 0 {
		t.Fatal("nil receiver should not record")
	}
	if string(stat.Render()) != "{}" {
		t.Fatal("nil receiver should render an empty object")
	}
}
