package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounterAndGauge(t *testing.T) {
	c := NewCollector()

	ctr := c.Counter("databot_test_total", "test counter")
	ctr.Inc()
	ctr.Add(2)
	if ctr.Value() != 3 {
		t.Fatalf("counter value %d, want 3", ctr.Value())
	}

	// Same name returns the same instance.
	if c.Counter("databot_test_total", "test counter") != ctr {
		t.Fatal("counter not deduplicated by name")
	}

	g := c.Gauge("databot_test_gauge", "test gauge")
	g.Set(5)
	g.Dec()
	if g.Value() != 4 {
		t.Fatalf("gauge value %d, want 4", g.Value())
	}
}

func TestHistogramBuckets(t *testing.T) {
	c := NewCollector()
	h := c.Histogram("databot_test_seconds", "test histogram", []float64{0.1, 1, 10})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(100)

	if h.count != 3 {
		t.Fatalf("count %d, want 3", h.count)
	}
	if h.buckets[0].count != 1 || h.buckets[1].count != 2 || h.buckets[2].count != 2 {
		t.Fatalf("unexpected bucket counts: %+v", h.buckets)
	}
	// The implicit +Inf bucket catches everything.
	if h.buckets[3].count != 3 {
		t.Fatalf("+Inf bucket count %d, want 3", h.buckets[3].count)
	}
}

func TestHistogramAlwaysRendersInfBucket(t *testing.T) {
	c := NewCollector()
	h := c.Histogram("databot_bare_seconds", "no explicit buckets", nil)
	h.Observe(2)
	h.Observe(4)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `databot_bare_seconds_bucket{le="+Inf"} 2`) {
		t.Fatalf("exposition missing +Inf bucket:\n%s", body)
	}
}

func TestHandlerRendersExposition(t *testing.T) {
	c := NewCollector()
	c.Counter("databot_messages_total", "messages").Add(7)
	c.Gauge("databot_sessions_cached", "cached sessions").Set(3)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"databot_uptime_seconds",
		"# TYPE databot_messages_total counter",
		"databot_messages_total 7",
		"databot_sessions_cached 3",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q:\n%s", want, body)
		}
	}
}
