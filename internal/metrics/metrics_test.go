package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nikhilbhutani/supertts/internal/enginepool"
)

type fixedStats enginepool.Stats

func (f fixedStats) Stats() enginepool.Stats { return enginepool.Stats(f) }

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordHTTP("POST", "/v1/audio/speech", 200, 10*time.Millisecond)
	m.RecordHTTP("POST", "/v1/audio/speech", 200, 20*time.Millisecond)
	m.RecordSynthesis(nil, time.Second, 1500*time.Millisecond)
	m.RecordSynthesis(errors.New("boom"), time.Second, 0)
	m.RecordAudioCache(true)
	m.RecordAudioCache(false)
	m.RecordAudioCache(false)

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/audio/speech", "200")); got != 2 {
		t.Errorf("http requests: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SynthesisTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("synthesis errors: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AudioSeconds); got != 1.5 {
		t.Errorf("audio seconds: got %v, want 1.5", got)
	}
	if got := testutil.ToFloat64(m.AudioCacheLookups.WithLabelValues("miss")); got != 2 {
		t.Errorf("cache misses: got %v, want 2", got)
	}
}

func TestPoolCollector(t *testing.T) {
	c := NewPoolCollector(fixedStats{
		TotalEngines:     2,
		BusyEngines:      1,
		AvailablePermits: 1,
		TotalCheckouts:   7,
		CacheHits:        3,
	})

	if n := testutil.CollectAndCount(c); n != 9 {
		t.Errorf("collected %d metrics, want 9", n)
	}

	expected := `
# HELP supertts_pool_checkouts_total Successful engine checkouts
# TYPE supertts_pool_checkouts_total counter
supertts_pool_checkouts_total 7
# HELP supertts_pool_engines Engines currently loaded
# TYPE supertts_pool_engines gauge
supertts_pool_engines 2
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"supertts_pool_checkouts_total", "supertts_pool_engines"); err != nil {
		t.Error(err)
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewPoolCollector(fixedStats{TotalEngines: 1}))
	m := New(reg)
	m.RecordCheckoutWait(time.Millisecond)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"supertts_pool_engines 1", "supertts_engine_checkout_wait_seconds_count 1"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
}
