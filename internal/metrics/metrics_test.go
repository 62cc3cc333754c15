package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(eventsTotal.WithLabelValues("created"))
	EventHandled("created")
	EventHandled("created")
	if got := testutil.ToFloat64(eventsTotal.WithLabelValues("created")); got != before+2 {
		t.Fatalf("created = %v, want %v", got, before+2)
	}

	at := time.Unix(1700000000, 0)
	CycleFinished("success", at)
	if got := testutil.ToFloat64(lastCycle); got != 1700000000 {
		t.Fatalf("last cycle = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	DigestSent("sent")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "voicecal_digests_total") {
		t.Fatal("digest counter missing from exposition")
	}
}
