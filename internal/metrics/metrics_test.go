package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCatalogCounterNormalizesLabels(test *testing.T) {
	IncCatalogRequest(" Networks ", "HIT")
	if got := testutil.ToFloat64(catalogRequestsTotal.WithLabelValues("networks", "hit")); got < 1 {
		test.Fatalf("expected normalized label to be counted, got %v", got)
	}
	IncCatalogRequest("", "miss")
	if got := testutil.ToFloat64(catalogRequestsTotal.WithLabelValues("unknown", "miss")); got < 1 {
		test.Fatalf("expected empty label to map to unknown, got %v", got)
	}
}

func TestHandlerExposesRegisteredCollectors(test *testing.T) {
	MustRegister()
	MustRegister()
	ObserveProviderRequest("airtime", "purchase", "accepted", 120*time.Millisecond)
	IncReconciliationRequired("data")

	recorder := httptest.NewRecorder()
	Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := recorder.Body.String()
	for _, name := range []string{"provider_requests_total", "provider_request_duration_seconds", "ledger_reconciliation_required_total"} {
		if !strings.Contains(body, name) {
			test.Fatalf("expected %s in exposition", name)
		}
	}
}
