package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	Init()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/v1/purge/url", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	beforeOK := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "202"))
	beforeMissing := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))

	req := httptest.NewRequest(http.MethodPost, "/v1/purge/url", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "202")); got != beforeOK+1 {
		t.Errorf("expected POST 202 count %v, got %v", beforeOK+1, got)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")); got != beforeMissing+1 {
		t.Errorf("expected GET 404 count %v, got %v", beforeMissing+1, got)
	}
	if n := testutil.CollectAndCount(httpRequestDurationSeconds); n <= 0 {
		t.Errorf("expected request durations to be observed, got %d series", n)
	}
}
