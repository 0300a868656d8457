package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/orders/{userID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/orders/{userID}", "418"))
	for _, u := range []string{"alice", "bob"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/orders/"+u, nil))
		if w.Code != http.StatusTeapot {
			t.Fatalf("expected 418, got %d", w.Code)
		}
	}
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/orders/{userID}", "418"))
	if after-before != 2 {
		t.Errorf("expected 2 requests under the route pattern, got %v", after-before)
	}
}
