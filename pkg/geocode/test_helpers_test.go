package geocode

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/sells-group/provider-validation/internal/resilience"
)

// newTestGeocoder points a geocoder at srv with no rate limiting and fast retries.
func newTestGeocoder(srv *httptest.Server, key string) *geocoder {
	return &geocoder{
		httpClient: srv.Client(),
		apiKey:     key,
		baseURL:    srv.URL,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		retry:      resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}
}

// routes serves a fixed JSON body per request path.
func routes(t *testing.T, bodies map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := bodies[r.URL.Path]
		if !ok {
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}
