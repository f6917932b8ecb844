package geocode

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const austinGeocode = `{
	"status": "OK",
	"results": [{
		"geometry": {
			"location": {"lat": 30.2672, "lng": -97.7431},
			"location_type": "ROOFTOP"
		},
		"formatted_address": "100 Congress Ave, Austin, TX 78701, USA",
		"address_components": [
			{"long_name": "100", "short_name": "100", "types": ["street_number"]},
			{"long_name": "Congress Avenue", "short_name": "Congress Ave", "types": ["route"]},
			{"long_name": "Austin", "short_name": "Austin", "types": ["locality", "political"]},
			{"long_name": "Texas", "short_name": "TX", "types": ["administrative_area_level_1", "political"]},
			{"long_name": "78701", "short_name": "78701", "types": ["postal_code"]}
		]
	}]
}`

func TestGeocode_Rooftop(t *testing.T) {
	srv := routes(t, map[string]string{"/geocode/json": austinGeocode})
	g := newTestGeocoder(srv, "test-key")

	result, err := g.Geocode(context.Background(), AddressInput{
		Street: "100 Congress Ave", City: "Austin", State: "TX", ZipCode: "78701",
	})
	require.NoError(t, err)
	assert.True(t, result.Matched)
	assert.Equal(t, "OK", result.Status)
	assert.InDelta(t, 30.2672, result.Latitude, 0.0001)
	assert.Equal(t, "rooftop", result.Quality)
	assert.Equal(t, "100 Congress Ave", result.Components.Street())
	assert.Equal(t, "Austin", result.Components.City)
	assert.Equal(t, "TX", result.Components.State)
	assert.Equal(t, "78701", result.Components.PostalCode)
}

func TestGeocode_SendsKeyAndAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		assert.Equal(t, "1 Main St, Austin, TX 78701", r.URL.Query().Get("address"))
		_, _ = io.WriteString(w, `{"status": "ZERO_RESULTS", "results": []}`)
	}))
	defer srv.Close()

	g := newTestGeocoder(srv, "test-key")
	result, err := g.Geocode(context.Background(), AddressInput{Street: "1 Main St", City: "Austin", State: "TX", ZipCode: "78701"})
	require.NoError(t, err)
	assert.False(t, result.Matched)
	assert.Equal(t, "ZERO_RESULTS", result.Status)
}

func TestGeocode_NoKey(t *testing.T) {
	g := NewClient()
	_, err := g.Geocode(context.Background(), AddressInput{City: "Austin"})
	assert.True(t, eris.Is(err, ErrNoAPIKey))
}

func TestGeocode_EmptyAddress(t *testing.T) {
	g := NewClient(WithAPIKey("k"))
	_, err := g.Geocode(context.Background(), AddressInput{State: " "})
	assert.Error(t, err)
}

func TestGeocode_RequestDenied(t *testing.T) {
	srv := routes(t, map[string]string{"/geocode/json": `{"status": "REQUEST_DENIED", "error_message": "bad key"}`})
	g := newTestGeocoder(srv, "test-key")

	_, err := g.Geocode(context.Background(), AddressInput{City: "Austin", State: "TX"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REQUEST_DENIED: bad key")
}

func TestGeocode_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, austinGeocode)
	}))
	defer srv.Close()

	g := newTestGeocoder(srv, "test-key")
	result, err := g.Geocode(context.Background(), AddressInput{City: "Austin", State: "TX"})
	require.NoError(t, err)
	assert.True(t, result.Matched)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGeocode_Cache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, austinGeocode)
	}))
	defer srv.Close()

	g := newTestGeocoder(srv, "test-key")
	g.cache = newCache(time.Hour)

	addr := AddressInput{Street: "100 Congress Ave", City: "Austin", State: "TX"}
	_, err := g.Geocode(context.Background(), addr)
	require.NoError(t, err)
	// Case and whitespace differences share a cache entry.
	r, err := g.Geocode(context.Background(), AddressInput{Street: " 100 CONGRESS AVE", City: "austin", State: "tx"})
	require.NoError(t, err)
	assert.True(t, r.Matched)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_Expiry(t *testing.T) {
	c := newCache(time.Minute)
	now := time.Unix(0, 0)
	c.now = func() time.Time { return now }

	key := cacheKey(AddressInput{City: "Austin"})
	c.put(key, &Result{Matched: true})

	_, ok := c.get(key)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.get(key)
	assert.False(t, ok)
}

func TestGoogleLocationTypeToQuality(t *testing.T) {
	assert.Equal(t, "rooftop", googleLocationTypeToQuality("rooftop"))
	assert.Equal(t, "range", googleLocationTypeToQuality("RANGE_INTERPOLATED"))
	assert.Equal(t, "centroid", googleLocationTypeToQuality("GEOMETRIC_CENTER"))
	assert.Equal(t, "approximate", googleLocationTypeToQuality("UNKNOWN"))
}

func TestFormatOneLine(t *testing.T) {
	assert.Equal(t, "1 Main St, Austin, TX 78701", formatOneLine(AddressInput{Street: "1 Main St", City: "Austin", State: "TX", ZipCode: "78701"}))
	assert.Equal(t, "TX", formatOneLine(AddressInput{State: "TX"}))
	assert.True(t, AddressInput{}.IsZero())
}
