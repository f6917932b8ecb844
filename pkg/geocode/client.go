// Package geocode verifies practice locations with the Google Geocoding and
// Places APIs.
package geocode

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/provider-validation/internal/resilience"
)

// ErrNoAPIKey is returned when no Google API key is configured.
var ErrNoAPIKey = eris.New("geocode: google api key not configured")

// Client geocodes addresses and looks up businesses.
type Client interface {
	// Geocode resolves a postal address. An unmatched address is not an
	// error; Result.Matched is false and Result.Status carries Google's code.
	Geocode(ctx context.Context, addr AddressInput) (*Result, error)

	// FindPlace searches for a business by free text and returns the best
	// candidate with its details, or nil when nothing matched.
	FindPlace(ctx context.Context, query string) (*Place, error)
}

// AddressInput represents an address to geocode.
type AddressInput struct {
	Street  string
	City    string
	State   string
	ZipCode string
}

// IsZero reports whether no component is set.
func (a AddressInput) IsZero() bool {
	return formatOneLine(a) == ""
}

// Result holds the geocoding output for an address.
type Result struct {
	Latitude         float64
	Longitude        float64
	FormattedAddress string
	Components       Components
	Quality          string // "rooftop", "range", "centroid", "approximate"
	Status           string // Google status code, e.g. "OK", "ZERO_RESULTS"
	Matched          bool
}

// Components are the parsed address parts of a Google result.
type Components struct {
	StreetNumber string
	Route        string
	City         string
	State        string
	PostalCode   string
}

// Street joins the street number and route.
func (c Components) Street() string {
	return strings.TrimSpace(c.StreetNumber + " " + c.Route)
}

// Place is a business found through the Places API.
type Place struct {
	PlaceID          string
	Name             string
	FormattedAddress string
	Phone            string
	Components       Components
	Latitude         float64
	Longitude        float64
	BusinessStatus   string
}

// Option configures the geocoder.
type Option func(*geocoder)

// WithAPIKey sets the Google Maps Platform key.
func WithAPIKey(key string) Option {
	return func(g *geocoder) {
		g.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *geocoder) {
		g.httpClient = hc
	}
}

// WithRateLimit sets the requests-per-second budget shared by all calls.
func WithRateLimit(rps float64) Option {
	return func(g *geocoder) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBaseURL overrides the Maps API root, e.g. for tests.
func WithBaseURL(u string) Option {
	return func(g *geocoder) {
		g.baseURL = strings.TrimRight(u, "/")
	}
}

// WithCacheTTL enables an in-process geocode cache. Zero disables it.
func WithCacheTTL(ttl time.Duration) Option {
	return func(g *geocoder) {
		if ttl > 0 {
			g.cache = newCache(ttl)
		}
	}
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(g *geocoder) {
		g.retry = cfg
	}
}

type geocoder struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	limiter    *rate.Limiter
	cache      *cache
	retry      resilience.RetryConfig
}

const defaultBaseURL = "https://maps.googleapis.com/maps/api"

// NewClient creates a new geocoding Client with the given options.
func NewClient(opts ...Option) Client {
	g := &geocoder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
		limiter:    rate.NewLimiter(10, 10),
		retry:      resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.retry.OnRetry == nil {
		g.retry.OnRetry = resilience.RetryLogger("google_maps", "request")
	}
	return g
}

// formatOneLine renders an address as a single comma-separated line.
func formatOneLine(addr AddressInput) string {
	var parts []string
	for _, p := range []string{addr.Street, addr.City, strings.TrimSpace(addr.State + " " + addr.ZipCode)} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
