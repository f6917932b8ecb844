package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/provider-validation/internal/resilience"
)

// googleGeocodeResponse is the JSON response from the Google Geocoding API.
type googleGeocodeResponse struct {
	Results      []googleResult `json:"results"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message"`
}

type googleResult struct {
	Geometry          googleGeometry     `json:"geometry"`
	FormattedAddress  string             `json:"formatted_address"`
	AddressComponents []addressComponent `json:"address_components"`
}

type googleGeometry struct {
	Location struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"location"`
	LocationType string `json:"location_type"`
}

type addressComponent struct {
	LongName  string   `json:"long_name"`
	ShortName string   `json:"short_name"`
	Types     []string `json:"types"`
}

// Geocode geocodes a single address using the Google Geocoding API.
func (g *geocoder) Geocode(ctx context.Context, addr AddressInput) (*Result, error) {
	if g.apiKey == "" {
		return nil, ErrNoAPIKey
	}
	oneLine := formatOneLine(addr)
	if oneLine == "" {
		return nil, eris.New("geocode: empty address")
	}

	var key string
	if g.cache != nil {
		key = cacheKey(addr)
		if r, ok := g.cache.get(key); ok {
			return r, nil
		}
	}

	var resp googleGeocodeResponse
	if err := g.getJSON(ctx, "/geocode/json", url.Values{"address": {oneLine}}, &resp); err != nil {
		return nil, err
	}

	switch resp.Status {
	case "OK", "ZERO_RESULTS":
	default:
		return nil, statusError("geocode", resp.Status, resp.ErrorMessage)
	}

	result := &Result{Status: resp.Status}
	if resp.Status == "OK" && len(resp.Results) > 0 {
		top := resp.Results[0]
		result.Latitude = top.Geometry.Location.Lat
		result.Longitude = top.Geometry.Location.Lng
		result.FormattedAddress = top.FormattedAddress
		result.Components = parseComponents(top.AddressComponents)
		result.Quality = googleLocationTypeToQuality(top.Geometry.LocationType)
		result.Matched = true
	} else {
		result.Status = "ZERO_RESULTS"
	}

	if g.cache != nil {
		g.cache.put(key, result)
	}
	return result, nil
}

// getJSON issues a rate-limited, retried GET against the Maps API and
// decodes the body into out.
func (g *geocoder) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	params.Set("key", g.apiKey)
	reqURL := g.baseURL + path + "?" + params.Encode()

	return resilience.Do(ctx, g.retry, func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "geocode: rate limit")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return eris.Wrap(err, "geocode: build request")
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return eris.Wrap(err, "geocode: request")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("geocode: google returned status %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.NewTransientError(err, resp.StatusCode)
			}
			return err
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return eris.Wrap(err, "geocode: read body")
		}
		if err := json.Unmarshal(body, out); err != nil {
			return eris.Wrap(err, "geocode: parse response")
		}
		return nil
	})
}

// statusError converts a non-OK Google status into an error. OVER_QUERY_LIMIT
// and UNKNOWN_ERROR are worth retrying by the caller.
func statusError(op, status, msg string) error {
	if msg != "" {
		status += ": " + msg
	}
	err := eris.Errorf("geocode: %s status %s", op, status)
	if strings.HasPrefix(status, "OVER_QUERY_LIMIT") || strings.HasPrefix(status, "UNKNOWN_ERROR") {
		return resilience.NewTransientError(err, 0)
	}
	return err
}

func parseComponents(cs []addressComponent) Components {
	var out Components
	for _, c := range cs {
		for _, t := range c.Types {
			switch t {
			case "street_number":
				out.StreetNumber = c.LongName
			case "route":
				out.Route = c.ShortName
			case "locality":
				out.City = c.LongName
			case "sublocality", "postal_town":
				if out.City == "" {
					out.City = c.LongName
				}
			case "administrative_area_level_1":
				out.State = c.ShortName
			case "postal_code":
				out.PostalCode = c.LongName
			}
		}
	}
	return out
}

// googleLocationTypeToQuality maps Google's location_type to our quality taxonomy.
func googleLocationTypeToQuality(locType string) string {
	switch strings.ToUpper(locType) {
	case "ROOFTOP":
		return "rooftop"
	case "RANGE_INTERPOLATED":
		return "range"
	case "GEOMETRIC_CENTER":
		return "centroid"
	default:
		return "approximate"
	}
}
