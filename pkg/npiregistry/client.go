// Package npiregistry provides a client for the NPPES NPI Registry API.
package npiregistry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/provider-validation/internal/resilience"
)

const (
	defaultBaseURL = "https://npiregistry.cms.hhs.gov/api/"
	apiVersion     = "2.1"
)

// ErrNotFound is returned when the registry has no provider for a number.
var ErrNotFound = eris.New("npiregistry: NPI not found in registry")

// Client looks up providers in the NPI Registry.
type Client interface {
	// Lookup fetches the provider registered under number.
	Lookup(ctx context.Context, number string) (*Provider, error)
}

// Provider is the subset of a registry result the validator uses.
type Provider struct {
	Number      string       `json:"number"`
	EnumType    string       `json:"enumeration_type"`
	Basic       Basic        `json:"basic"`
	Addresses   []Address    `json:"addresses"`
	Taxonomies  []Taxonomy   `json:"taxonomies"`
	OtherNames  []OtherName  `json:"other_names,omitempty"`
	Identifiers []Identifier `json:"identifiers,omitempty"`
}

// Basic holds name and status fields. Individuals carry first/last name;
// organizations carry OrganizationName.
type Basic struct {
	FirstName        string `json:"first_name"`
	MiddleName       string `json:"middle_name"`
	LastName         string `json:"last_name"`
	Credential       string `json:"credential"`
	OrganizationName string `json:"organization_name"`
	Status           string `json:"status"`
}

// Address is a mailing or practice location.
type Address struct {
	Purpose    string `json:"address_purpose"`
	Address1   string `json:"address_1"`
	Address2   string `json:"address_2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Telephone  string `json:"telephone_number"`
}

// Taxonomy is one registered specialty.
type Taxonomy struct {
	Code    string `json:"code"`
	Desc    string `json:"desc"`
	Primary bool   `json:"primary"`
	State   string `json:"state"`
	License string `json:"license"`
}

// OtherName is an alternate or former name.
type OtherName struct {
	Type      string `json:"type"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Identifier is a secondary identifier such as a Medicaid number.
type Identifier struct {
	Code       string `json:"code"`
	Desc       string `json:"desc"`
	Identifier string `json:"identifier"`
	State      string `json:"state"`
}

// Location returns the practice location address, falling back to the
// first address on file.
func (p *Provider) Location() (Address, bool) {
	for _, a := range p.Addresses {
		if strings.EqualFold(a.Purpose, "LOCATION") {
			return a, true
		}
	}
	if len(p.Addresses) > 0 {
		return p.Addresses[0], true
	}
	return Address{}, false
}

// Specialties returns taxonomy descriptions with the primary one first.
func (p *Provider) Specialties() []string {
	var primary, rest []string
	for _, t := range p.Taxonomies {
		if t.Desc == "" {
			continue
		}
		if t.Primary {
			primary = append(primary, t.Desc)
		} else {
			rest = append(rest, t.Desc)
		}
	}
	return append(primary, rest...)
}

type searchResponse struct {
	ResultCount int        `json:"result_count"`
	Results     []Provider `json:"results"`
	Errors      []struct {
		Description string `json:"description"`
		Field       string `json:"field"`
	} `json:"Errors"`
}

// Option configures the client.
type Option func(*client)

// WithBaseURL overrides the registry endpoint.
func WithBaseURL(u string) Option {
	return func(c *client) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		c.httpClient = hc
	}
}

// WithRateLimit sets the requests-per-second budget.
func WithRateLimit(rps float64) Option {
	return func(c *client) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *client) {
		c.retry = cfg
	}
}

type client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
}

// NewClient creates a registry Client.
func NewClient(opts ...Option) Client {
	c := &client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(5, 5),
		retry:      resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("npi_registry", "lookup")
	}
	return c
}

// Lookup fetches one provider by NPI. 429 and 5xx responses are retried.
func (c *client) Lookup(ctx context.Context, number string) (*Provider, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*Provider, error) {
		return c.lookupOnce(ctx, number)
	})
}

func (c *client) lookupOnce(ctx context.Context, number string) (*Provider, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "npiregistry: rate limit")
	}

	params := url.Values{
		"version": {apiVersion},
		"number":  {number},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "npiregistry: build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "npiregistry: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("npiregistry: returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "npiregistry: read body")
	}

	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, eris.Wrap(err, "npiregistry: parse response")
	}
	if len(sr.Errors) > 0 {
		return nil, eris.Errorf("npiregistry: %s", sr.Errors[0].Description)
	}
	if sr.ResultCount == 0 || len(sr.Results) == 0 {
		return nil, ErrNotFound
	}
	return &sr.Results[0], nil
}
