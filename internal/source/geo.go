package source

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/provider-validation/internal/consensus"
	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/pkg/geocode"
)

// Reasons reported by the geolocation adapter.
const (
	ReasonNoAPIKey  = "no API key configured"
	ReasonNoAddress = "record has no address"
)

// Geolocation verifies a record's practice location with Google Maps. It
// searches Places by provider name first and falls back to geocoding the
// record's address.
type Geolocation struct {
	client geocode.Client
	hasKey bool
}

// NewGeolocation creates the geolocation adapter. A nil client or empty key
// makes every lookup skipped.
func NewGeolocation(client geocode.Client, apiKey string) *Geolocation {
	return &Geolocation{client: client, hasKey: client != nil && apiKey != ""}
}

// Name implements Provider.
func (g *Geolocation) Name() string { return consensus.SourceGoogleMaps }

// Lookup implements Provider.
func (g *Geolocation) Lookup(ctx context.Context, rec model.Record) (model.SourceResult, error) {
	if !g.hasKey {
		return model.Skipped(g.Name(), ReasonNoAPIKey), nil
	}
	if rec.Address.IsZero() {
		return model.Skipped(g.Name(), ReasonNoAddress), nil
	}

	if q := placeQuery(rec); q != "" {
		place, err := g.client.FindPlace(ctx, q)
		switch {
		case err != nil:
			zap.L().Debug("source: place search failed, geocoding address",
				zap.String("record_id", rec.Key()),
				zap.Error(err),
			)
		case place != nil:
			return g.placeResult(place), nil
		}
	}

	res, err := g.client.Geocode(ctx, geocode.AddressInput{
		Street:  rec.Address.Street,
		City:    rec.Address.City,
		State:   rec.Address.State,
		ZipCode: rec.Address.PostalCode,
	})
	if err != nil {
		return model.SourceResult{}, err
	}
	if !res.Matched {
		return model.Failed(g.Name(), "address not found ("+res.Status+")"), nil
	}

	facts := componentFacts(res.Components)
	facts[model.FactAddress] = res.FormattedAddress
	facts["latitude"] = res.Latitude
	facts["longitude"] = res.Longitude
	facts["quality"] = res.Quality

	return model.SourceResult{
		Source: g.Name(),
		Status: model.SourceSuccess,
		Facts:  facts,
		Scope:  []model.Field{model.FieldAddress},
	}, nil
}

func (g *Geolocation) placeResult(p *geocode.Place) model.SourceResult {
	facts := componentFacts(p.Components)
	facts[model.FactName] = p.Name
	facts[model.FactAddress] = p.FormattedAddress
	facts["place_id"] = p.PlaceID
	facts["latitude"] = p.Latitude
	facts["longitude"] = p.Longitude
	if p.Phone != "" {
		facts[model.FactPhone] = p.Phone
	}
	if p.BusinessStatus != "" {
		facts["business_status"] = p.BusinessStatus
	}

	return model.SourceResult{
		Source: g.Name(),
		Status: model.SourceSuccess,
		Facts:  facts,
		Scope:  []model.Field{model.FieldName, model.FieldAddress, model.FieldPhone},
	}
}

func componentFacts(c geocode.Components) map[string]any {
	facts := make(map[string]any)
	set := func(k, v string) {
		if v != "" {
			facts[k] = v
		}
	}
	set(model.FactStreet, c.Street())
	set(model.FactCity, c.City)
	set(model.FactState, c.State)
	set(model.FactPostalCode, c.PostalCode)
	return facts
}

// placeQuery builds the Places search text: provider name plus city and
// state. Without a name there is nothing to search for.
func placeQuery(rec model.Record) string {
	name := rec.FullName()
	if name == "" {
		return ""
	}
	parts := []string{name}
	for _, p := range []string{rec.Address.City, rec.Address.State} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}
