package geocode

import (
	"context"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

type findPlaceResponse struct {
	Candidates []struct {
		PlaceID          string         `json:"place_id"`
		Name             string         `json:"name"`
		FormattedAddress string         `json:"formatted_address"`
		BusinessStatus   string         `json:"business_status"`
		Geometry         googleGeometry `json:"geometry"`
	} `json:"candidates"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

type placeDetailsResponse struct {
	Result struct {
		Name                 string             `json:"name"`
		FormattedAddress     string             `json:"formatted_address"`
		FormattedPhoneNumber string             `json:"formatted_phone_number"`
		AddressComponents    []addressComponent `json:"address_components"`
	} `json:"result"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

// FindPlace runs a "find place from text" search and, when a candidate is
// found, fetches its phone number and address components.
func (g *geocoder) FindPlace(ctx context.Context, query string) (*Place, error) {
	if g.apiKey == "" {
		return nil, ErrNoAPIKey
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, eris.New("geocode: empty place query")
	}

	var found findPlaceResponse
	params := url.Values{
		"input":     {query},
		"inputtype": {"textquery"},
		"fields":    {"place_id,name,formatted_address,business_status,geometry"},
	}
	if err := g.getJSON(ctx, "/place/findplacefromtext/json", params, &found); err != nil {
		return nil, err
	}
	switch found.Status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, nil
	default:
		return nil, statusError("find place", found.Status, found.ErrorMessage)
	}
	if len(found.Candidates) == 0 {
		return nil, nil
	}

	top := found.Candidates[0]
	place := &Place{
		PlaceID:          top.PlaceID,
		Name:             top.Name,
		FormattedAddress: top.FormattedAddress,
		BusinessStatus:   top.BusinessStatus,
		Latitude:         top.Geometry.Location.Lat,
		Longitude:        top.Geometry.Location.Lng,
	}
	if place.PlaceID == "" {
		return place, nil
	}

	var details placeDetailsResponse
	params = url.Values{
		"place_id": {place.PlaceID},
		"fields":   {"name,formatted_address,formatted_phone_number,address_component"},
	}
	if err := g.getJSON(ctx, "/place/details/json", params, &details); err != nil {
		return nil, err
	}
	if details.Status != "OK" {
		return nil, statusError("place details", details.Status, details.ErrorMessage)
	}

	d := details.Result
	place.Phone = d.FormattedPhoneNumber
	place.Components = parseComponents(d.AddressComponents)
	if d.FormattedAddress != "" {
		place.FormattedAddress = d.FormattedAddress
	}
	if d.Name != "" {
		place.Name = d.Name
	}
	return place, nil
}
