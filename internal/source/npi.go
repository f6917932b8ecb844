package source

import (
	"context"
	"errors"

	"github.com/sells-group/provider-validation/internal/consensus"
	"github.com/sells-group/provider-validation/internal/match"
	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/npi"
	"github.com/sells-group/provider-validation/pkg/npiregistry"
)

// Discrepancies reported by the registry adapter.
const (
	ReasonInvalidIdentifier = "identifier fails checksum validation"
	ReasonNotInRegistry     = "NPI not found in registry"
)

// Registry looks records up in the NPI Registry by identifier.
type Registry struct {
	client npiregistry.Client
}

// NewRegistry creates the registry adapter.
func NewRegistry(client npiregistry.Client) *Registry {
	return &Registry{client: client}
}

// Name implements Provider.
func (r *Registry) Name() string { return consensus.SourceNPIRegistry }

// Lookup implements Provider. Identifiers that fail the checksum never reach
// the network.
func (r *Registry) Lookup(ctx context.Context, rec model.Record) (model.SourceResult, error) {
	if !npi.IsValid(rec.Identifier) {
		return model.Failed(r.Name(), ReasonInvalidIdentifier), nil
	}

	p, err := r.client.Lookup(ctx, rec.Identifier)
	if errors.Is(err, npiregistry.ErrNotFound) {
		return model.Failed(r.Name(), ReasonNotInRegistry), nil
	}
	if err != nil {
		return model.SourceResult{}, err
	}

	return model.SourceResult{
		Source: r.Name(),
		Status: model.SourceSuccess,
		Facts:  registryFacts(p),
	}, nil
}

func registryFacts(p *npiregistry.Provider) map[string]any {
	facts := map[string]any{
		model.FactIdentifier: p.Number,
	}

	if p.Basic.OrganizationName != "" && p.Basic.LastName == "" {
		facts[model.FactName] = p.Basic.OrganizationName
	} else {
		facts[model.FactFirstName] = p.Basic.FirstName
		facts[model.FactLastName] = p.Basic.LastName
	}

	if loc, ok := p.Location(); ok {
		facts[model.FactStreet] = loc.Address1
		facts[model.FactCity] = loc.City
		facts[model.FactState] = loc.State
		facts[model.FactPostalCode] = postal5(loc.PostalCode)
		if loc.Telephone != "" {
			facts[model.FactPhone] = loc.Telephone
		}
		facts[model.FactAddress] = model.Address{
			Street:     loc.Address1,
			City:       loc.City,
			State:      loc.State,
			PostalCode: postal5(loc.PostalCode),
		}.String()
	}

	if specs := p.Specialties(); len(specs) > 0 {
		facts[model.FactSpecialties] = specs
	}
	return facts
}

func postal5(s string) string {
	d := match.Digits(s)
	if len(d) > 5 {
		return d[:5]
	}
	return d
}
