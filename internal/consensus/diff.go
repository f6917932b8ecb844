package consensus

import (
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/sells-group/provider-validation/internal/match"
	"github.com/sells-group/provider-validation/internal/model"
)

// tagOpts compares specialty lists as unordered sets.
var tagOpts = cmp.Options{
	cmpopts.SortSlices(func(a, b string) bool { return a < b }),
	cmpopts.EquateEmpty(),
}

// changesFor returns the record attributes the winning candidate for f would
// change. Values are compared after normalization so formatting differences
// alone never produce a change.
func changesFor(rec model.Record, f model.Field, winner candidate) map[string]any {
	out := make(map[string]any)

	switch f {
	case model.FieldName:
		first := match.FactString(winner.source.Facts, model.FactFirstName)
		last := match.FactString(winner.source.Facts, model.FactLastName)
		if first != "" && !sameText(rec.FirstName, first) {
			out[model.AttrFirstName] = first
		}
		if last != "" && !sameText(rec.LastName, last) {
			out[model.AttrLastName] = last
		}

	case model.FieldPhone:
		proposed := match.Digits(winner.value.(string))
		if !cmp.Equal(lastTen(match.Digits(rec.Phone)), lastTen(proposed)) {
			out[model.AttrPhone] = proposed
		}

	case model.FieldAddress:
		addr := winner.value.(model.Address)
		current := normalizeAddress(rec.Address)
		proposed := normalizeAddress(addr)
		if cmp.Equal(current, proposed) {
			break
		}
		if proposed.Street != "" && proposed.Street != current.Street {
			out[model.AttrStreet] = addr.Street
		}
		if proposed.City != "" && proposed.City != current.City {
			out[model.AttrCity] = addr.City
		}
		if proposed.State != "" && proposed.State != current.State {
			out[model.AttrState] = proposed.State
		}
		if proposed.PostalCode != "" && proposed.PostalCode != current.PostalCode {
			out[model.AttrPostalCode] = proposed.PostalCode
		}

	case model.FieldSpecialty:
		tags := winner.value.([]string)
		if !cmp.Equal(lowerTags(rec.Specialties), lowerTags(tags), tagOpts) {
			out[model.AttrSpecialties] = tags
		}
	}

	return out
}

func sameText(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func lastTen(digits string) string {
	if len(digits) > 10 {
		return digits[len(digits)-10:]
	}
	return digits
}

// normalizeAddress canonicalizes an address for comparison: trimmed and
// upper-cased text, 5-digit postal code.
func normalizeAddress(a model.Address) model.Address {
	postal := match.Digits(a.PostalCode)
	if len(postal) > 5 {
		postal = postal[:5]
	}
	return model.Address{
		Street:     strings.ToUpper(strings.Join(strings.Fields(a.Street), " ")),
		City:       strings.ToUpper(strings.TrimSpace(a.City)),
		State:      strings.ToUpper(strings.TrimSpace(a.State)),
		PostalCode: postal,
	}
}

func lowerTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}
