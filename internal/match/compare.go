package match

import (
	"strings"

	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/npi"
)

// Result is the grade for one field. Compared is false when either side
// lacked a usable value.
type Result struct {
	Similarity float64 `json:"similarity"`
	Compared   bool    `json:"compared"`
}

// Matched reports whether the grade clears Threshold.
func (r Result) Matched() bool {
	return r.Compared && r.Similarity >= Threshold
}

// Compare grades every tracked field that both rec and facts carry. Facts of
// an unexpected type are treated as absent.
func Compare(rec model.Record, facts map[string]any) map[model.Field]Result {
	out := make(map[model.Field]Result, len(model.AllFields))

	if name, own := FactName(facts), recordName(rec, facts); name != "" && own != "" {
		out[model.FieldName] = Result{Similarity: Name(own, name), Compared: true}
	}

	if phone := FactString(facts, model.FactPhone); phone != "" && rec.Phone != "" {
		out[model.FieldPhone] = Result{Similarity: Phone(rec.Phone, phone), Compared: true}
	}

	if sim, ok := Address(rec.Address, FactAddress(facts)); ok {
		out[model.FieldAddress] = Result{Similarity: sim, Compared: true}
	}

	if sim, ok := Specialty(rec.Specialties, FactStrings(facts, model.FactSpecialties)); ok {
		out[model.FieldSpecialty] = Result{Similarity: sim, Compared: true}
	}

	if id := Digits(FactString(facts, model.FactIdentifier)); id != "" && rec.Identifier != "" {
		var sim float64
		if id == rec.Identifier && npi.IsValid(rec.Identifier) {
			sim = 1.0
		}
		out[model.FieldIdentifier] = Result{Similarity: sim, Compared: true}
	}

	return out
}

// FactString returns facts[key] when it is a non-blank string.
func FactString(facts map[string]any, key string) string {
	s, ok := facts[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// FactStrings returns facts[key] as a string list. A single string is
// promoted to a one-element list.
func FactStrings(facts map[string]any, key string) []string {
	switch v := facts[key].(type) {
	case []string:
		return v
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// FactName returns the full name from facts, assembling it from first and
// last name when no combined name is present.
func FactName(facts map[string]any) string {
	if name := FactString(facts, model.FactName); name != "" {
		return name
	}
	return strings.TrimSpace(FactString(facts, model.FactFirstName) + " " + FactString(facts, model.FactLastName))
}

// recordName returns the record's name in the shape facts carry it. Sources
// that split the name report first and last only, so the middle name is
// dropped on both sides.
func recordName(rec model.Record, facts map[string]any) string {
	if FactString(facts, model.FactName) != "" {
		return rec.FullName()
	}
	return strings.Join(strings.Fields(rec.FirstName+" "+rec.LastName), " ")
}

// FactAddress assembles the address components present in facts.
func FactAddress(facts map[string]any) model.Address {
	return model.Address{
		Street:     FactString(facts, model.FactStreet),
		City:       FactString(facts, model.FactCity),
		State:      FactString(facts, model.FactState),
		PostalCode: FactString(facts, model.FactPostalCode),
	}
}
