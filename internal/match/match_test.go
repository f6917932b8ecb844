package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/provider-validation/internal/model"
)

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "janedoe", NormalizeName("Jane Doe"))
	assert.Equal(t, "obrien", NormalizeName("O'Brien"))
	assert.Equal(t, "jose", NormalizeName("José"))
	assert.Equal(t, "", NormalizeName("  123 "))
}

func TestName(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"exact", "Jane Doe", "Jane Doe", 1.0},
		{"case and punctuation", "JANE DOE", "jane-doe", 1.0},
		{"diacritics", "José Núñez", "Jose Nunez", 1.0},
		// janedoe vs janedoes: distance 1 over 8.
		{"one edit", "Jane Doe", "Jane Does", 1 - 1.0/8},
		{"below gate", "Jane Doe", "John Smith", 0},
		{"empty side", "", "Jane Doe", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Name(tt.a, tt.b), 1e-9)
		})
	}
}

func TestName_GateIsHard(t *testing.T) {
	// abcdefghij vs abcdefgxyz: 3 edits over 10 chars, similarity exactly 0.7.
	assert.Equal(t, 0.0, Name("abcdefghij", "abcdefgxyz"))
	// One fewer edit clears the gate.
	assert.InDelta(t, 0.8, Name("abcdefghij", "abcdefghyz"), 1e-9)
}

func TestName_SymmetricAndReflexive(t *testing.T) {
	pairs := [][2]string{
		{"Jane Doe", "Jane Does"},
		{"Katherine", "Catherine"},
		{"Smith", "Smyth"},
		{"Alexander Hamilton", "Alex Hamilton"},
	}
	for _, p := range pairs {
		assert.Equal(t, Name(p[0], p[1]), Name(p[1], p[0]), "%q vs %q", p[0], p[1])
		assert.Equal(t, 1.0, Name(p[0], p[0]))
		assert.Equal(t, Name(p[0], p[1]), Name(p[0], p[1]))
	}
}

func TestPhone(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"exact", "555-123-4567", "(555) 123 4567", 1.0},
		{"country code", "+1 (555) 123-4567", "5551234567", 0.95},
		{"area code differs", "5121234567", "5551234567", 0.7},
		{"different", "5551234567", "5559876543", 0},
		{"too short", "1234", "1234", 0},
		{"empty", "", "5551234567", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Phone(tt.a, tt.b))
		})
	}
}

func TestAddress(t *testing.T) {
	full := model.Address{City: "Austin", State: "TX", PostalCode: "78701-1234"}

	sim, ok := Address(full, model.Address{City: "austin", State: "tx", PostalCode: "78701"})
	require.True(t, ok)
	assert.InDelta(t, 1.0, sim, 1e-9)

	// Postal differs: (0.3 + 0.2) / 1.0.
	sim, ok = Address(full, model.Address{City: "Austin", State: "TX", PostalCode: "78702"})
	require.True(t, ok)
	assert.InDelta(t, 0.5, sim, 1e-9)

	// Only state comparable on the other side: normalized to 1.0.
	sim, ok = Address(full, model.Address{State: "TX"})
	require.True(t, ok)
	assert.InDelta(t, 1.0, sim, 1e-9)

	// Postal and state only, state mismatched: 0.5 / 0.8.
	sim, ok = Address(model.Address{State: "TX", PostalCode: "78701"}, model.Address{State: "CA", PostalCode: "78701"})
	require.True(t, ok)
	assert.InDelta(t, 0.625, sim, 1e-9)

	_, ok = Address(full, model.Address{Street: "1 Main St"})
	assert.False(t, ok)
}

func TestSpecialty(t *testing.T) {
	sim, ok := Specialty([]string{"Family Medicine"}, []string{"Family Medicine - Adult Medicine"})
	require.True(t, ok)
	assert.Equal(t, 1.0, sim)

	sim, ok = Specialty([]string{"Cardiology"}, []string{"Dermatology"})
	require.True(t, ok)
	assert.Equal(t, 0.0, sim)

	_, ok = Specialty(nil, []string{"Dermatology"})
	assert.False(t, ok)
	_, ok = Specialty([]string{"  "}, []string{"Dermatology"})
	assert.False(t, ok)
}

func TestCompare(t *testing.T) {
	rec := model.Record{
		Identifier:  "1234567893",
		FirstName:   "Jane",
		LastName:    "Doe",
		Phone:       "5551234567",
		Specialties: []string{"Family Medicine"},
	}
	facts := map[string]any{
		model.FactFirstName:   "JANE",
		model.FactLastName:    "DOE",
		model.FactPhone:       "555-123-4567",
		model.FactSpecialties: []any{"Family Medicine", 7},
		model.FactIdentifier:  "1234567893",
		model.FactCity:        "Austin",
	}

	got := Compare(rec, facts)

	assert.Equal(t, Result{Similarity: 1.0, Compared: true}, got[model.FieldName])
	assert.Equal(t, Result{Similarity: 1.0, Compared: true}, got[model.FieldPhone])
	assert.Equal(t, Result{Similarity: 1.0, Compared: true}, got[model.FieldSpecialty])
	assert.Equal(t, Result{Similarity: 1.0, Compared: true}, got[model.FieldIdentifier])
	_, ok := got[model.FieldAddress]
	assert.False(t, ok, "record has no address")
}

func TestCompare_MiddleName(t *testing.T) {
	rec := model.Record{Identifier: "1234567893", FirstName: "Jane", MiddleName: "Elizabeth", LastName: "Doe"}

	split := Compare(rec, map[string]any{model.FactFirstName: "Jane", model.FactLastName: "Doe"})
	assert.Equal(t, Result{Similarity: 1.0, Compared: true}, split[model.FieldName])

	combined := Compare(rec, map[string]any{model.FactName: "Jane Elizabeth Doe"})
	assert.Equal(t, Result{Similarity: 1.0, Compared: true}, combined[model.FieldName])
}

func TestCompare_MalformedFactsAreAbsent(t *testing.T) {
	rec := model.Record{Identifier: "1234567893", LastName: "Doe", Phone: "5551234567"}
	facts := map[string]any{
		model.FactName:  42,
		model.FactPhone: []string{"5551234567"},
	}
	assert.Empty(t, Compare(rec, facts))
	assert.Empty(t, Compare(rec, nil))
}

func TestCompare_InvalidIdentifierNeverMatches(t *testing.T) {
	rec := model.Record{Identifier: "1234567890", LastName: "Doe"}
	got := Compare(rec, map[string]any{model.FactIdentifier: "1234567890"})
	assert.Equal(t, Result{Similarity: 0, Compared: true}, got[model.FieldIdentifier])
	assert.False(t, got[model.FieldIdentifier].Matched())
}
