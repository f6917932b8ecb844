package model

// Field is a tracked record field that sources can corroborate.
type Field string

const (
	FieldName       Field = "name"
	FieldSpecialty  Field = "specialty"
	FieldIdentifier Field = "identifier"
	FieldAddress    Field = "address"
	FieldPhone      Field = "phone"
)

// AllFields lists every scored field in descending weight order.
var AllFields = []Field{FieldName, FieldSpecialty, FieldIdentifier, FieldAddress, FieldPhone}

// LedgerFields are the fields the trust ledger learns reliability for.
var LedgerFields = []Field{FieldName, FieldAddress, FieldPhone, FieldSpecialty}

// Label returns the capitalized display name used in breakdowns.
func (f Field) Label() string {
	switch f {
	case FieldName:
		return "Name"
	case FieldSpecialty:
		return "Specialty"
	case FieldIdentifier:
		return "Identifier"
	case FieldAddress:
		return "Address"
	case FieldPhone:
		return "Phone"
	}
	return string(f)
}

// Present reports whether the record carries a value for f.
func (r Record) Present(f Field) bool {
	switch f {
	case FieldName:
		return r.FullName() != ""
	case FieldSpecialty:
		return len(r.Specialties) > 0
	case FieldIdentifier:
		return r.Identifier != ""
	case FieldAddress:
		return r.Address.City != "" || r.Address.State != "" || r.Address.PostalCode != ""
	case FieldPhone:
		return r.Phone != ""
	}
	return false
}

// Fact keys used in SourceResult payloads. Adapters normalize whatever their
// upstream returns into these keys.
const (
	FactName        = "name"
	FactFirstName   = "first_name"
	FactLastName    = "last_name"
	FactPhone       = "phone"
	FactStreet      = "street"
	FactCity        = "city"
	FactState       = "state"
	FactPostalCode  = "postal_code"
	FactAddress     = "formatted_address"
	FactSpecialties = "specialties"
	FactIdentifier  = "identifier"
)

// SourceStatus is the outcome of a single source lookup.
type SourceStatus string

const (
	SourceSuccess SourceStatus = "success"
	SourceFailed  SourceStatus = "failed"
	SourceSkipped SourceStatus = "skipped"
)

// SourceResult is one source's answer about one record.
type SourceResult struct {
	Source        string            `json:"source"`
	Status        SourceStatus      `json:"status"`
	Facts         map[string]any    `json:"facts,omitempty"`
	Confidence    float64           `json:"confidence"`
	Discrepancies []string          `json:"discrepancies,omitempty"`
	Scope         []Field           `json:"scope,omitempty"`
	FieldScores   map[Field]float64 `json:"field_scores,omitempty"`
	Matches       *FieldMatch       `json:"matches,omitempty"`
}

// Failed builds a failed result carrying reason as its only discrepancy.
func Failed(source, reason string) SourceResult {
	return SourceResult{
		Source:        source,
		Status:        SourceFailed,
		Discrepancies: []string{reason},
	}
}

// Skipped builds a skipped result. Skipped sources are excluded from scoring.
func Skipped(source, reason string) SourceResult {
	res := SourceResult{Source: source, Status: SourceSkipped}
	if reason != "" {
		res.Discrepancies = []string{reason}
	}
	return res
}

// FieldMatch records, per tracked field, whether a source corroborated the
// record.
type FieldMatch struct {
	Name       bool `json:"name"`
	Specialty  bool `json:"specialty"`
	Identifier bool `json:"identifier"`
	Address    bool `json:"address"`
	Phone      bool `json:"phone"`
}

// Matched reports the match flag for f.
func (m FieldMatch) Matched(f Field) bool {
	switch f {
	case FieldName:
		return m.Name
	case FieldSpecialty:
		return m.Specialty
	case FieldIdentifier:
		return m.Identifier
	case FieldAddress:
		return m.Address
	case FieldPhone:
		return m.Phone
	}
	return false
}

// Set updates the match flag for f.
func (m *FieldMatch) Set(f Field, matched bool) {
	switch f {
	case FieldName:
		m.Name = matched
	case FieldSpecialty:
		m.Specialty = matched
	case FieldIdentifier:
		m.Identifier = matched
	case FieldAddress:
		m.Address = matched
	case FieldPhone:
		m.Phone = matched
	}
}
