package model

import (
	"fmt"
	"slices"
	"strings"
)

// Address holds the postal components of a practice location.
type Address struct {
	Street     string `json:"street,omitempty" yaml:"street,omitempty"`
	City       string `json:"city,omitempty" yaml:"city,omitempty"`
	State      string `json:"state,omitempty" yaml:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty" yaml:"postal_code,omitempty"`
}

// IsZero reports whether no address component is set.
func (a Address) IsZero() bool {
	return a.Street == "" && a.City == "" && a.State == "" && a.PostalCode == ""
}

// String formats the address on one line, skipping empty parts.
func (a Address) String() string {
	var parts []string
	if a.Street != "" {
		parts = append(parts, a.Street)
	}
	if a.City != "" {
		parts = append(parts, a.City)
	}
	tail := strings.TrimSpace(a.State + " " + a.PostalCode)
	if tail != "" {
		parts = append(parts, tail)
	}
	return strings.Join(parts, ", ")
}

// Record is a provider record under validation. Records change only through
// ApplyChanges, which bumps Version.
type Record struct {
	ID          string   `json:"id" yaml:"id"`
	Identifier  string   `json:"identifier" yaml:"identifier"`
	FirstName   string   `json:"first_name,omitempty" yaml:"first_name,omitempty"`
	MiddleName  string   `json:"middle_name,omitempty" yaml:"middle_name,omitempty"`
	LastName    string   `json:"last_name,omitempty" yaml:"last_name,omitempty"`
	Phone       string   `json:"phone,omitempty" yaml:"phone,omitempty"`
	Address     Address  `json:"address,omitempty" yaml:"address,omitempty"`
	Specialties []string `json:"specialties,omitempty" yaml:"specialties,omitempty"`
	Version     int      `json:"version" yaml:"version"`
}

// Key returns the storage key, falling back to the identifier.
func (r Record) Key() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Identifier
}

// FullName joins the non-empty name parts with single spaces.
func (r Record) FullName() string {
	return strings.Join(strings.Fields(r.FirstName+" "+r.MiddleName+" "+r.LastName), " ")
}

// Validate checks the fields every validation needs before any lookup runs.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Identifier) == "" {
		return NewInputError("identifier", "is required")
	}
	if strings.TrimSpace(r.LastName) == "" && strings.TrimSpace(r.FirstName) == "" {
		return NewInputError("name", "is required")
	}
	return nil
}

// Record attribute keys accepted by ApplyChanges and used in suggested changes.
const (
	AttrFirstName   = "first_name"
	AttrMiddleName  = "middle_name"
	AttrLastName    = "last_name"
	AttrPhone       = "phone"
	AttrStreet      = "street"
	AttrCity        = "city"
	AttrState       = "state"
	AttrPostalCode  = "postal_code"
	AttrSpecialties = "specialties"
)

// Attributes returns the correctable attribute keys in a stable order.
func Attributes() []string {
	return []string{
		AttrFirstName, AttrMiddleName, AttrLastName, AttrPhone,
		AttrStreet, AttrCity, AttrState, AttrPostalCode, AttrSpecialties,
	}
}

// Attribute returns the current value stored under key.
func (r Record) Attribute(key string) (any, bool) {
	switch key {
	case AttrFirstName:
		return r.FirstName, true
	case AttrMiddleName:
		return r.MiddleName, true
	case AttrLastName:
		return r.LastName, true
	case AttrPhone:
		return r.Phone, true
	case AttrStreet:
		return r.Address.Street, true
	case AttrCity:
		return r.Address.City, true
	case AttrState:
		return r.Address.State, true
	case AttrPostalCode:
		return r.Address.PostalCode, true
	case AttrSpecialties:
		return slices.Clone(r.Specialties), true
	}
	return nil, false
}

// ApplyChanges returns a copy of r with changes applied and the version
// incremented exactly once. The receiver is left untouched.
func (r Record) ApplyChanges(changes map[string]any) (Record, error) {
	if len(changes) == 0 {
		return r, NewInputError("changes", "no changes supplied")
	}

	out := r
	out.Specialties = slices.Clone(r.Specialties)

	for key, raw := range changes {
		if key == AttrSpecialties {
			tags, err := toStringSlice(raw)
			if err != nil {
				return r, NewInputError(key, err.Error())
			}
			out.Specialties = tags
			continue
		}

		s, ok := raw.(string)
		if !ok {
			return r, NewInputError(key, fmt.Sprintf("expected string, got %T", raw))
		}
		switch key {
		case AttrFirstName:
			out.FirstName = s
		case AttrMiddleName:
			out.MiddleName = s
		case AttrLastName:
			out.LastName = s
		case AttrPhone:
			out.Phone = s
		case AttrStreet:
			out.Address.Street = s
		case AttrCity:
			out.Address.City = s
		case AttrState:
			out.Address.State = s
		case AttrPostalCode:
			out.Address.PostalCode = s
		default:
			return r, NewInputError(key, "unknown record attribute")
		}
	}

	out.Version = r.Version + 1
	return out, nil
}

func toStringSlice(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return slices.Clone(t), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected list of strings, got element %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		return []string{t}, nil
	}
	return nil, fmt.Errorf("expected list of strings, got %T", v)
}
