// Package match grades how closely a source's facts agree with a record,
// one field type at a time. Every function is pure and safe for concurrent use.
package match

import (
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/provider-validation/internal/model"
)

// Threshold is the similarity at or above which a graded comparison counts
// as a match.
const Threshold = 0.7

// nameGate is the minimum edit-distance similarity a fuzzy name must exceed.
const nameGate = 0.7

// Address component weights.
const (
	postalWeight = 0.5
	stateWeight  = 0.3
	cityWeight   = 0.2
)

// NormalizeName folds diacritics, lowercases, and keeps only a-z.
func NormalizeName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range strings.ToLower(folded) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Name returns 1.0 for names equal after normalization, the edit-distance
// similarity when it exceeds the gate, and 0 otherwise.
func Name(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1.0
	}

	longest := max(len(na), len(nb))
	sim := 1 - float64(levenshtein.Distance(na, nb, nil))/float64(longest)
	if sim > nameGate {
		return sim
	}
	return 0
}

// Digits strips everything but ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Phone grades two phone numbers: exact digits 1.0, same last ten 0.95,
// same last seven 0.7, otherwise 0.
func Phone(a, b string) float64 {
	da, db := Digits(a), Digits(b)
	if len(da) < 7 || len(db) < 7 {
		return 0
	}
	switch {
	case da == db:
		return 1.0
	case len(da) >= 10 && len(db) >= 10 && lastN(da, 10) == lastN(db, 10):
		return 0.95
	case lastN(da, 7) == lastN(db, 7):
		return 0.7
	}
	return 0
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Address combines postal code, state, and city agreement, normalized by
// the weight of the components present on both sides. Street is not
// compared. The second return is false when no component could be compared.
func Address(a, b model.Address) (float64, bool) {
	var score, weight float64

	if pa, pb := postal5(a.PostalCode), postal5(b.PostalCode); pa != "" && pb != "" {
		weight += postalWeight
		if pa == pb {
			score += postalWeight
		}
	}

	if sa, sb := strings.TrimSpace(a.State), strings.TrimSpace(b.State); sa != "" && sb != "" {
		weight += stateWeight
		if strings.EqualFold(sa, sb) {
			score += stateWeight
		}
	}

	if NormalizeName(a.City) != "" && NormalizeName(b.City) != "" {
		weight += cityWeight
		score += cityWeight * Name(a.City, b.City)
	}

	if weight == 0 {
		return 0, false
	}
	return score / weight, true
}

func postal5(s string) string {
	d := Digits(s)
	if len(d) < 5 {
		return ""
	}
	return d[:5]
}

// Specialty reports 1.0 when any tag on one side contains, or is contained
// by, any tag on the other, ignoring case. The second return is false when
// either side has no usable tag.
func Specialty(a, b []string) (float64, bool) {
	la, lb := cleanTags(a), cleanTags(b)
	if len(la) == 0 || len(lb) == 0 {
		return 0, false
	}
	for _, x := range la {
		for _, y := range lb {
			if strings.Contains(x, y) || strings.Contains(y, x) {
				return 1.0, true
			}
		}
	}
	return 0, true
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
