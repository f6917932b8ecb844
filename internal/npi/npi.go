// Package npi validates National Provider Identifiers.
package npi

// issuerPrefix is the card-issuer prefix NPIs are checksummed under.
const issuerPrefix = "80840"

// Length is the number of digits in an NPI.
const Length = 10

// IsValid reports whether id is a 10-digit NPI whose Luhn check digit is
// correct once the issuer prefix is prepended. It never panics and performs
// no I/O, so it can gate lookups before any network call.
func IsValid(id string) bool {
	if len(id) != Length {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}

	digits := issuerPrefix + id
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
