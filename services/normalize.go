package services

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// zip5Regexp is the well-formed zipcode the quality gate counts.
	zip5Regexp = regexp.MustCompile(`^[0-9]{5}$`)

	nonDigitRegexp = regexp.MustCompile(`[^0-9]`)
)

// NormalizeZipcode drops every non-digit and left-pads what remains to five
// digits, so "75 001", "F-75001" and "6000" all become well-formed. A code
// with no digits or more than five is returned trimmed but otherwise
// untouched: format problems are reported by the quality gate, not here.
func NormalizeZipcode(raw string) string {
	z := strings.TrimSpace(raw)
	digits := nonDigitRegexp.ReplaceAllString(z, "")
	if digits == "" || len(digits) > 5 {
		return z
	}
	return strings.Repeat("0", 5-len(digits)) + digits
}

// IsZip5 reports whether code is exactly five digits.
func IsZip5(code string) bool {
	return zip5Regexp.MatchString(code)
}

// normaliseText strips leading/trailing whitespace and collapses internal whitespace.
func normaliseText(s string) string {
	fields := strings.FieldsFunc(s, unicode.IsSpace)
	return strings.Join(fields, " ")
}

// normaliseCode is normaliseText for lookup codes, which are compared upper-case.
func normaliseCode(s string) string {
	return strings.ToUpper(normaliseText(s))
}
