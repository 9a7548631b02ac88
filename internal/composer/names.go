package composer

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName composes Unicode (NFC), collapses whitespace and title-cases
// a contact name imported from spreadsheets or the CRM, where "ANA  SOUZA"
// and decomposed accents are common.
func NormalizeName(raw string) string {
	fields := strings.Fields(norm.NFC.String(raw))
	if len(fields) == 0 {
		return ""
	}
	return cases.Title(language.Und).String(strings.ToLower(strings.Join(fields, " ")))
}

// FirstName returns the first word of a normalized name.
func FirstName(name string) string {
	first, _, _ := strings.Cut(NormalizeName(name), " ")
	return first
}
