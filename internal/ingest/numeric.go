package ingest

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// groupingRunes matches characters that published statistical tables use as
// grouping separators or padding inside numbers: commas, apostrophes, and
// any Unicode space (WASDE-style PDFs are fond of non-breaking spaces).
var groupingRunes = runes.Remove(runes.Predicate(func(r rune) bool {
	return r == ',' || r == '\'' || unicode.IsSpace(r)
}))

// ParseNumeric attempts a best-effort numeric parse of source text after
// stripping grouping separators. Non-numeric values like "NA" or "-" are
// expected in source tables, so failure yields (nil, "") rather than an
// error. The warning is non-empty only when the text contains digits yet
// still fails to parse, which usually means a malformed source cell worth a
// human look.
func ParseNumeric(text string) (*float64, string) {
	cleaned, _, err := transform.String(groupingRunes, text)
	if err != nil {
		cleaned = strings.TrimSpace(text)
	}
	if cleaned == "" {
		return nil, ""
	}

	// Accounting-style negatives: "(2,131)" means -2131.
	negative := false
	if strings.HasPrefix(cleaned, "(") && strings.HasSuffix(cleaned, ")") {
		cleaned = cleaned[1 : len(cleaned)-1]
		negative = true
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		if strings.ContainsFunc(cleaned, unicode.IsDigit) {
			return nil, "value contains digits but is not numeric: " + text
		}
		return nil, ""
	}
	if negative {
		v = -v
	}
	return &v, ""
}
