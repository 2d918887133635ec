package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNumeric(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    *float64
		warning bool
	}{
		{name: "plain integer", text: "2131", want: ptr(2131.0)},
		{name: "thousands separator", text: "2,131", want: ptr(2131.0)},
		{name: "large grouped", text: "14,900", want: ptr(14900.0)},
		{name: "millions", text: "1,234,567", want: ptr(1234567.0)},
		{name: "decimal", text: "14.9", want: ptr(14.9)},
		{name: "grouped decimal", text: "1,234.56", want: ptr(1234.56)},
		{name: "negative sign", text: "-42", want: ptr(-42.0)},
		{name: "accounting negative", text: "(2,131)", want: ptr(-2131.0)},
		{name: "apostrophe separator", text: "1'234", want: ptr(1234.0)},
		{name: "internal spaces", text: "1 234", want: ptr(1234.0)},
		{name: "non-breaking space", text: "1 234", want: ptr(1234.0)},
		{name: "leading and trailing spaces", text: "  42  ", want: ptr(42.0)},
		{name: "NA marker", text: "NA", want: nil},
		{name: "dash marker", text: "-", want: nil},
		{name: "empty", text: "", want: nil},
		{name: "spaces only", text: "   ", want: nil},
		{name: "text", text: "withheld", want: nil},
		{name: "digits plus junk warns", text: "12x4", want: nil, warning: true},
		{name: "footnote marker warns", text: "2,131 1/", want: nil, warning: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warning := ParseNumeric(tt.text)
			if tt.want == nil {
				assert.Nil(t, got)
			} else {
				require.NotNil(t, got)
				assert.InDelta(t, *tt.want, *got, 1e-9)
			}
			if tt.warning {
				assert.NotEmpty(t, warning)
			} else {
				assert.Empty(t, warning)
			}
		})
	}
}

func ptr(f float64) *float64 { return &f }
