package models

import (
	"testing"
)

func TestSourceLocationRoundTrip(t *testing.T) {
	tests := []struct {
		loc  SourceLocation
		want string
	}{
		{SourceLocation{Line: 11, BeginColumn: 13, EndColumn: 13}, "11|13|13"},
		{SourceLocation{Line: -1, BeginColumn: 1, EndColumn: 1}, "-1|1|1"},
	}
	for _, tt := range tests {
		if got := tt.loc.Encode(); got != tt.want {
			t.Errorf("Encode() = %q, want %q", got, tt.want)
		}
		decoded, err := DecodeSourceLocation(tt.want)
		if err != nil {
			t.Errorf("DecodeSourceLocation(%q): %v", tt.want, err)
			continue
		}
		if decoded != tt.loc {
			t.Errorf("round trip = %+v, want %+v", decoded, tt.loc)
		}
	}
}

func TestDecodeSourceLocationMalformed(t *testing.T) {
	for _, input := range []string{"", "1|2", "1|2|3|4", "a|b|c"} {
		if _, err := DecodeSourceLocation(input); err == nil {
			t.Errorf("DecodeSourceLocation(%q) should fail", input)
		}
	}
}

func TestEncodeLocations(t *testing.T) {
	locs := []SourceLocation{
		{Line: 1, BeginColumn: 2, EndColumn: 3},
		{Line: 4, BeginColumn: 5, EndColumn: 6},
	}
	if got := EncodeLocations(locs); got != "1|2|3,4|5|6" {
		t.Fatalf("EncodeLocations = %q", got)
	}
	if got := EncodeLocations(nil); got != "" {
		t.Fatalf("EncodeLocations(nil) = %q", got)
	}
}
