package services

import "testing"

func TestNormalizeZipcode(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"75001", "75001"},
		{" 75001 ", "75001"},
		{"6000", "06000"},
		{"1", "00001"},
		{"750011", "750011"},
		{"75 001", "75001"},
		{"F-75001", "75001"},
		{" 7500 1", "75001"},
		{"6 000", "06000"},
		{"2A004", "02004"},
		{"CEDEX", "CEDEX"},
		{"750 011", "750 011"},
		{"", ""},
		{"   ", ""},
	}

	for _, tt := range tests {
		if got := NormalizeZipcode(tt.raw); got != tt.want {
			t.Errorf("NormalizeZipcode(%q) = %q; want %q", tt.raw, got, tt.want)
		}
	}
}

func TestIsZip5(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"75001", true},
		{"06000", true},
		{"6000", false},
		{"2A004", false},
		{"750011", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsZip5(tt.code); got != tt.want {
			t.Errorf("IsZip5(%q) = %v; want %v", tt.code, got, tt.want)
		}
	}
}

func TestNormaliseText(t *testing.T) {
	if got := normaliseText("  Saint   Denis\t"); got != "Saint Denis" {
		t.Errorf("normaliseText: got %q", got)
	}
	if got := normaliseCode(" sell "); got != "SELL" {
		t.Errorf("normaliseCode: got %q", got)
	}
}
