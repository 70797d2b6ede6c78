package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestParseDecimalExact(t *testing.T) {
	const depth = "123.000000000000000000000000000001"
	d, err := ParseDecimal("depth", depth)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.String() != depth {
		t.Fatalf("round trip lost digits: %s", d.String())
	}
}

func TestCheckPrecisionLimits(t *testing.T) {
	cases := []struct {
		name string
		in   string
		ok   bool
	}{
		{"thirty fractional digits", "0." + strings.Repeat("1", 30), true},
		{"thirty one fractional digits", "0." + strings.Repeat("1", 31), false},
		{"trailing zeros ignored", "1." + strings.Repeat("0", 40), true},
		{"seventy integer digits", strings.Repeat("9", 70), true},
		{"seventy one integer digits", strings.Repeat("9", 71), false},
		{"negative", "-12.5", true},
	}
	for _, tc := range cases {
		_, err := ParseDecimal("value", tc.in)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrPrecisionLoss) {
			t.Fatalf("%s: expected precision loss, got %v", tc.name, err)
		}
	}
}

func TestParseDecimalRejectsGarbage(t *testing.T) {
	if _, err := ParseDecimal("depth", "deep"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestCanonicalDecimal(t *testing.T) {
	if got := CanonicalDecimal(MustDecimal("10.500")); got != "10.5" {
		t.Fatalf("canonical = %s", got)
	}
	if got := CanonicalDecimal(MustDecimal("100")); got != "100" {
		t.Fatalf("canonical = %s", got)
	}
}
