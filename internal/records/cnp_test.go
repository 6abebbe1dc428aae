package records

import (
	"testing"
	"time"
)

func TestValidCNP(t *testing.T) {
	cases := []struct {
		cnp   string
		valid bool
	}{
		{"5030115012341", true},
		{"6030115012341", true},
		{"5030115012340", false}, // wrong checksum
		{"503011501234", false},  // too short
		{"50301150123411", false},
		{"5030115O12341", false}, // letter
		{"", false},
	}

	for _, tc := range cases {
		if got := ValidCNP(tc.cnp); got != tc.valid {
			t.Fatalf("ValidCNP(%q) = %v, want %v", tc.cnp, got, tc.valid)
		}
	}
}

func TestParseCNP(t *testing.T) {
	birth, sex, err := ParseCNP("5030115012341")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sex != "M" {
		t.Fatalf("sex = %q, want M", sex)
	}
	if birth.Year() != 2003 || birth.Month() != time.January || birth.Day() != 15 {
		t.Fatalf("birth = %v", birth)
	}

	_, sex, err = ParseCNP("6030115012341")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sex != "F" {
		t.Fatalf("sex = %q, want F", sex)
	}
}

func TestParseCNPRejectsInvalid(t *testing.T) {
	if _, _, err := ParseCNP("5030115012340"); err == nil {
		t.Fatalf("expected error for bad checksum")
	}
}

func TestAgeFromCNP(t *testing.T) {
	at := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

	age, err := AgeFromCNP("5030115012341", at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if age != 22 {
		t.Fatalf("age = %d, want 22", age)
	}

	// Before the birthday in the reference year.
	early := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
	age, err = AgeFromCNP("5030115012341", early)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if age != 21 {
		t.Fatalf("age = %d, want 21", age)
	}
}
