package preprocess

import "testing"

func testMatcher() *Matcher {
	rules := []Rule{
		{Name: "skull", Keywords: []string{"skull", "craniu", "sinus"}},
		{Name: "spine", Keywords: []string{"spine", "coloana", "cervical"}},
		{Name: "chest", Keywords: []string{"chest", "torace", "pulmonar"}},
		{Name: "abdomen", Keywords: []string{"abdomen"}},
		{Name: "limb", Keywords: []string{"limb", "hand", "femur"}},
	}
	return NewMatcher(rules, []string{"skull", "spine", "chest", "abdomen"})
}

func TestMatcherMatch(t *testing.T) {
	m := testMatcher()

	cases := []struct {
		protocol string
		region   string
	}{
		{"Chest P.A.", "chest"},
		{"Torace A.P.", "chest"},
		{"CRANIU profil", "skull"},
		{"Coloana cervicala", "spine"},
		{"Abdomen pe gol", "abdomen"},
		{"Femur dreapta", "limb"},
		{"Mandible oblique", "unknown"},
		{"", "unknown"},
	}

	for _, tc := range cases {
		if got := m.Match(tc.protocol); got != tc.region {
			t.Fatalf("Match(%q) = %q, want %q", tc.protocol, got, tc.region)
		}
	}
}

func TestMatcherFirstRuleWins(t *testing.T) {
	// "cervical sinus" matches both skull and spine keywords; the rule
	// listed first decides.
	m := testMatcher()
	if got := m.Match("sinus vs cervical view"); got != "skull" {
		t.Fatalf("Match = %q, want skull", got)
	}
}

func TestMatcherSupported(t *testing.T) {
	m := testMatcher()
	if !m.Supported("chest") {
		t.Fatalf("chest should be supported")
	}
	if !m.Supported("Chest") {
		t.Fatalf("supported check should be case-insensitive")
	}
	if m.Supported("limb") {
		t.Fatalf("limb should not be supported")
	}
	if m.Supported("unknown") {
		t.Fatalf("unknown should not be supported")
	}
}

func TestProjection(t *testing.T) {
	cases := []struct {
		protocol string
		want     string
	}{
		{"Chest A.P.", "frontal"},
		{"Chest P.A.", "frontal"},
		{"Torace AP", "frontal"},
		{"Chest Lat.", "lateral"},
		{"Coloana laterala", "lateral"},
		{"Abdomen pe gol", ""},
	}

	for _, tc := range cases {
		if got := Projection(tc.protocol); got != tc.want {
			t.Fatalf("Projection(%q) = %q, want %q", tc.protocol, got, tc.want)
		}
	}
}
