package preprocess

import (
	"strings"
)

// RegionUnknown is assigned when no dictionary rule matches the protocol.
const RegionUnknown = "unknown"

// Rule maps one anatomical region to the protocol keywords that identify it.
type Rule struct {
	Name     string
	Keywords []string
}

// Matcher classifies exam protocols into anatomical regions using an
// ordered keyword dictionary. Rules are evaluated in configuration order
// and the first match wins, so overlapping keywords resolve the same way
// on every run.
type Matcher struct {
	rules     []Rule
	supported map[string]bool
}

func NewMatcher(rules []Rule, supported []string) *Matcher {
	m := &Matcher{rules: rules, supported: make(map[string]bool, len(supported))}
	for _, s := range supported {
		m.supported[strings.ToLower(s)] = true
	}
	return m
}

// Match returns the region for a protocol description, or RegionUnknown.
func (m *Matcher) Match(protocol string) string {
	p := strings.ToLower(protocol)
	if p == "" {
		return RegionUnknown
	}
	for _, rule := range m.rules {
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(p, strings.ToLower(kw)) {
				return rule.Name
			}
		}
	}
	return RegionUnknown
}

// Supported reports whether the region is enabled for analysis.
func (m *Matcher) Supported(region string) bool {
	return m.supported[strings.ToLower(region)]
}

// Projection derives the view direction from the protocol description.
// Returns "frontal", "lateral" or an empty string when indeterminate.
func Projection(protocol string) string {
	p := strings.ToLower(protocol)
	if strings.Contains(p, "a.p") || strings.Contains(p, "p.a") || strings.Contains(p, "frontal") {
		return "frontal"
	}
	for _, tok := range strings.FieldsFunc(p, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '-' || r == '/'
	}) {
		switch tok {
		case "ap", "pa":
			return "frontal"
		}
	}
	if strings.Contains(p, "lat") {
		return "lateral"
	}
	return ""
}
