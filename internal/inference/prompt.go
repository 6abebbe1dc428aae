package inference

import (
	"fmt"
	"strings"
)

// answerContract is appended to every prompt so the model output stays
// machine-parseable.
const answerContract = `Respond with a single JSON object: {"positive": true|false, "description": "<one line findings description like a radiologist>", "confidence": <0-100>}.`

// PromptSet holds the per-region analysis prompts with a fallback for
// regions that have no dedicated wording.
type PromptSet struct {
	prompts     map[string]string
	defaultText string
}

func NewPromptSet(prompts map[string]string, defaultText string) *PromptSet {
	return &PromptSet{prompts: prompts, defaultText: defaultText}
}

// For returns the analysis prompt for a region.
func (s *PromptSet) For(region string) string {
	if p, ok := s.prompts[strings.ToLower(region)]; ok && p != "" {
		return p
	}
	return s.defaultText
}

// PatientWording maps the DICOM sex code to the wording used in prompts.
// The service only ever sees pediatric exams.
func PatientWording(sex string) string {
	switch strings.ToUpper(strings.TrimSpace(sex)) {
	case "M":
		return "boy"
	case "F":
		return "girl"
	default:
		return "child"
	}
}

// BuildUserPrompt assembles the full text part of the request: the region
// prompt, patient context, optional projection and the prior report for
// longitudinal comparison when one exists.
func BuildUserPrompt(base string, ageYears int, sex, projection, prior string) string {
	var b strings.Builder
	b.WriteString(base)

	b.WriteString(fmt.Sprintf(" The patient is a %s", PatientWording(sex)))
	if ageYears > 0 {
		b.WriteString(fmt.Sprintf(" aged %d", ageYears))
	}
	b.WriteString(".")

	if projection != "" {
		b.WriteString(fmt.Sprintf(" The projection is %s.", projection))
	}
	if prior != "" {
		b.WriteString(" A previous exam of the same patient and region was reported as: ")
		b.WriteString(prior)
	}

	b.WriteString(" ")
	b.WriteString(answerContract)
	return b.String()
}
