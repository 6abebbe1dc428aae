package inference

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xrayvision/backend/internal/storage/models"
	"github.com/xrayvision/backend/pkg/config"
)

func TestParseResult(t *testing.T) {
	r, err := parseResult(`{"positive": true, "description": "Left clavicle fracture.", "confidence": 88}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Positive != models.Positive {
		t.Fatalf("positive = %v", r.Positive)
	}
	if r.Description != "Left clavicle fracture." {
		t.Fatalf("description = %q", r.Description)
	}
	if r.Confidence != 88 {
		t.Fatalf("confidence = %d", r.Confidence)
	}
}

func TestParseResultExtractsObjectFromProse(t *testing.T) {
	content := "Here is my assessment:\n```json\n{\"positive\": false, \"description\": \"No acute findings.\", \"confidence\": 95}\n```\nLet me know."
	r, err := parseResult(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Positive != models.Negative {
		t.Fatalf("positive = %v", r.Positive)
	}
	if r.Confidence != 95 {
		t.Fatalf("confidence = %d", r.Confidence)
	}
}

func TestParseResultClampsConfidence(t *testing.T) {
	r, err := parseResult(`{"positive": true, "description": "x", "confidence": 140}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Confidence != 100 {
		t.Fatalf("confidence = %d, want 100", r.Confidence)
	}
}

func TestParseResultRejectsProseOnly(t *testing.T) {
	if _, err := parseResult("YES, there is a fracture."); err == nil {
		t.Fatalf("expected error for non-JSON content")
	}
}

func TestPatientWording(t *testing.T) {
	cases := map[string]string{"M": "boy", "F": "girl", "O": "child", "": "child", "m": "boy"}
	for sex, want := range cases {
		if got := PatientWording(sex); got != want {
			t.Fatalf("PatientWording(%q) = %q, want %q", sex, got, want)
		}
	}
}

func TestBuildUserPrompt(t *testing.T) {
	p := BuildUserPrompt("Check the chest xray.", 7, "F", "frontal", "Previous: no findings.")

	for _, fragment := range []string{
		"Check the chest xray.",
		"girl aged 7",
		"projection is frontal",
		"Previous: no findings.",
		`"confidence"`,
	} {
		if !strings.Contains(p, fragment) {
			t.Fatalf("prompt missing %q:\n%s", fragment, p)
		}
	}
}

func TestBuildUserPromptWithoutPrior(t *testing.T) {
	p := BuildUserPrompt("Check.", 0, "", "", "")
	if strings.Contains(p, "previous exam") {
		t.Fatalf("prompt should not mention a prior report: %s", p)
	}
	if !strings.Contains(p, "child") {
		t.Fatalf("prompt should default to child wording: %s", p)
	}
}

const completionBody = `{
	"id": "cmpl-1",
	"object": "chat.completion",
	"model": "medgemma-4b-it",
	"choices": [{
		"index": 0,
		"finish_reason": "stop",
		"message": {
			"role": "assistant",
			"content": "{\"positive\": true, \"description\": \"Pleural effusion.\", \"confidence\": 77}"
		}
	}]
}`

func testEngine(primaryURL, secondaryURL string) *Engine {
	return NewEngine(config.InferenceConfig{
		PrimaryURL:   primaryURL,
		SecondaryURL: secondaryURL,
		APIKey:       "test-key",
		Model:        "medgemma-4b-it",
		TimeoutSec:   5,
		MaxTokens:    256,
		Temperature:  0.2,
	}, NewPromptSet(nil, "Check the xray."))
}

func TestAnalyzeUsesPrimary(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionBody))
	}))
	defer primary.Close()

	e := testEngine(primary.URL+"/v1", "")

	result, err := e.Analyze(context.Background(), Request{
		PNG:    []byte{0x89, 0x50},
		Region: "chest",
		Sex:    "M",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Endpoint != "primary" {
		t.Fatalf("endpoint = %q, want primary", result.Endpoint)
	}
	if result.Positive != models.Positive || result.Confidence != 77 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.LatencyMS < 0 {
		t.Fatalf("latency = %d", result.LatencyMS)
	}
}

func TestAnalyzeFailsOverToSecondary(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer primary.Close()

	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionBody))
	}))
	defer secondary.Close()

	e := testEngine(primary.URL+"/v1", secondary.URL+"/v1")

	result, err := e.Analyze(context.Background(), Request{
		PNG:    []byte{0x89, 0x50},
		Region: "chest",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Endpoint != "secondary" {
		t.Fatalf("endpoint = %q, want secondary", result.Endpoint)
	}
	if result.Description != "Pleural effusion." {
		t.Fatalf("description = %q", result.Description)
	}
}

func TestAnalyzeFailsOverOnMalformedContent(t *testing.T) {
	malformed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "cmpl-2",
			"object": "chat.completion",
			"model": "medgemma-4b-it",
			"choices": [{
				"index": 0,
				"finish_reason": "stop",
				"message": {"role": "assistant", "content": "NO"}
			}]
		}`))
	}))
	defer malformed.Close()

	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionBody))
	}))
	defer secondary.Close()

	e := testEngine(malformed.URL+"/v1", secondary.URL+"/v1")

	result, err := e.Analyze(context.Background(), Request{PNG: []byte{1}, Region: "chest"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Endpoint != "secondary" {
		t.Fatalf("endpoint = %q, want secondary", result.Endpoint)
	}
}

func TestAnalyzeAllEndpointsDown(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer down.Close()

	e := testEngine(down.URL+"/v1", down.URL+"/v1")

	if _, err := e.Analyze(context.Background(), Request{PNG: []byte{1}, Region: "chest"}); err == nil {
		t.Fatalf("expected error when every endpoint fails")
	}
}
