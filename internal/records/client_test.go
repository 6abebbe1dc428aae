package records

import (
	"encoding/json"
	"testing"
)

func TestReportDecodeDefaultsTriStateFields(t *testing.T) {
	var r Report
	if err := json.Unmarshal([]byte(`{"text": "No prior report."}`), &r); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if r.Positive != -1 {
		t.Fatalf("positive = %d, want -1 when omitted", r.Positive)
	}
	if r.Severity != -1 {
		t.Fatalf("severity = %d, want -1 when omitted", r.Severity)
	}
	if r.Text != "No prior report." {
		t.Fatalf("text = %q", r.Text)
	}
}

func TestReportDecodeKeepsExplicitZero(t *testing.T) {
	var r Report
	payload := `{"text": "Normal.", "positive": 0, "severity": 0, "radiologist": "Dr. Pop"}`
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if r.Positive != 0 || r.Severity != 0 {
		t.Fatalf("explicit zeroes lost: positive=%d severity=%d", r.Positive, r.Severity)
	}
	if r.Radiologist != "Dr. Pop" {
		t.Fatalf("radiologist = %q", r.Radiologist)
	}
}

func TestReportCacheRoundTrip(t *testing.T) {
	in := Report{Text: "Fracture.", Positive: 1, Severity: 2}
	data, err := json.Marshal(&in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out Report
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("round trip changed report: %+v", out)
	}
}
