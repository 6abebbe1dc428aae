package stats

import (
	"encoding/json"
	"math"
	"testing"
)

func TestDeriveKnownMatrix(t *testing.T) {
	// 2 TP, 1 FP, 3 TN, 1 FN, all hand-checked.
	m := Matrix{TP: 2, FP: 1, TN: 3, FN: 1}
	s := derive("chest", m)

	check := func(name string, got Metric, want float64) {
		if !got.Defined {
			t.Fatalf("%s should be defined", name)
		}
		if math.Abs(got.Value-want) > 1e-9 {
			t.Fatalf("%s = %f, want %f", name, got.Value, want)
		}
	}

	check("sensitivity", s.Sensitivity, 2.0/3.0)
	check("specificity", s.Specificity, 3.0/4.0)
	check("ppv", s.PPV, 2.0/3.0)
	check("npv", s.NPV, 3.0/4.0)

	// MCC = (2*3 - 1*1) / sqrt(3*3*4*4) = 5/12
	check("mcc", s.MCC, 5.0/12.0)

	if s.Cases != 7 {
		t.Fatalf("cases = %d, want 7", s.Cases)
	}
}

func TestDeriveZeroNegativesLeavesSpecificityUndefined(t *testing.T) {
	// Every truth is positive: TN+FP = 0.
	m := Matrix{TP: 5, FN: 2}
	s := derive("spine", m)

	if s.Specificity.Defined {
		t.Fatalf("specificity should be undefined with no negative cases")
	}
	if s.MCC.Defined {
		t.Fatalf("mcc should be undefined with an empty marginal")
	}
	if !s.Sensitivity.Defined {
		t.Fatalf("sensitivity should still be defined")
	}
}

func TestDeriveEmptyMatrix(t *testing.T) {
	s := derive("overall", Matrix{})
	for name, m := range map[string]Metric{
		"sensitivity": s.Sensitivity,
		"specificity": s.Specificity,
		"ppv":         s.PPV,
		"npv":         s.NPV,
		"mcc":         s.MCC,
	} {
		if m.Defined {
			t.Fatalf("%s should be undefined for an empty matrix", name)
		}
	}
}

func TestMatrixAdd(t *testing.T) {
	var m Matrix
	m.add(true, true)
	m.add(true, false)
	m.add(false, true)
	m.add(false, false)
	m.add(false, false)

	if m.TP != 1 || m.FP != 1 || m.FN != 1 || m.TN != 2 {
		t.Fatalf("matrix = %+v", m)
	}
}

func TestMetricJSONNullWhenUndefined(t *testing.T) {
	data, err := json.Marshal(struct {
		Defined   Metric `json:"defined"`
		Undefined Metric `json:"undefined"`
	}{
		Defined: defined(0.5),
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	want := `{"defined":0.5,"undefined":null}`
	if string(data) != want {
		t.Fatalf("json = %s, want %s", data, want)
	}
}
