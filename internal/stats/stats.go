package stats

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/xrayvision/backend/internal/storage/models"
	"github.com/xrayvision/backend/internal/storage/sqlite"
)

// Metric is a derived ratio that may be undefined when its denominator is
// zero. Undefined metrics serialize as JSON null instead of NaN.
type Metric struct {
	Value   float64
	Defined bool
}

func (m Metric) MarshalJSON() ([]byte, error) {
	if !m.Defined {
		return []byte("null"), nil
	}
	return json.Marshal(m.Value)
}

func defined(value float64) Metric {
	return Metric{Value: value, Defined: true}
}

// Matrix is a confusion matrix of AI findings validated against
// radiologist reports. Positive is the AI side, truth is the radiologist
// side.
type Matrix struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	TN int `json:"tn"`
	FN int `json:"fn"`
}

func (m *Matrix) add(aiPositive, radPositive bool) {
	switch {
	case aiPositive && radPositive:
		m.TP++
	case aiPositive && !radPositive:
		m.FP++
	case !aiPositive && radPositive:
		m.FN++
	default:
		m.TN++
	}
}

func (m Matrix) total() int {
	return m.TP + m.FP + m.TN + m.FN
}

// RegionStats is the derived performance read-model for one region.
type RegionStats struct {
	Region      string `json:"region"`
	Matrix      Matrix `json:"matrix"`
	Cases       int    `json:"cases"`
	Sensitivity Metric `json:"sensitivity"`
	Specificity Metric `json:"specificity"`
	PPV         Metric `json:"ppv"`
	NPV         Metric `json:"npv"`
	MCC         Metric `json:"mcc"`
}

// Overview is the full statistics response.
type Overview struct {
	Overall    RegionStats    `json:"overall"`
	Regions    []RegionStats  `json:"regions"`
	Statuses   map[string]int `json:"statuses"`
	ExamsPerHr Metric         `json:"exams_per_hour"`
	AvgLatency Metric         `json:"avg_latency_ms"`
}

func derive(region string, m Matrix) RegionStats {
	s := RegionStats{Region: region, Matrix: m, Cases: m.total()}

	if m.TP+m.FN > 0 {
		s.Sensitivity = defined(float64(m.TP) / float64(m.TP+m.FN))
	}
	if m.TN+m.FP > 0 {
		s.Specificity = defined(float64(m.TN) / float64(m.TN+m.FP))
	}
	if m.TP+m.FP > 0 {
		s.PPV = defined(float64(m.TP) / float64(m.TP+m.FP))
	}
	if m.TN+m.FN > 0 {
		s.NPV = defined(float64(m.TN) / float64(m.TN+m.FN))
	}

	// MCC denominator is the geometric mean of the four marginals; any
	// empty marginal leaves it undefined.
	d := float64(m.TP+m.FP) * float64(m.TP+m.FN) * float64(m.TN+m.FP) * float64(m.TN+m.FN)
	if d > 0 {
		num := float64(m.TP*m.TN) - float64(m.FP*m.FN)
		s.MCC = defined(num / math.Sqrt(d))
	}
	return s
}

// Compute builds the statistics read-model from the persisted report
// pairs. Only exams where both the AI and the radiologist committed a
// finding participate in the confusion matrices.
func Compute(store *sqlite.Client) (*Overview, error) {
	pairs, err := store.ReportPairs()
	if err != nil {
		return nil, err
	}

	overall := Matrix{}
	perRegion := map[string]*Matrix{}
	for _, p := range pairs {
		if !p.AIPositive.Assessed() || !p.RadPositive.Assessed() {
			continue
		}
		ai := p.AIPositive == models.Positive
		rad := p.RadPositive == models.Positive

		overall.add(ai, rad)
		m, ok := perRegion[p.Region]
		if !ok {
			m = &Matrix{}
			perRegion[p.Region] = m
		}
		m.add(ai, rad)
	}

	regions := make([]RegionStats, 0, len(perRegion))
	for region, m := range perRegion {
		regions = append(regions, derive(region, *m))
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Region < regions[j].Region })

	statuses := map[string]int{}
	for _, st := range []models.ExamStatus{
		models.StatusQueued, models.StatusProcessing, models.StatusDone,
		models.StatusError, models.StatusIgnore,
	} {
		n, err := store.CountByStatus(st)
		if err != nil {
			return nil, err
		}
		statuses[string(st)] = n
	}

	o := &Overview{
		Overall:  derive("overall", overall),
		Regions:  regions,
		Statuses: statuses,
	}

	processed, err := store.ProcessedSince(time.Now().Add(-24 * time.Hour))
	if err == nil {
		o.ExamsPerHr = defined(float64(processed) / 24.0)
	}
	if latency, err := store.AverageLatencyMS(); err == nil && latency > 0 {
		o.AvgLatency = defined(latency)
	}
	return o, nil
}
