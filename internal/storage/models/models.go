package models

import "time"

// TriState is the three-valued assessment used for finding indicators and
// human validation. -1 always means "not yet assessed".
type TriState int

const (
	Unassessed TriState = -1
	Negative   TriState = 0
	Positive   TriState = 1
)

func (t TriState) String() string {
	switch t {
	case Negative:
		return "negative"
	case Positive:
		return "positive"
	default:
		return "unassessed"
	}
}

// Assessed reports whether the value carries an actual verdict.
func (t TriState) Assessed() bool {
	return t == Negative || t == Positive
}

// ExamStatus is the processing lifecycle of an exam.
type ExamStatus string

const (
	StatusNone       ExamStatus = "none"
	StatusQueued     ExamStatus = "queued"
	StatusProcessing ExamStatus = "processing"
	StatusDone       ExamStatus = "done"
	StatusError      ExamStatus = "error"
	StatusIgnore     ExamStatus = "ignore"
)

// statusEdges enumerates the legal transitions of the exam state machine.
// processing -> queued covers startup recovery and shutdown mid-flight.
var statusEdges = map[ExamStatus][]ExamStatus{
	StatusNone:       {StatusQueued},
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusDone, StatusError, StatusIgnore, StatusQueued},
	StatusDone:       {StatusQueued},
	StatusError:      {StatusQueued},
}

// CanTransition reports whether moving between two statuses follows a legal
// edge of the exam state machine.
func CanTransition(from, to ExamStatus) bool {
	for _, next := range statusEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Patient struct {
	CNP  string
	ID   string
	Name string
	Age  int
	Sex  string
}

type Exam struct {
	UID      string
	CNP      string
	ID       string
	Created  time.Time
	Protocol string
	Region   string
	Type     string
	Status   ExamStatus
	Study    string
	Series   string
}

type AIReport struct {
	UID        string
	Created    time.Time
	Updated    time.Time
	Text       string
	Positive   TriState
	Confidence int
	IsCorrect  TriState
	Reviewed   bool
	Model      string
	LatencyMS  int64
}

type RadReport struct {
	UID           string
	ID            string
	Created       time.Time
	Updated       *time.Time
	Text          string
	Positive      TriState
	Severity      int
	Summary       string
	Type          string
	Radiologist   string
	Justification string
	Model         string
	LatencyMS     int64
}
