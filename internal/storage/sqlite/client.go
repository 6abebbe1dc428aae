package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/xrayvision/backend/internal/storage/models"
	"github.com/xrayvision/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		cnp TEXT PRIMARY KEY,
		id TEXT,
		name TEXT NOT NULL DEFAULT '',
		age INTEGER NOT NULL DEFAULT -1,
		sex TEXT NOT NULL DEFAULT 'O'
	);
	CREATE INDEX IF NOT EXISTS idx_patients_name ON patients(name);

	CREATE TABLE IF NOT EXISTS exams (
		uid TEXT PRIMARY KEY,
		cnp TEXT NOT NULL,
		id TEXT,
		created INTEGER NOT NULL,
		protocol TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'none',
		study TEXT,
		series TEXT,
		FOREIGN KEY (cnp) REFERENCES patients(cnp)
	);
	CREATE INDEX IF NOT EXISTS idx_exams_status ON exams(status);
	CREATE INDEX IF NOT EXISTS idx_exams_region ON exams(region);
	CREATE INDEX IF NOT EXISTS idx_exams_cnp ON exams(cnp);
	CREATE INDEX IF NOT EXISTS idx_exams_created ON exams(created);
	CREATE INDEX IF NOT EXISTS idx_exams_study ON exams(study);

	CREATE TABLE IF NOT EXISTS ai_reports (
		uid TEXT PRIMARY KEY,
		created INTEGER NOT NULL,
		updated INTEGER NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		positive INTEGER NOT NULL DEFAULT -1,
		confidence INTEGER NOT NULL DEFAULT -1,
		is_correct INTEGER NOT NULL DEFAULT -1,
		reviewed INTEGER NOT NULL DEFAULT 0,
		model TEXT,
		latency_ms INTEGER NOT NULL DEFAULT -1,
		FOREIGN KEY (uid) REFERENCES exams(uid)
	);
	CREATE INDEX IF NOT EXISTS idx_ai_reports_created ON ai_reports(created);

	CREATE TABLE IF NOT EXISTS rad_reports (
		uid TEXT PRIMARY KEY,
		id TEXT,
		created INTEGER NOT NULL,
		updated INTEGER,
		text TEXT NOT NULL DEFAULT '',
		positive INTEGER NOT NULL DEFAULT -1,
		severity INTEGER NOT NULL DEFAULT -1,
		summary TEXT,
		type TEXT,
		radiologist TEXT,
		justification TEXT,
		model TEXT,
		latency_ms INTEGER NOT NULL DEFAULT -1,
		FOREIGN KEY (uid) REFERENCES exams(uid)
	);
	CREATE INDEX IF NOT EXISTS idx_rad_reports_created ON rad_reports(created);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) UpsertPatient(p *models.Patient) error {
	query := `
		INSERT INTO patients (cnp, id, name, age, sex)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cnp) DO UPDATE SET
			id = CASE WHEN excluded.id != '' THEN excluded.id ELSE patients.id END,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE patients.name END,
			age = CASE WHEN excluded.age >= 0 THEN excluded.age ELSE patients.age END,
			sex = CASE WHEN excluded.sex IN ('M','F') THEN excluded.sex ELSE patients.sex END
	`

	_, err := c.db.Exec(query, p.CNP, p.ID, p.Name, p.Age, p.Sex)
	if err != nil {
		return fmt.Errorf("failed to upsert patient: %w", err)
	}

	logger.Debug("Patient upserted", zap.String("cnp", p.CNP))
	return nil
}

// UpsertExam inserts a new exam with status queued, or refreshes the
// descriptive fields of an existing row without touching its status.
// The returned status is the row's status after the call, so the caller
// can decide whether the exam belongs in the queue.
func (c *Client) UpsertExam(e *models.Exam) (models.ExamStatus, error) {
	query := `
		INSERT INTO exams (uid, cnp, id, created, protocol, region, type, status, study, series)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			cnp = excluded.cnp,
			id = excluded.id,
			protocol = excluded.protocol,
			region = excluded.region,
			type = excluded.type,
			study = excluded.study,
			series = excluded.series
	`

	status := e.Status
	if status == "" || status == models.StatusNone {
		status = models.StatusQueued
	}

	_, err := c.db.Exec(
		query,
		e.UID,
		e.CNP,
		e.ID,
		e.Created.Unix(),
		e.Protocol,
		e.Region,
		e.Type,
		string(status),
		e.Study,
		e.Series,
	)
	if err != nil {
		return "", fmt.Errorf("failed to upsert exam: %w", err)
	}

	var current string
	err = c.db.QueryRow(`SELECT status FROM exams WHERE uid = ?`, e.UID).Scan(&current)
	if err != nil {
		return "", fmt.Errorf("failed to read exam status: %w", err)
	}

	logger.Debug("Exam upserted", zap.String("uid", e.UID), zap.String("status", current))
	return models.ExamStatus(current), nil
}

const examColumns = `uid, cnp, id, created, protocol, region, type, status, study, series`

func scanExam(row interface{ Scan(...interface{}) error }) (*models.Exam, error) {
	var e models.Exam
	var id, study, series sql.NullString
	var created int64
	var status string

	err := row.Scan(&e.UID, &e.CNP, &id, &created, &e.Protocol, &e.Region, &e.Type, &status, &study, &series)
	if err != nil {
		return nil, err
	}

	e.ID = id.String
	e.Study = study.String
	e.Series = series.String
	e.Created = time.Unix(created, 0)
	e.Status = models.ExamStatus(status)
	return &e, nil
}

func (c *Client) GetExam(uid string) (*models.Exam, error) {
	row := c.db.QueryRow(`SELECT `+examColumns+` FROM exams WHERE uid = ?`, uid)
	exam, err := scanExam(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get exam: %w", err)
	}
	return exam, nil
}

func (c *Client) ListExams(status models.ExamStatus, region string, limit int) ([]models.Exam, error) {
	query := `SELECT ` + examColumns + ` FROM exams WHERE 1=1`
	args := []interface{}{}

	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if region != "" {
		query += ` AND region = ?`
		args = append(args, region)
	}
	query += ` ORDER BY created DESC LIMIT ?`
	args = append(args, limit)

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list exams: %w", err)
	}
	defer rows.Close()

	var exams []models.Exam
	for rows.Next() {
		exam, err := scanExam(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan exam: %w", err)
		}
		exams = append(exams, *exam)
	}

	return exams, rows.Err()
}

// SetStatus performs a guarded transition: the update only applies when the
// row is still in the expected status, so two racing callers cannot both
// win. The bool result reports whether this call performed the transition.
func (c *Client) SetStatus(uid string, from, to models.ExamStatus) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, fmt.Errorf("illegal status transition %s -> %s", from, to)
	}

	res, err := c.db.Exec(
		`UPDATE exams SET status = ? WHERE uid = ? AND status = ?`,
		string(to), uid, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("failed to set status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if n == 1 {
		logger.Debug("Exam status changed",
			zap.String("uid", uid),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}
	return n == 1, nil
}

// ClaimExam atomically moves a queued exam to processing.
func (c *Client) ClaimExam(uid string) (bool, error) {
	return c.SetStatus(uid, models.StatusQueued, models.StatusProcessing)
}

// RequeueExam moves a terminal done or error exam back to queued. Exactly
// one of any number of concurrent calls succeeds.
func (c *Client) RequeueExam(uid string) (bool, error) {
	res, err := c.db.Exec(
		`UPDATE exams SET status = ? WHERE uid = ? AND status IN (?, ?)`,
		string(models.StatusQueued), uid, string(models.StatusDone), string(models.StatusError),
	)
	if err != nil {
		return false, fmt.Errorf("failed to requeue exam: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// ResetProcessing returns any exam left in processing by a previous run to
// the queue. Called once at startup before the worker starts.
func (c *Client) ResetProcessing() (int64, error) {
	res, err := c.db.Exec(
		`UPDATE exams SET status = ? WHERE status = ?`,
		string(models.StatusQueued), string(models.StatusProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing exams: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if n > 0 {
		logger.Warn("Recovered exams stuck in processing", zap.Int64("count", n))
	}
	return n, nil
}

// QueuedExams returns the UIDs of all queued exams in enqueue order, used
// to rebuild the in-memory queue after a restart.
func (c *Client) QueuedExams() ([]string, error) {
	rows, err := c.db.Query(
		`SELECT uid FROM exams WHERE status = ? ORDER BY created ASC`,
		string(models.StatusQueued),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued exams: %w", err)
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("failed to scan uid: %w", err)
		}
		uids = append(uids, uid)
	}

	return uids, rows.Err()
}

// KnownStudy reports whether any exam of the study is already stored,
// which lets the retrieval scheduler skip studies it has seen.
func (c *Client) KnownStudy(studyUID string) (bool, error) {
	var n int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM exams WHERE study = ?`, studyUID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check study: %w", err)
	}
	return n > 0, nil
}

func (c *Client) CountByStatus(status models.ExamStatus) (int, error) {
	var n int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM exams WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count exams: %w", err)
	}
	return n, nil
}

func (c *Client) UpsertAIReport(r *models.AIReport) error {
	reviewed := 0
	if r.Reviewed {
		reviewed = 1
	}

	query := `
		INSERT INTO ai_reports (uid, created, updated, text, positive, confidence, is_correct, reviewed, model, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			updated = excluded.updated,
			text = excluded.text,
			positive = excluded.positive,
			confidence = excluded.confidence,
			model = excluded.model,
			latency_ms = excluded.latency_ms
	`

	_, err := c.db.Exec(
		query,
		r.UID,
		r.Created.Unix(),
		r.Updated.Unix(),
		r.Text,
		int(r.Positive),
		r.Confidence,
		int(r.IsCorrect),
		reviewed,
		r.Model,
		r.LatencyMS,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert AI report: %w", err)
	}

	logger.Debug("AI report upserted", zap.String("uid", r.UID), zap.String("positive", r.Positive.String()))
	return nil
}

func (c *Client) GetAIReport(uid string) (*models.AIReport, error) {
	query := `
		SELECT uid, created, updated, text, positive, confidence, is_correct, reviewed, model, latency_ms
		FROM ai_reports WHERE uid = ?
	`

	var r models.AIReport
	var created, updated int64
	var positive, isCorrect, reviewed int
	var model sql.NullString

	err := c.db.QueryRow(query, uid).Scan(
		&r.UID, &created, &updated, &r.Text, &positive, &r.Confidence,
		&isCorrect, &reviewed, &model, &r.LatencyMS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get AI report: %w", err)
	}

	r.Created = time.Unix(created, 0)
	r.Updated = time.Unix(updated, 0)
	r.Positive = models.TriState(positive)
	r.IsCorrect = models.TriState(isCorrect)
	r.Reviewed = reviewed == 1
	r.Model = model.String
	return &r, nil
}

// PreviousAIReport returns the most recent report for the same patient and
// anatomic region, excluding the exam currently being processed. Used as
// longitudinal context for the inference prompt.
func (c *Client) PreviousAIReport(cnp, region, excludeUID string) (*models.AIReport, error) {
	query := `
		SELECT r.uid, r.created, r.updated, r.text, r.positive, r.confidence, r.is_correct, r.reviewed, r.model, r.latency_ms
		FROM ai_reports r
		JOIN exams e ON e.uid = r.uid
		WHERE e.cnp = ? AND e.region = ? AND r.uid != ?
		ORDER BY r.created DESC
		LIMIT 1
	`

	var r models.AIReport
	var created, updated int64
	var positive, isCorrect, reviewed int
	var model sql.NullString

	err := c.db.QueryRow(query, cnp, region, excludeUID).Scan(
		&r.UID, &created, &updated, &r.Text, &positive, &r.Confidence,
		&isCorrect, &reviewed, &model, &r.LatencyMS,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get previous AI report: %w", err)
	}

	r.Created = time.Unix(created, 0)
	r.Updated = time.Unix(updated, 0)
	r.Positive = models.TriState(positive)
	r.IsCorrect = models.TriState(isCorrect)
	r.Reviewed = reviewed == 1
	r.Model = model.String
	return &r, nil
}

func (c *Client) UpsertRadReport(r *models.RadReport) error {
	var updated interface{}
	if r.Updated != nil {
		updated = r.Updated.Unix()
	}

	query := `
		INSERT INTO rad_reports (uid, id, created, updated, text, positive, severity, summary, type, radiologist, justification, model, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			updated = excluded.updated,
			text = excluded.text,
			positive = excluded.positive,
			severity = excluded.severity,
			summary = excluded.summary,
			radiologist = excluded.radiologist,
			justification = excluded.justification,
			model = excluded.model,
			latency_ms = excluded.latency_ms
	`

	_, err := c.db.Exec(
		query,
		r.UID,
		r.ID,
		r.Created.Unix(),
		updated,
		r.Text,
		int(r.Positive),
		r.Severity,
		r.Summary,
		r.Type,
		r.Radiologist,
		r.Justification,
		r.Model,
		r.LatencyMS,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rad report: %w", err)
	}

	logger.Debug("Radiologist report upserted", zap.String("uid", r.UID))
	return nil
}

func (c *Client) GetRadReport(uid string) (*models.RadReport, error) {
	query := `
		SELECT uid, id, created, updated, text, positive, severity, summary, type, radiologist, justification, model, latency_ms
		FROM rad_reports WHERE uid = ?
	`

	var r models.RadReport
	var created int64
	var updated sql.NullInt64
	var positive int
	var id, summary, rtype, radiologist, justification, model sql.NullString

	err := c.db.QueryRow(query, uid).Scan(
		&r.UID, &id, &created, &updated, &r.Text, &positive, &r.Severity,
		&summary, &rtype, &radiologist, &justification, &model, &r.LatencyMS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get rad report: %w", err)
	}

	r.ID = id.String
	r.Created = time.Unix(created, 0)
	if updated.Valid {
		t := time.Unix(updated.Int64, 0)
		r.Updated = &t
	}
	r.Positive = models.TriState(positive)
	r.Summary = summary.String
	r.Type = rtype.String
	r.Radiologist = radiologist.String
	r.Justification = justification.String
	r.Model = model.String
	return &r, nil
}

// RecordReview stores the human validation verdict for an exam's AI report
// in one transaction. The caller requeues the exam when the verdict marks
// the report incorrect.
func (c *Client) RecordReview(uid string, correct bool) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin review transaction: %w", err)
	}
	defer tx.Rollback()

	verdict := models.Negative
	if correct {
		verdict = models.Positive
	}

	res, err := tx.Exec(
		`UPDATE ai_reports SET is_correct = ?, reviewed = 1, updated = ? WHERE uid = ?`,
		int(verdict), time.Now().Unix(), uid,
	)
	if err != nil {
		return fmt.Errorf("failed to record review: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no AI report for exam %s", uid)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit review: %w", err)
	}

	logger.Info("Review recorded", zap.String("uid", uid), zap.Bool("correct", correct))
	return nil
}

// ReportPair is one AI/radiologist verdict pair used by the statistics
// read-model.
type ReportPair struct {
	Region      string
	AIPositive  models.TriState
	RadPositive models.TriState
}

func (c *Client) ReportPairs() ([]ReportPair, error) {
	query := `
		SELECT e.region, a.positive, r.positive
		FROM exams e
		JOIN ai_reports a ON a.uid = e.uid
		JOIN rad_reports r ON r.uid = e.uid
	`

	rows, err := c.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query report pairs: %w", err)
	}
	defer rows.Close()

	var pairs []ReportPair
	for rows.Next() {
		var p ReportPair
		var ai, rad int
		if err := rows.Scan(&p.Region, &ai, &rad); err != nil {
			return nil, fmt.Errorf("failed to scan report pair: %w", err)
		}
		p.AIPositive = models.TriState(ai)
		p.RadPositive = models.TriState(rad)
		pairs = append(pairs, p)
	}

	return pairs, rows.Err()
}

// ProcessedSince counts exams whose AI report was created after the given
// time, for throughput computation.
func (c *Client) ProcessedSince(t time.Time) (int, error) {
	var n int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM ai_reports WHERE created >= ?`, t.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count processed exams: %w", err)
	}
	return n, nil
}

// AverageLatencyMS returns the mean inference latency over reports that
// recorded one, or -1 when none exist.
func (c *Client) AverageLatencyMS() (float64, error) {
	var avg sql.NullFloat64
	err := c.db.QueryRow(`SELECT AVG(latency_ms) FROM ai_reports WHERE latency_ms >= 0`).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("failed to compute average latency: %w", err)
	}
	if !avg.Valid {
		return -1, nil
	}
	return avg.Float64, nil
}
