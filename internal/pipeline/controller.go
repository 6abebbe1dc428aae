package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xrayvision/backend/internal/events"
	"github.com/xrayvision/backend/internal/inference"
	"github.com/xrayvision/backend/internal/metrics"
	"github.com/xrayvision/backend/internal/notify"
	"github.com/xrayvision/backend/internal/preprocess"
	"github.com/xrayvision/backend/internal/records"
	"github.com/xrayvision/backend/internal/storage/models"
	"github.com/xrayvision/backend/internal/storage/sqlite"
	"github.com/xrayvision/backend/pkg/logger"
)

const maxHistory = 20

// HistoryEntry is one finished exam in the live dashboard feed.
type HistoryEntry struct {
	UID         string          `json:"uid"`
	PatientName string          `json:"patient_name"`
	Region      string          `json:"region"`
	Status      string          `json:"status"`
	Positive    models.TriState `json:"positive"`
	Description string          `json:"description"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// Snapshot is the full pipeline state pushed to observers. Every publish
// carries the whole snapshot so a subscriber that missed updates is
// consistent again after one message.
type Snapshot struct {
	QueueSize    int            `json:"queue_size"`
	Processing   string         `json:"processing"`
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
	History      []HistoryEntry `json:"history"`
}

// Controller owns the work queue and the single processing lane. Producers
// enqueue exam uids; one worker goroutine claims and processes them
// strictly one at a time.
type Controller struct {
	store    *sqlite.Client
	proc     *preprocess.Processor
	matcher  *preprocess.Matcher
	engine   *inference.Engine
	records  *records.Client
	notifier *notify.Client
	hub      *events.Hub

	imagesDir string

	mu           sync.Mutex
	queue        []string
	queued       map[string]bool
	processing   string
	successCount int
	failureCount int
	history      []HistoryEntry

	pubMu sync.Mutex

	wake chan struct{}
	done chan struct{}
}

type Params struct {
	Store     *sqlite.Client
	Processor *preprocess.Processor
	Matcher   *preprocess.Matcher
	Engine    *inference.Engine
	// Records may be nil when the clinical-records collaborator is
	// disabled; processing continues without demographics and reports.
	Records   *records.Client
	Notifier  *notify.Client
	Hub       *events.Hub
	ImagesDir string
}

func NewController(p Params) *Controller {
	return &Controller{
		store:     p.Store,
		proc:      p.Processor,
		matcher:   p.Matcher,
		engine:    p.Engine,
		records:   p.Records,
		notifier:  p.Notifier,
		hub:       p.Hub,
		imagesDir: p.ImagesDir,
		queued:    map[string]bool{},
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start recovers persistent queue state and launches the worker. An exam
// stranded in processing by a crash goes back to queued before the worker
// picks anything up, so it is neither lost nor duplicated.
func (c *Controller) Start(ctx context.Context) error {
	recovered, err := c.store.ResetProcessing()
	if err != nil {
		return fmt.Errorf("failed to recover in-flight exams: %w", err)
	}
	if recovered > 0 {
		logger.Info("Recovered in-flight exams", zap.Int64("count", recovered))
	}

	uids, err := c.store.QueuedExams()
	if err != nil {
		return fmt.Errorf("failed to rebuild queue: %w", err)
	}

	c.mu.Lock()
	for _, uid := range uids {
		if !c.queued[uid] {
			c.queue = append(c.queue, uid)
			c.queued[uid] = true
		}
	}
	c.mu.Unlock()

	logger.Info("Pipeline started", zap.Int("queued", len(uids)))
	go c.run(ctx)
	return nil
}

// Done is closed once the worker has fully stopped.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Enqueue appends a newly ingested exam to the queue. Duplicate uids are
// collapsed.
func (c *Controller) Enqueue(uid string) {
	c.mu.Lock()
	if !c.queued[uid] && c.processing != uid {
		c.queue = append(c.queue, uid)
		c.queued[uid] = true
	}
	c.mu.Unlock()

	c.signal()
	c.publish()
}

// Requeue puts a finished or failed exam back in front of the queue. The
// storage transition is the gate: of N concurrent calls exactly one wins,
// so one requeue yields one reprocessing.
func (c *Controller) Requeue(uid string) (bool, error) {
	ok, err := c.store.RequeueExam(uid)
	if err != nil || !ok {
		return ok, err
	}

	c.mu.Lock()
	if !c.queued[uid] {
		c.queue = append([]string{uid}, c.queue...)
		c.queued[uid] = true
	}
	c.mu.Unlock()

	logger.Info("Exam requeued", zap.String("uid", uid))
	c.signal()
	c.publish()
	return true, nil
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Snapshot returns the current pipeline state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := make([]HistoryEntry, len(c.history))
	copy(history, c.history)

	return Snapshot{
		QueueSize:    len(c.queue),
		Processing:   c.processing,
		SuccessCount: c.successCount,
		FailureCount: c.failureCount,
		History:      history,
	}
}

// publish is serialized so a newer snapshot is never overtaken by an
// older one on its way to the hub.
func (c *Controller) publish() {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	snap := c.Snapshot()
	metrics.QueueDepth.Set(float64(snap.QueueSize))
	if c.hub != nil {
		c.hub.Publish(snap)
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	for {
		uid, ok := c.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
				continue
			}
		}

		if ctx.Err() != nil {
			// Put the popped exam back for the next start.
			c.mu.Lock()
			c.queue = append([]string{uid}, c.queue...)
			c.queued[uid] = true
			c.mu.Unlock()
			return
		}

		c.processOne(ctx, uid)
	}
}

func (c *Controller) pop() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return "", false
	}
	uid := c.queue[0]
	c.queue = c.queue[1:]
	delete(c.queued, uid)
	return uid, true
}

func (c *Controller) processOne(ctx context.Context, uid string) {
	claimed, err := c.store.ClaimExam(uid)
	if err != nil {
		logger.Error("Failed to claim exam", zap.String("uid", uid), zap.Error(err))
		return
	}
	if !claimed {
		// Already moved out of queued by a competing path; nothing to do.
		logger.Debug("Exam no longer claimable", zap.String("uid", uid))
		return
	}

	c.mu.Lock()
	c.processing = uid
	c.mu.Unlock()
	c.publish()

	start := time.Now()
	outcome, entry := c.process(ctx, uid)

	if ctx.Err() != nil && outcome == models.StatusError {
		// Shutdown interrupted this exam. Return it to the queue for the
		// next start instead of recording a failure.
		if ok, err := c.store.SetStatus(uid, models.StatusProcessing, models.StatusQueued); err != nil || !ok {
			logger.Error("Failed to return interrupted exam to queue", zap.String("uid", uid), zap.Error(err))
		}
		c.mu.Lock()
		c.processing = ""
		c.mu.Unlock()
		c.publish()
		return
	}

	ok, err := c.store.SetStatus(uid, models.StatusProcessing, outcome)
	if err != nil || !ok {
		logger.Error("Failed to record exam outcome",
			zap.String("uid", uid),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
	}

	metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	metrics.ExamsProcessed.WithLabelValues(string(outcome)).Inc()

	c.mu.Lock()
	c.processing = ""
	switch outcome {
	case models.StatusDone:
		c.successCount++
	case models.StatusError:
		c.failureCount++
	}
	entry.Status = string(outcome)
	entry.FinishedAt = time.Now().UTC()
	c.history = append([]HistoryEntry{entry}, c.history...)
	if len(c.history) > maxHistory {
		c.history = c.history[:maxHistory]
	}
	c.mu.Unlock()
	c.publish()
}

// process runs one exam end to end and decides its terminal status. All
// failures are converted to a status here; nothing propagates to the
// producers.
func (c *Controller) process(ctx context.Context, uid string) (models.ExamStatus, HistoryEntry) {
	entry := HistoryEntry{UID: uid}

	exam, err := c.store.GetExam(uid)
	if err != nil {
		logger.Error("Exam missing from storage", zap.String("uid", uid), zap.Error(err))
		return models.StatusError, entry
	}

	path := filepath.Join(c.imagesDir, uid+".dcm")
	png, meta, err := c.proc.Render(path)
	if errors.Is(err, preprocess.ErrNoPixelData) {
		logger.Info("Exam has no pixel data, ignoring", zap.String("uid", uid))
		return models.StatusIgnore, entry
	}
	if err != nil {
		logger.Error("Preprocessing failed", zap.String("uid", uid), zap.Error(err))
		return models.StatusError, entry
	}
	entry.PatientName = meta.PatientName

	region := exam.Region
	if region == "" || region == preprocess.RegionUnknown {
		region = c.matcher.Match(meta.Protocol)
	}
	entry.Region = region
	if region == preprocess.RegionUnknown || !c.matcher.Supported(region) {
		logger.Info("Region not supported, ignoring",
			zap.String("uid", uid),
			zap.String("region", region),
			zap.String("protocol", meta.Protocol),
		)
		return models.StatusIgnore, entry
	}
	if region != exam.Region {
		exam.Region = region
		if _, err := c.store.UpsertExam(exam); err != nil {
			logger.Warn("Failed to persist region", zap.String("uid", uid), zap.Error(err))
		}
	}

	age, sex := c.patientContext(ctx, exam, meta)

	var prior string
	if previous, err := c.store.PreviousAIReport(exam.CNP, region, uid); err == nil && previous != nil {
		prior = previous.Text
	}

	result, err := c.engine.Analyze(ctx, inference.Request{
		PNG:         png,
		Region:      region,
		AgeYears:    age,
		Sex:         sex,
		Projection:  preprocess.Projection(meta.Protocol),
		PriorReport: prior,
	})
	if err != nil {
		logger.Error("Inference failed", zap.String("uid", uid), zap.Error(err))
		return models.StatusError, entry
	}

	now := time.Now().UTC()
	report := &models.AIReport{
		UID:        uid,
		Created:    now,
		Updated:    now,
		Text:       result.Description,
		Positive:   result.Positive,
		Confidence: result.Confidence,
		IsCorrect:  models.Unassessed,
		Model:      result.Model,
		LatencyMS:  result.LatencyMS,
	}
	if err := c.store.UpsertAIReport(report); err != nil {
		logger.Error("Failed to persist AI report", zap.String("uid", uid), zap.Error(err))
		return models.StatusError, entry
	}

	entry.Positive = result.Positive
	entry.Description = result.Description

	c.attachRadReport(ctx, exam)

	if result.Positive == models.Positive {
		metrics.PositiveFindings.WithLabelValues(region).Inc()
		if c.notifier != nil {
			c.notifier.NotifyPositive(notify.Finding{
				ExamUID:     uid,
				PatientName: meta.PatientName,
				Region:      region,
				Description: result.Description,
				Confidence:  result.Confidence,
				CreatedAt:   now.Format(time.RFC3339),
			})
		}
	}

	logger.Info("Exam processed",
		zap.String("uid", uid),
		zap.String("region", region),
		zap.String("finding", result.Positive.String()),
		zap.String("endpoint", result.Endpoint),
		zap.Int64("latency_ms", result.LatencyMS),
	)
	return models.StatusDone, entry
}

// patientContext resolves age and sex, preferring the national identifier
// over the DICOM elements, which are frequently absent on portable units.
func (c *Controller) patientContext(ctx context.Context, exam *models.Exam, meta *preprocess.Metadata) (int, string) {
	age := parseDicomAge(meta.PatientAge)
	sex := meta.PatientSex

	if records.ValidCNP(exam.CNP) {
		if derived, err := records.AgeFromCNP(exam.CNP, time.Now()); err == nil {
			age = derived
		}
		if _, derivedSex, err := records.ParseCNP(exam.CNP); err == nil && sex == "" {
			sex = derivedSex
		}
	}

	if c.records != nil {
		if d, err := c.records.Demographics(ctx, exam.CNP); err == nil {
			if d.Sex != "" {
				sex = d.Sex
			}
			if err := c.store.UpsertPatient(&models.Patient{
				CNP:  exam.CNP,
				ID:   d.PatientID,
				Name: d.Name,
				Age:  age,
				Sex:  sex,
			}); err != nil {
				logger.Warn("Failed to refine patient record", zap.String("cnp", exam.CNP), zap.Error(err))
			}
		}
	}
	return age, sex
}

// attachRadReport fetches the radiologist report for the study when the
// collaborator is enabled and none is stored yet. Failures are logged and
// ignored; the exam outcome never depends on this path.
func (c *Controller) attachRadReport(ctx context.Context, exam *models.Exam) {
	if c.records == nil {
		return
	}
	if existing, err := c.store.GetRadReport(exam.UID); err == nil && existing != nil {
		return
	}

	fetched, err := c.records.Report(ctx, exam.CNP, exam.Study)
	if err != nil {
		if !errors.Is(err, records.ErrNotFound) {
			logger.Warn("Failed to fetch radiologist report",
				zap.String("uid", exam.UID),
				zap.Error(err),
			)
		}
		return
	}

	report := &models.RadReport{
		UID:           exam.UID,
		ID:            exam.ID,
		Created:       time.Now().UTC(),
		Text:          fetched.Text,
		Positive:      models.TriState(fetched.Positive),
		Severity:      fetched.Severity,
		Radiologist:   fetched.Radiologist,
		Justification: fetched.Justification,
	}

	if fetched.Text != "" {
		if summary, err := c.records.Summarize(ctx, fetched.Text); err == nil {
			report.Summary = summary.Text
			report.Model = summary.Model
		} else {
			logger.Warn("Failed to summarize report", zap.String("uid", exam.UID), zap.Error(err))
		}
	}

	if err := c.store.UpsertRadReport(report); err != nil {
		logger.Warn("Failed to persist radiologist report", zap.String("uid", exam.UID), zap.Error(err))
	}
}

// parseDicomAge converts the DICOM age string (e.g. "012Y", "006M") to
// whole years. Unknown formats yield zero.
func parseDicomAge(s string) int {
	s = strings.TrimSpace(strings.ToUpper(s))
	if len(s) < 2 {
		return 0
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0
	}
	switch s[len(s)-1] {
	case 'Y':
		return n
	case 'M':
		return n / 12
	case 'W', 'D':
		return 0
	}
	return 0
}
