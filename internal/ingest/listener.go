package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/xrayvision/backend/internal/dicomnet"
	"github.com/xrayvision/backend/internal/metrics"
	"github.com/xrayvision/backend/internal/preprocess"
	"github.com/xrayvision/backend/internal/records"
	"github.com/xrayvision/backend/internal/storage/models"
	"github.com/xrayvision/backend/internal/storage/sqlite"
	"github.com/xrayvision/backend/pkg/config"
	"github.com/xrayvision/backend/pkg/logger"
)

// Enqueuer is the pipeline side of ingestion: every accepted exam is
// announced exactly once per enqueue-worthy delivery.
type Enqueuer interface {
	Enqueue(uid string)
}

// Listener is the storage SCP wired to the processing pipeline. Each
// accepted instance is written to disk, registered as an exam and, when
// new, enqueued.
type Listener struct {
	cfg       config.DICOMConfig
	imagesDir string
	store     *sqlite.Client
	proc      *preprocess.Processor
	matcher   *preprocess.Matcher
	queue     Enqueuer
	provider  *dicomnet.Provider
}

func NewListener(cfg config.DICOMConfig, imagesDir string, store *sqlite.Client, proc *preprocess.Processor, matcher *preprocess.Matcher, queue Enqueuer) *Listener {
	l := &Listener{
		cfg:       cfg,
		imagesDir: imagesDir,
		store:     store,
		proc:      proc,
		matcher:   matcher,
		queue:     queue,
	}
	l.provider = dicomnet.NewProvider(dicomnet.ProviderParams{
		AETitle: cfg.AETitle,
		StorageClasses: []string{
			dicomnet.CRImageStorage,
			dicomnet.DXImageStorageForPresentation,
		},
	}, l.onStore("listener"))
	return l
}

// Run serves DICOM associations until the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	if err := os.MkdirAll(l.imagesDir, 0o755); err != nil {
		return fmt.Errorf("failed to create images directory: %w", err)
	}
	addr := fmt.Sprintf(":%d", l.cfg.Port)
	return l.provider.ListenAndServe(ctx, addr)
}

// StoreCallback exposes the ingestion path for C-GET sub-operations, so
// retrieved instances flow through the same code as pushed ones.
func (l *Listener) StoreCallback() dicomnet.StoreCallback {
	return l.onStore("retrieve")
}

// onStore is the single ingestion path. It persists the payload, registers
// patient and exam, and enqueues the exam unless a previous delivery
// already moved it past queued.
func (l *Listener) onStore(source string) dicomnet.StoreCallback {
	return func(sopClassUID, sopInstanceUID, transferSyntaxUID string, data []byte) uint16 {
		if sopInstanceUID == "" {
			return dicomnet.StatusCannotUnderstand
		}

		path := filepath.Join(l.imagesDir, sopInstanceUID+".dcm")
		if err := dicomnet.WriteFile(path, sopClassUID, sopInstanceUID, transferSyntaxUID, data); err != nil {
			logger.Error("Failed to store instance",
				zap.String("sop_instance", sopInstanceUID),
				zap.Error(err),
			)
			return dicomnet.StatusOutOfResources
		}

		meta, err := l.proc.ExtractMetadata(path)
		if err != nil {
			logger.Error("Failed to parse stored instance",
				zap.String("sop_instance", sopInstanceUID),
				zap.Error(err),
			)
			return dicomnet.StatusCannotUnderstand
		}

		if err := l.register(meta, source); err != nil {
			logger.Error("Failed to register exam",
				zap.String("sop_instance", sopInstanceUID),
				zap.Error(err),
			)
			return dicomnet.StatusProcessingFailure
		}

		metrics.ExamsReceived.WithLabelValues(source).Inc()
		return dicomnet.StatusSuccess
	}
}

func (l *Listener) register(meta *preprocess.Metadata, source string) error {
	cnp := meta.PatientID
	if cnp == "" {
		cnp = "unknown"
	}

	patient := &models.Patient{
		CNP:  cnp,
		Name: meta.PatientName,
		Age:  -1,
		Sex:  meta.PatientSex,
	}
	if records.ValidCNP(cnp) {
		if age, err := records.AgeFromCNP(cnp, time.Now()); err == nil {
			patient.Age = age
		}
		if _, sex, err := records.ParseCNP(cnp); err == nil && patient.Sex == "" {
			patient.Sex = sex
		}
	}
	if err := l.store.UpsertPatient(patient); err != nil {
		return err
	}

	exam := &models.Exam{
		UID:      meta.SOPInstanceUID,
		CNP:      cnp,
		Created:  studyTime(meta),
		Protocol: meta.Protocol,
		Region:   l.matcher.Match(meta.Protocol),
		Type:     preprocess.Projection(meta.Protocol),
		Study:    meta.StudyUID,
		Series:   meta.SeriesUID,
	}

	status, err := l.store.UpsertExam(exam)
	if err != nil {
		return err
	}

	logger.Info("Exam ingested",
		zap.String("uid", exam.UID),
		zap.String("region", exam.Region),
		zap.String("status", string(status)),
		zap.String("source", source),
	)

	// A duplicate delivery of an exam that already finished must not
	// reprocess it; only a queued row enters the queue.
	if status == models.StatusQueued {
		l.queue.Enqueue(exam.UID)
	}
	return nil
}

// studyTime derives the exam timestamp from the acquisition date and time
// elements, falling back to the wall clock.
func studyTime(meta *preprocess.Metadata) time.Time {
	if meta.StudyDate != "" {
		layouts := []string{"20060102150405", "20060102"}
		stamp := meta.StudyDate + meta.StudyTime
		if len(stamp) > 14 {
			stamp = stamp[:14]
		}
		for _, layout := range layouts {
			if len(stamp) < len(layout) {
				continue
			}
			if t, err := time.ParseInLocation(layout, stamp[:len(layout)], time.Local); err == nil {
				return t
			}
		}
	}
	return time.Now()
}
