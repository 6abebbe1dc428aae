package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xrayvision/backend/internal/dicomnet"
	"github.com/xrayvision/backend/internal/metrics"
	"github.com/xrayvision/backend/internal/storage/sqlite"
	"github.com/xrayvision/backend/pkg/config"
	"github.com/xrayvision/backend/pkg/logger"
)

// Scheduler polls the remote archive for recent studies and retrieves the
// ones not yet known locally. Retrieved instances arrive through the same
// ingestion path as pushed ones: C-MOVE sends them to our listener, C-GET
// hands them to the listener's store callback directly.
type Scheduler struct {
	cfg      config.DICOMConfig
	store    *sqlite.Client
	listener *Listener
}

func NewScheduler(cfg config.DICOMConfig, store *sqlite.Client, listener *Listener) *Scheduler {
	return &Scheduler{cfg: cfg, store: store, listener: listener}
}

// Run polls on the configured interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.PollIntervalMin) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Retrieval scheduler started",
		zap.Duration("interval", interval),
		zap.String("remote", fmt.Sprintf("%s:%d", s.cfg.RemoteHost, s.cfg.RemotePort)),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Retrieve(ctx, s.cfg.LookbackHours); err != nil {
				logger.Warn("Scheduled retrieval failed", zap.Error(err))
			}
		}
	}
}

// Retrieve queries the archive for studies acquired within the lookback
// window and pulls every study not already stored. A single failed study
// never aborts the rest of the batch.
func (s *Scheduler) Retrieve(ctx context.Context, lookbackHours int) error {
	if lookbackHours <= 0 {
		lookbackHours = s.cfg.LookbackHours
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.RemoteHost, s.cfg.RemotePort)
	user, err := dicomnet.Connect(ctx, addr, s.cfg.AETitle, s.cfg.RemoteAETitle, []string{
		dicomnet.CRImageStorage,
		dicomnet.DXImageStorageForPresentation,
	})
	if err != nil {
		metrics.RetrievalsTriggered.WithLabelValues(s.cfg.RetrieveStrategy, "connect_error").Inc()
		return fmt.Errorf("failed to reach archive: %w", err)
	}
	defer user.Release()

	now := time.Now()
	dateRange := fmt.Sprintf("%s-%s",
		now.Add(-time.Duration(lookbackHours)*time.Hour).Format("20060102"),
		now.Format("20060102"),
	)

	matches, err := user.Find(dicomnet.StudyFilter(s.cfg.Modality, dateRange))
	if err != nil {
		metrics.RetrievalsTriggered.WithLabelValues(s.cfg.RetrieveStrategy, "query_error").Inc()
		return fmt.Errorf("archive query failed: %w", err)
	}

	logger.Info("Archive query completed",
		zap.String("date_range", dateRange),
		zap.Int("matches", len(matches)),
	)

	var retrieved, failed, skipped int
	for _, match := range matches {
		if ctx.Err() != nil {
			break
		}
		studyUID, ok := match.GetString(dicomnet.TagStudyInstanceUID)
		if !ok || studyUID == "" {
			continue
		}

		known, err := s.store.KnownStudy(studyUID)
		if err != nil {
			logger.Warn("Failed to check study", zap.String("study", studyUID), zap.Error(err))
			continue
		}
		if known {
			skipped++
			continue
		}

		if err := s.retrieveStudy(user, studyUID); err != nil {
			failed++
			metrics.RetrievalsTriggered.WithLabelValues(s.cfg.RetrieveStrategy, "error").Inc()
			logger.Warn("Failed to retrieve study",
				zap.String("study", studyUID),
				zap.Error(err),
			)
			continue
		}
		retrieved++
		metrics.RetrievalsTriggered.WithLabelValues(s.cfg.RetrieveStrategy, "ok").Inc()
	}

	logger.Info("Retrieval batch finished",
		zap.Int("retrieved", retrieved),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
	)
	return nil
}

func (s *Scheduler) retrieveStudy(user *dicomnet.ServiceUser, studyUID string) error {
	switch s.cfg.RetrieveStrategy {
	case "get":
		return user.Get(studyUID, s.listener.StoreCallback())
	default:
		// Push-based: the archive opens an association back to our
		// listener, which ingests the instances like any other sender.
		return user.Move(s.cfg.AETitle, studyUID)
	}
}
