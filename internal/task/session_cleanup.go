package task

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/PrismResearchLab/tracking_svc/internal/model"
)

const (
	logEventCleanupScanFailed   = "session_cleanup_scan_failed"
	logEventCleanupUpdateFailed = "session_cleanup_update_failed"
	logEventCleanupFinished     = "session_cleanup_finished"
)

// SessionCleanupConfig defines cleanup behavior.
type SessionCleanupConfig struct {
	// DryRun reports what would change without mutating any rows.
	DryRun bool
}

// CleanupReport summarizes one cleanup pass.
type CleanupReport struct {
	AccountsScanned   int  `json:"accounts_scanned"`
	DuplicatesFound   int  `json:"duplicates_found"`
	SessionsAbandoned int  `json:"sessions_abandoned"`
	DryRun            bool `json:"dry_run"`
}

// SessionCleanupJob retires duplicate started sessions. When an account
// holds more than one started session only the newest survives; the rest
// are marked abandoned.
type SessionCleanupJob struct {
	database *gorm.DB
	logger   *zap.Logger
	config   SessionCleanupConfig
	now      func() time.Time
}

// NewSessionCleanupJob builds a SessionCleanupJob.
func NewSessionCleanupJob(database *gorm.DB, logger *zap.Logger, config SessionCleanupConfig) *SessionCleanupJob {
	return &SessionCleanupJob{
		database: database,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
}

// Run executes one cleanup pass and returns the report.
func (job *SessionCleanupJob) Run(ctx context.Context) (CleanupReport, error) {
	report := CleanupReport{DryRun: job.config.DryRun}

	var startedSessions []model.AssessmentSession
	scanErr := job.database.WithContext(ctx).
		Where("status = ?", model.SessionStatusStarted).
		Order("account_id, started_at desc").
		Find(&startedSessions).Error
	if scanErr != nil {
		if job.logger != nil {
			job.logger.Warn(logEventCleanupScanFailed, zap.Error(scanErr))
		}
		return report, scanErr
	}

	sessionsByAccount := map[string][]model.AssessmentSession{}
	for _, startedSession := range startedSessions {
		sessionsByAccount[startedSession.AccountID] = append(sessionsByAccount[startedSession.AccountID], startedSession)
	}
	report.AccountsScanned = len(sessionsByAccount)

	for _, accountSessions := range sessionsByAccount {
		if len(accountSessions) < 2 {
			continue
		}
		sort.Slice(accountSessions, func(left, right int) bool {
			return accountSessions[left].StartedAt.After(accountSessions[right].StartedAt)
		})
		duplicates := accountSessions[1:]
		report.DuplicatesFound += len(duplicates)
		if job.config.DryRun {
			continue
		}
		duplicateIDs := make([]string, 0, len(duplicates))
		for _, duplicate := range duplicates {
			duplicateIDs = append(duplicateIDs, duplicate.ID)
		}
		updateErr := job.database.WithContext(ctx).
			Model(&model.AssessmentSession{}).
			Where("id IN ?", duplicateIDs).
			Update("status", model.SessionStatusAbandoned).Error
		if updateErr != nil {
			if job.logger != nil {
				job.logger.Warn(logEventCleanupUpdateFailed, zap.Error(updateErr))
			}
			return report, updateErr
		}
		report.SessionsAbandoned += len(duplicateIDs)
	}

	if job.logger != nil {
		job.logger.Info(logEventCleanupFinished,
			zap.Int("accounts_scanned", report.AccountsScanned),
			zap.Int("duplicates_found", report.DuplicatesFound),
			zap.Int("sessions_abandoned", report.SessionsAbandoned),
			zap.Bool("dry_run", report.DryRun))
	}
	return report, nil
}
