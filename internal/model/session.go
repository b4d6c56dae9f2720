package model

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// SessionStatusStarted marks a freshly provisioned assessment session.
	SessionStatusStarted = "started"
	// SessionStatusAbandoned marks a duplicate session retired by cleanup.
	SessionStatusAbandoned = "abandoned"

	sessionAccountIDMaxLength = 64
)

// ErrInvalidSessionAccountID indicates the account identifier was blank.
var ErrInvalidSessionAccountID = errors.New("invalid_session_account_id")

// AssessmentSession is one assessment run provisioned for an account.
// Completion and error signals travel over the audit channel only; the row
// status is mutated solely by the duplicate-session cleanup task.
type AssessmentSession struct {
	ID          string    `gorm:"primaryKey;size:36"`
	AccountID   string    `gorm:"not null;size:64;index"`
	Status      string    `gorm:"not null;size:20;index"`
	StartedAt   time.Time `gorm:"not null;index"`
	CompletedAt time.Time
}

// AssessmentSessionInput holds incoming session data.
type AssessmentSessionInput struct {
	AccountID string
	Started   time.Time
}

// NewAssessmentSession constructs a validated AssessmentSession.
func NewAssessmentSession(input AssessmentSessionInput) (AssessmentSession, error) {
	accountID := strings.TrimSpace(input.AccountID)
	if accountID == "" {
		return AssessmentSession{}, ErrInvalidSessionAccountID
	}
	if len(accountID) > sessionAccountIDMaxLength {
		accountID = accountID[:sessionAccountIDMaxLength]
	}

	started := input.Started
	if started.IsZero() {
		started = time.Now().UTC()
	}

	return AssessmentSession{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Status:    SessionStatusStarted,
		StartedAt: started,
	}, nil
}
