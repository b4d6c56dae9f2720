package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/PrismResearchLab/tracking_svc/internal/audit"
	"github.com/PrismResearchLab/tracking_svc/internal/model"
)

const (
	linkSessionPath = "/functions/v1/link_session_to_account"

	auditSubjectStartRequested = "Assessment start requested"
	auditSubjectSessionCreated = "Assessment session created"
	auditSubjectStarted        = "Assessment started"
	auditSubjectStartError     = "Assessment start error"
	auditSubjectCompleted      = "Assessment completed"
	auditSubjectError          = "Assessment error"

	auditVariableAccountID = "account_id"
	auditVariableSessionID = "session_id"

	logEventAnonKeyFallback = "assessment_link_anon_key_fallback"

	errorMessageMissingAccountID = "account identifier is required"
	errorMessageLinkFailed       = "link_session_to_account failed: %s"
)

// ErrMissingAccountID indicates Start was invoked without an account.
var ErrMissingAccountID = errors.New(errorMessageMissingAccountID)

// StartInput carries the parameters for provisioning a session.
type StartInput struct {
	AccountID   string
	AccessToken string
}

// Service provisions assessment sessions and narrates the lifecycle over
// the audit channel. Completion and error reports are audit-only; they do
// not touch session rows.
type Service struct {
	database       *gorm.DB
	auditor        audit.Sender
	logger         *zap.Logger
	backendBaseURL string
	anonKey        string
	httpClient     *http.Client
}

// NewService creates a session service.
func NewService(database *gorm.DB, auditor audit.Sender, logger *zap.Logger, backendBaseURL string, anonKey string) *Service {
	return &Service{
		database:       database,
		auditor:        audit.ResolveSender(auditor),
		logger:         logger,
		backendBaseURL: strings.TrimRight(backendBaseURL, "/"),
		anonKey:        anonKey,
		httpClient:     &http.Client{Timeout: 15 * time.Second},
	}
}

// WithHTTPClient overrides the outbound HTTP client.
func (service *Service) WithHTTPClient(client *http.Client) *Service {
	service.httpClient = client
	return service
}

// Start provisions a session, links it to the account on the backend, and
// audits every stage. The returned session is persisted even when the link
// call fails; the failure surfaces as an error after the audit trail.
func (service *Service) Start(ctx context.Context, input StartInput) (model.AssessmentSession, error) {
	accountID := strings.TrimSpace(input.AccountID)
	if accountID == "" {
		return model.AssessmentSession{}, ErrMissingAccountID
	}

	service.auditor.Send(ctx, audit.Message{
		Subject:   auditSubjectStartRequested,
		Message:   fmt.Sprintf("Account %s requested a new assessment session", accountID),
		Variables: map[string]string{auditVariableAccountID: accountID},
	})

	assessmentSession, buildErr := model.NewAssessmentSession(model.AssessmentSessionInput{AccountID: accountID})
	if buildErr != nil {
		service.auditStartError(ctx, accountID, "", buildErr)
		return model.AssessmentSession{}, buildErr
	}
	if createErr := service.database.WithContext(ctx).Create(&assessmentSession).Error; createErr != nil {
		service.auditStartError(ctx, accountID, assessmentSession.ID, createErr)
		return model.AssessmentSession{}, createErr
	}

	service.auditor.Send(ctx, audit.Message{
		Subject:   auditSubjectSessionCreated,
		Message:   fmt.Sprintf("Session %s created for account %s", assessmentSession.ID, accountID),
		Variables: map[string]string{auditVariableAccountID: accountID, auditVariableSessionID: assessmentSession.ID},
	})

	if linkErr := service.linkSessionToAccount(ctx, assessmentSession.ID, accountID, input.AccessToken); linkErr != nil {
		service.auditStartError(ctx, accountID, assessmentSession.ID, linkErr)
		return assessmentSession, linkErr
	}

	service.auditor.Send(ctx, audit.Message{
		Subject:   auditSubjectStarted,
		Message:   fmt.Sprintf("Account %s started session %s", accountID, assessmentSession.ID),
		Variables: map[string]string{auditVariableAccountID: accountID, auditVariableSessionID: assessmentSession.ID},
	})
	return assessmentSession, nil
}

// MarkComplete reports a finished assessment over the audit channel.
func (service *Service) MarkComplete(ctx context.Context, accountID string, sessionID string) {
	service.auditor.Send(ctx, audit.Message{
		Subject:   auditSubjectCompleted,
		Message:   fmt.Sprintf("Account %s completed session %s", accountID, sessionID),
		Variables: map[string]string{auditVariableAccountID: accountID, auditVariableSessionID: sessionID},
	})
}

// LogError reports an assessment failure over the audit channel.
func (service *Service) LogError(ctx context.Context, accountID string, sessionID string, failure error) {
	message := fmt.Sprintf("Account %s hit an error in session %s", accountID, sessionID)
	if failure != nil {
		message = fmt.Sprintf("%s: %s", message, failure.Error())
	}
	service.auditor.Send(ctx, audit.Message{
		Subject:   auditSubjectError,
		Message:   message,
		Variables: map[string]string{auditVariableAccountID: accountID, auditVariableSessionID: sessionID},
	})
}

func (service *Service) auditStartError(ctx context.Context, accountID string, sessionID string, failure error) {
	variables := map[string]string{auditVariableAccountID: accountID}
	if sessionID != "" {
		variables[auditVariableSessionID] = sessionID
	}
	service.auditor.Send(ctx, audit.Message{
		Subject:   auditSubjectStartError,
		Message:   fmt.Sprintf("Starting a session for account %s failed: %s", accountID, failure.Error()),
		Variables: variables,
	})
}

type linkSessionRequestBody struct {
	SessionID string `json:"session_id"`
	AccountID string `json:"account_id"`
}

// linkSessionToAccount calls the backend function that binds the session to
// the account. The caller's access token authorizes the call; when absent
// the service falls back to the anonymous key and records the downgrade.
func (service *Service) linkSessionToAccount(ctx context.Context, sessionID string, accountID string, accessToken string) error {
	token := strings.TrimSpace(accessToken)
	if token == "" {
		token = service.anonKey
		service.logger.Warn(logEventAnonKeyFallback, zap.String(auditVariableSessionID, sessionID))
	}

	body, marshalErr := json.Marshal(linkSessionRequestBody{SessionID: sessionID, AccountID: accountID})
	if marshalErr != nil {
		return marshalErr
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, service.backendBaseURL+linkSessionPath, bytes.NewReader(body))
	if requestErr != nil {
		return requestErr
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("apikey", service.anonKey)
	request.Header.Set("Authorization", "Bearer "+token)

	response, sendErr := service.httpClient.Do(request)
	if sendErr != nil {
		return sendErr
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		responseBody, _ := io.ReadAll(io.LimitReader(response.Body, 2048))
		detail := strings.TrimSpace(string(responseBody))
		if detail == "" {
			detail = response.Status
		}
		return fmt.Errorf(errorMessageLinkFailed, detail)
	}
	return nil
}
