package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PrismResearchLab/tracking_svc/internal/session"
	"github.com/PrismResearchLab/tracking_svc/internal/tracking"
)

const errorValueMissingAccountID = "missing_account_id"

// AssessmentHandlers exposes the assessment session lifecycle endpoints.
type AssessmentHandlers struct {
	sessionService *session.Service
	visitorState   *VisitorState
	dispatcher     *tracking.Dispatcher
	logger         *zap.Logger
}

// NewAssessmentHandlers wires the handlers over the session service.
func NewAssessmentHandlers(sessionService *session.Service, visitorState *VisitorState, dispatcher *tracking.Dispatcher, logger *zap.Logger) *AssessmentHandlers {
	return &AssessmentHandlers{
		sessionService: sessionService,
		visitorState:   visitorState,
		dispatcher:     dispatcher,
		logger:         logger,
	}
}

type startAssessmentRequestBody struct {
	AccountID   string `json:"account_id"`
	AccessToken string `json:"access_token"`
}

// StartAssessment provisions a session for the account and dispatches the
// funnel-entry conversion.
func (handlers *AssessmentHandlers) StartAssessment(requestContext *gin.Context) {
	var body startAssessmentRequestBody
	if bindErr := requestContext.ShouldBindJSON(&body); bindErr != nil {
		requestContext.JSON(http.StatusBadRequest, gin.H{"error": errorValueInvalidPayload})
		return
	}
	if strings.TrimSpace(body.AccountID) == "" {
		requestContext.JSON(http.StatusBadRequest, gin.H{"error": errorValueMissingAccountID})
		return
	}

	started, startErr := handlers.sessionService.Start(requestContext.Request.Context(), session.StartInput{
		AccountID:   body.AccountID,
		AccessToken: body.AccessToken,
	})
	if startErr != nil {
		if errors.Is(startErr, session.ErrMissingAccountID) {
			requestContext.JSON(http.StatusBadRequest, gin.H{"error": errorValueMissingAccountID})
			return
		}
		handlers.logger.Warn("assessment_start_failed", zap.Error(startErr))
		requestContext.JSON(http.StatusBadGateway, gin.H{"error": "assessment_start_failed"})
		return
	}

	trackingContext := handlers.visitorState.Resolve(requestContext)
	trackingContext.Path = "/assessment"
	handlers.dispatcher.Lead(requestContext.Request.Context(), trackingContext, map[string]any{
		tracking.PropertySessionID: started.ID,
	})

	requestContext.JSON(http.StatusCreated, gin.H{
		"session_id": started.ID,
		"status":     started.Status,
		"started_at": started.StartedAt,
	})
}

type assessmentCompleteRequestBody struct {
	AccountID string `json:"account_id"`
	SessionID string `json:"session_id"`
}

// CompleteAssessment reports a finished assessment. The report travels over
// the audit channel only; no session row changes.
func (handlers *AssessmentHandlers) CompleteAssessment(requestContext *gin.Context) {
	var body assessmentCompleteRequestBody
	if bindErr := requestContext.ShouldBindJSON(&body); bindErr != nil {
		requestContext.JSON(http.StatusBadRequest, gin.H{"error": errorValueInvalidPayload})
		return
	}
	handlers.sessionService.MarkComplete(requestContext.Request.Context(), body.AccountID, body.SessionID)

	trackingContext := handlers.visitorState.Resolve(requestContext)
	trackingContext.Path = "/assessment"
	handlers.dispatcher.SignUp(requestContext.Request.Context(), trackingContext, map[string]any{
		tracking.PropertySessionID: body.SessionID,
	})

	requestContext.JSON(http.StatusOK, gin.H{"ok": true})
}

type assessmentErrorRequestBody struct {
	AccountID string `json:"account_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ReportAssessmentError forwards an assessment failure to the audit channel.
func (handlers *AssessmentHandlers) ReportAssessmentError(requestContext *gin.Context) {
	var body assessmentErrorRequestBody
	if bindErr := requestContext.ShouldBindJSON(&body); bindErr != nil {
		requestContext.JSON(http.StatusBadRequest, gin.H{"error": errorValueInvalidPayload})
		return
	}
	var failure error
	if strings.TrimSpace(body.Message) != "" {
		failure = errors.New(body.Message)
	}
	handlers.sessionService.LogError(requestContext.Request.Context(), body.AccountID, body.SessionID, failure)
	requestContext.JSON(http.StatusOK, gin.H{"ok": true})
}
