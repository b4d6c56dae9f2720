package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"

	"github.com/PrismResearchLab/tracking_svc/internal/tracking"
)

const (
	visitorSessionName = "prism_visitor"

	sessionKeyVisitorID        = "visitor_id"
	sessionKeyConsentAnalytics = "consent_analytics"
	sessionKeyKnownUserEmail   = "known_user_email"
	sessionKeyClickID          = "click_id"

	errorValueInvalidPayload = "invalid_payload"
)

// VisitorState keeps per-visitor tracking state in a cookie session:
// analytics consent, the known user identity, and the ad click id captured
// on landing. It replaces page-level globals with server-held state.
type VisitorState struct {
	store     sessions.Store
	isPreview bool
}

// NewVisitorState creates the cookie-backed state manager.
func NewVisitorState(sessionSecret string, isPreview bool) *VisitorState {
	cookieStore := sessions.NewCookieStore([]byte(sessionSecret))
	cookieStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int((365 * 24 * 60 * 60) / 2),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &VisitorState{store: cookieStore, isPreview: isPreview}
}

// Resolve builds the tracking context for one request from the visitor's
// cookie session and transport details.
func (state *VisitorState) Resolve(requestContext *gin.Context) tracking.Context {
	visitorSession, _ := state.store.Get(requestContext.Request, visitorSessionName)

	consent := false
	if value, present := visitorSession.Values[sessionKeyConsentAnalytics].(bool); present {
		consent = value
	}
	knownUserEmail, _ := visitorSession.Values[sessionKeyKnownUserEmail].(string)
	clickID, _ := visitorSession.Values[sessionKeyClickID].(string)

	return tracking.Context{
		Preview:          state.isPreview,
		ConsentAnalytics: consent,
		KnownUserEmail:   knownUserEmail,
		ClientIP:         requestContext.ClientIP(),
		UserAgent:        requestContext.Request.UserAgent(),
		Attribution:      tracking.NewAttribution(clickID, 0, 0),
	}
}

// VisitorID returns the stable id minted for this visitor, creating and
// persisting one on first contact.
func (state *VisitorState) VisitorID(requestContext *gin.Context) string {
	visitorSession, _ := state.store.Get(requestContext.Request, visitorSessionName)
	if visitorID, _ := visitorSession.Values[sessionKeyVisitorID].(string); visitorID != "" {
		return visitorID
	}
	visitorID := uuid.NewString()
	visitorSession.Values[sessionKeyVisitorID] = visitorID
	_ = visitorSession.Save(requestContext.Request, requestContext.Writer)
	return visitorID
}

// CaptureClickID persists an ad click id spotted on a landing URL so later
// conversions can attribute the visit. Blank values are ignored.
func (state *VisitorState) CaptureClickID(requestContext *gin.Context, clickID string) {
	clickID = strings.TrimSpace(clickID)
	if clickID == "" {
		return
	}
	visitorSession, _ := state.store.Get(requestContext.Request, visitorSessionName)
	visitorSession.Values[sessionKeyClickID] = clickID
	_ = visitorSession.Save(requestContext.Request, requestContext.Writer)
}

type consentRequestBody struct {
	Analytics bool `json:"analytics"`
}

// SetConsent records the visitor's analytics consent decision.
func (state *VisitorState) SetConsent(requestContext *gin.Context) {
	var body consentRequestBody
	if bindErr := requestContext.ShouldBindJSON(&body); bindErr != nil {
		requestContext.JSON(http.StatusBadRequest, gin.H{"error": errorValueInvalidPayload})
		return
	}
	visitorSession, _ := state.store.Get(requestContext.Request, visitorSessionName)
	visitorSession.Values[sessionKeyConsentAnalytics] = body.Analytics
	if saveErr := visitorSession.Save(requestContext.Request, requestContext.Writer); saveErr != nil {
		requestContext.JSON(http.StatusInternalServerError, gin.H{"error": "session_save_failed"})
		return
	}
	requestContext.JSON(http.StatusOK, gin.H{"ok": true, "analytics": body.Analytics})
}

// GetConsent reports the stored consent decision.
func (state *VisitorState) GetConsent(requestContext *gin.Context) {
	visitorSession, _ := state.store.Get(requestContext.Request, visitorSessionName)
	consent, _ := visitorSession.Values[sessionKeyConsentAnalytics].(bool)
	requestContext.JSON(http.StatusOK, gin.H{"analytics": consent})
}

type identityRequestBody struct {
	Email   string `json:"email"`
	ClickID string `json:"click_id"`
}

// SetIdentity records the known user email and, when present, the ad click
// id captured by the landing page.
func (state *VisitorState) SetIdentity(requestContext *gin.Context) {
	var body identityRequestBody
	if bindErr := requestContext.ShouldBindJSON(&body); bindErr != nil {
		requestContext.JSON(http.StatusBadRequest, gin.H{"error": errorValueInvalidPayload})
		return
	}
	visitorSession, _ := state.store.Get(requestContext.Request, visitorSessionName)
	if email := strings.TrimSpace(body.Email); email != "" {
		visitorSession.Values[sessionKeyKnownUserEmail] = strings.ToLower(email)
	}
	if clickID := strings.TrimSpace(body.ClickID); clickID != "" {
		visitorSession.Values[sessionKeyClickID] = clickID
	}
	if saveErr := visitorSession.Save(requestContext.Request, requestContext.Writer); saveErr != nil {
		requestContext.JSON(http.StatusInternalServerError, gin.H{"error": "session_save_failed"})
		return
	}
	requestContext.JSON(http.StatusOK, gin.H{"ok": true})
}
