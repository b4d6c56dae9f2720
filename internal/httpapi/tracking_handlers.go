package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PrismResearchLab/tracking_svc/internal/tracking"
)

const (
	errorValueMissingPath      = "missing_path"
	errorValueMissingVisitorID = "missing_visitor_id"
	errorValueMissingProductID = "missing_product_id"

	// navigationTrackerLimit bounds the per-visitor dedup table. When it
	// fills, dedup state starts over for everyone.
	navigationTrackerLimit = 4096
)

// TrackingHandlers exposes the collection endpoints the pages report into.
// Navigation dedup state is held per visitor so one visitor's route history
// never suppresses another's.
type TrackingHandlers struct {
	visitorState *VisitorState
	ctaTracker   *tracking.CTATracker
	dispatcher   *tracking.Dispatcher
	payloadStore *tracking.PayloadStore
	logger       *zap.Logger

	navigationDebounce time.Duration
	navigationMutex    sync.Mutex
	navigationTrackers map[string]*tracking.NavigationTracker

	scrollMutex    sync.Mutex
	scrollTrackers map[string]*tracking.ScrollTracker
}

// NewTrackingHandlers wires the handlers over the trackers. A negative
// navigation debounce selects the default; zero makes navigation fire
// synchronously.
func NewTrackingHandlers(visitorState *VisitorState, navigationDebounce time.Duration, ctaTracker *tracking.CTATracker, dispatcher *tracking.Dispatcher, logger *zap.Logger) *TrackingHandlers {
	return &TrackingHandlers{
		visitorState:       visitorState,
		ctaTracker:         ctaTracker,
		dispatcher:         dispatcher,
		payloadStore:       tracking.NewPayloadStore(),
		logger:             logger,
		navigationDebounce: navigationDebounce,
		navigationTrackers: map[string]*tracking.NavigationTracker{},
		scrollTrackers:     map[string]*tracking.ScrollTracker{},
	}
}

func (handlers *TrackingHandlers) navigationTrackerFor(visitorID string) *tracking.NavigationTracker {
	handlers.navigationMutex.Lock()
	defer handlers.navigationMutex.Unlock()
	if len(handlers.navigationTrackers) >= navigationTrackerLimit {
		handlers.navigationTrackers = map[string]*tracking.NavigationTracker{}
	}
	tracker, present := handlers.navigationTrackers[visitorID]
	if !present {
		tracker = tracking.NewNavigationTracker(handlers.dispatcher, handlers.navigationDebounce)
		tracker.Start()
		handlers.navigationTrackers[visitorID] = tracker
	}
	return tracker
}

// splitLandingPath separates the route path from its query string and pulls
// out the Reddit ad click id when the landing URL carries one.
func splitLandingPath(rawPath string) (string, string) {
	parsed, parseErr := url.Parse(rawPath)
	if parseErr != nil {
		return rawPath, ""
	}
	query := parsed.Query()
	clickID := strings.TrimSpace(query.Get("rdt_cid"))
	if clickID == "" {
		clickID = strings.TrimSpace(query.Get("reddit_cid"))
	}
	return parsed.Path, clickID
}

type navigationRequestBody struct {
	Path         string `json:"path"`
	ScreenWidth  int    `json:"screen_width"`
	ScreenHeight int    `json:"screen_height"`
}

// CollectNavigation records one route change.
func (handlers *TrackingHandlers) CollectNavigation(requestContext *gin.Context) {
	var body navigationRequestBody
	if bindErr := requestContext.ShouldBindJSON(&body); bindErr != nil {
		requestContext.JSON(http.StatusBadRequest, gin.H{"error": errorValueInvalidPayload})
		return
	}
	rawPath := strings.TrimSpace(body.Path)
	if rawPath == "" {
		requestContext.JSON(http.StatusBadRequest, gin.H{"error": errorValueMissingPath})
		return
	}
	path, clickID := splitLandingPath(rawPath)
	visitorID := handlers.visitorState.VisitorID(requestContext)
	if clickID != "" {
		handlers.visitorState.CaptureClickID(requestContext, clickID)
	}

	trackingContext := handlers.visitorState.Resolve(requestContext)
	trackingContext.Path = path
	if clickID != "" {
		trackingContext.Attribution.ClickID = clickID
	}
	trackingContext.Attribution.ScreenWidth = body.ScreenWidth
	trackingContext.Attribution.ScreenHeight = body.ScreenHeight
	handlers.navigationTrackerFor(visitorID).Observe(requestContext.Request.Context(), trackingContext)

	requestContext.JSON(http.StatusAccepted, gin.H{"ok": true})
}

type ctaRequestBody struct {
	Element  tracking.Element `json:"element"`
	Path     string           `json:"path"`
	PageURL  string           `json:"page_url"`
	Referrer string           `json:"referrer"`
}

// CollectCTA records one call-to-action click.
func (handlers *TrackingHandlers) CollectCTA(requestContext *gin.Context) {
	var body ctaRequestBody
	if bindErr := requestContext.ShouldBindJSON(&body); bindErr != nil {
		requestContext.JSON(http.StatusBadRequest, gin.H{"error": errorValueInvalidPayload})
		return
	}
	trackingContext := handlers.visitorState.Resolve(requestContext)
	trackingContext.Path = strings.TrimSpace(body.Path)
	handlers.ctaTracker.Observe(requestContext.Request.Context(), trackingContext, tracking.Click{
		Element:  body.Element,
		PageURL:  body.PageURL,
		Referrer: body.Referrer,
	})
	requestContext.JSON(http.StatusAccepted, gin.H{"ok": true})
}

type contentRequestBody struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Product   struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Price    any    `json:"price"`
		Currency string `json:"currency"`
		Quantity int    `json:"quantity"`
	} `json:"product"`
}

// CollectContentView records a priced offering view. The derived
// dynamic-ads payload is remembered so a later purchase can reuse it.
func (handlers *TrackingHandlers) CollectContentView(requestContext *gin.Context) {
	var body contentRequestBody
	if bindErr := requestContext.ShouldBindJSON(&body); bindErr != nil {
		requestContext.JSON(http.StatusBadRequest, gin.H{"error": errorValueInvalidPayload})
		return
	}
	if strings.TrimSpace(body.Product.ID) == "" {
		requestContext.JSON(http.StatusBadRequest, gin.H{"error": errorValueMissingProductID})
		return
	}

	payload := tracking.BuildProductPayload(tracking.Product{
		ID:       body.Product.ID,
		Name:     body.Product.Name,
		Price:    body.Product.Price,
		Currency: body.Product.Currency,
		Quantity: body.Product.Quantity,
	})
	handlers.payloadStore.Remember(handlers.payloadKey(requestContext, body.SessionID), payload)

	trackingContext := handlers.visitorState.Resolve(requestContext)
	trackingContext.Path = strings.TrimSpace(body.Path)
	handlers.dispatcher.ViewProduct(requestContext.Request.Context(), trackingContext, payload, body.SessionID)
	requestContext.JSON(http.StatusAccepted, gin.H{"ok": true})
}

type purchaseRequestBody struct {
	SessionID     string  `json:"session_id"`
	Path          string  `json:"path"`
	Value         float64 `json:"value"`
	Currency      string  `json:"currency"`
	TransactionID string  `json:"transaction_id"`
}

// CollectPurchase records a completed purchase, merging the transaction
// amounts into the payload remembered for the session. A purchase with no
// remembered payload still dispatches, just without catalog data.
func (handlers *TrackingHandlers) CollectPurchase(requestContext *gin.Context) {
	var body purchaseRequestBody
	if bindErr := requestContext.ShouldBindJSON(&body); bindErr != nil {
		requestContext.JSON(http.StatusBadRequest, gin.H{"error": errorValueInvalidPayload})
		return
	}

	trackingContext := handlers.visitorState.Resolve(requestContext)
	trackingContext.Path = strings.TrimSpace(body.Path)

	key := handlers.payloadKey(requestContext, body.SessionID)
	remembered, present := handlers.payloadStore.Recall(key)
	if !present {
		remembered, present = handlers.payloadStore.Latest()
	}
	if !present {
		handlers.dispatcher.Purchase(requestContext.Request.Context(), trackingContext, body.Value, body.Currency, body.TransactionID, body.SessionID)
		requestContext.JSON(http.StatusAccepted, gin.H{"ok": true})
		return
	}

	merged, _ := tracking.MergePurchaseDetails(&remembered, body.Value, body.Currency, body.TransactionID, body.SessionID)
	handlers.dispatcher.PurchaseWithDetails(requestContext.Request.Context(), trackingContext, merged)
	handlers.payloadStore.Forget(key)
	requestContext.JSON(http.StatusAccepted, gin.H{"ok": true})
}

// payloadKey scopes remembered payloads to the assessment session when one
// exists, otherwise to the visitor.
func (handlers *TrackingHandlers) payloadKey(requestContext *gin.Context, sessionID string) string {
	if trimmed := strings.TrimSpace(sessionID); trimmed != "" {
		return trimmed
	}
	return handlers.visitorState.VisitorID(requestContext)
}

type scrollRequestBody struct {
	VisitorID string `json:"visitor_id"`
	Path      string `json:"path"`
	Percent   int    `json:"percent"`
}

// CollectScroll records a scroll position for a visitor's page visit.
func (handlers *TrackingHandlers) CollectScroll(requestContext *gin.Context) {
	body, trackingContext, ok := handlers.bindScroll(requestContext)
	if !ok {
		return
	}
	tracker := handlers.scrollTrackerFor(body.VisitorID, body.Path, trackingContext)
	tracker.Observe(requestContext.Request.Context(), body.Percent)
	requestContext.JSON(http.StatusAccepted, gin.H{"ok": true})
}

// CollectScrollFinal records the exit scroll position and flushes the
// highest crossed milestone that never fired.
func (handlers *TrackingHandlers) CollectScrollFinal(requestContext *gin.Context) {
	body, trackingContext, ok := handlers.bindScroll(requestContext)
	if !ok {
		return
	}
	tracker := handlers.scrollTrackerFor(body.VisitorID, body.Path, trackingContext)
	tracker.Flush(requestContext.Request.Context(), body.Percent)
	handlers.retireScrollTracker(body.VisitorID, body.Path)
	requestContext.JSON(http.StatusAccepted, gin.H{"ok": true})
}

func (handlers *TrackingHandlers) bindScroll(requestContext *gin.Context) (scrollRequestBody, tracking.Context, bool) {
	var body scrollRequestBody
	if bindErr := requestContext.ShouldBindJSON(&body); bindErr != nil {
		requestContext.JSON(http.StatusBadRequest, gin.H{"error": errorValueInvalidPayload})
		return body, tracking.Context{}, false
	}
	body.VisitorID = strings.TrimSpace(body.VisitorID)
	if body.VisitorID == "" {
		requestContext.JSON(http.StatusBadRequest, gin.H{"error": errorValueMissingVisitorID})
		return body, tracking.Context{}, false
	}
	body.Path = strings.TrimSpace(body.Path)
	if body.Path == "" {
		requestContext.JSON(http.StatusBadRequest, gin.H{"error": errorValueMissingPath})
		return body, tracking.Context{}, false
	}
	trackingContext := handlers.visitorState.Resolve(requestContext)
	trackingContext.Path = body.Path
	return body, trackingContext, true
}

func (handlers *TrackingHandlers) scrollTrackerFor(visitorID string, path string, trackingContext tracking.Context) *tracking.ScrollTracker {
	key := visitorID + "|" + path
	handlers.scrollMutex.Lock()
	defer handlers.scrollMutex.Unlock()
	tracker, present := handlers.scrollTrackers[key]
	if !present || tracker.Finished() {
		tracker = tracking.NewScrollTracker(handlers.dispatcher, trackingContext)
		handlers.scrollTrackers[key] = tracker
	}
	return tracker
}

func (handlers *TrackingHandlers) retireScrollTracker(visitorID string, path string) {
	handlers.scrollMutex.Lock()
	defer handlers.scrollMutex.Unlock()
	delete(handlers.scrollTrackers, visitorID+"|"+path)
}
